package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/buildinfo"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/metrics"
)

func parseDirection(s string) (apptype.Direction, error) {
	switch d := apptype.Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case "", apptype.DirectionOutgoing, apptype.DirectionIncoming, apptype.DirectionBoth:
		return d, nil
	default:
		return "", errors.NewValidationError("unknown direction %q", s)
	}
}

func selectors(names []string) []apptype.Selector {
	if len(names) == 0 {
		return nil
	}
	out := make([]apptype.Selector, len(names))
	for i, n := range names {
		out[i] = apptype.Selector(strings.ToLower(strings.TrimSpace(n)))
	}
	return out
}

func kindFilter(major, minor string) *apptype.Kind {
	if major == "" && minor == "" {
		return nil
	}
	return &apptype.Kind{Major: major, Minor: minor}
}

func readOptions(a apptype.ReadEntityArgs) (apptype.ReadOptions, error) {
	activeAt, err := apptype.ParseOptionalTime(a.ActiveAt)
	if err != nil {
		return apptype.ReadOptions{}, errors.Mark(errors.Wrap(err, "activeAt"), errors.ErrValidation)
	}
	direction, err := parseDirection(a.Direction)
	if err != nil {
		return apptype.ReadOptions{}, err
	}
	return apptype.ReadOptions{
		Output:     selectors(a.Output),
		Required:   selectors(a.Required),
		ActiveAt:   activeAt,
		Attributes: a.Attributes,
		Relationships: apptype.RelationshipFilter{
			Direction:       direction,
			Name:            a.RelationshipName,
			RelatedEntityID: a.RelatedEntityID,
		},
	}, nil
}

func queryFilter(a apptype.QueryEntitiesArgs) (apptype.QueryFilter, error) {
	f := apptype.QueryFilter{
		Kind:     kindFilter(a.KindMajor, a.KindMinor),
		IDs:      a.IDs,
		Metadata: a.Metadata,
		Name:     a.Name,
		Output:   selectors(a.Output),
		Limit:    a.Limit,
	}
	for _, t := range []struct {
		field string
		raw   string
		dst   **time.Time
	}{
		{"createdFrom", a.CreatedFrom, &f.CreatedFrom},
		{"createdTo", a.CreatedTo, &f.CreatedTo},
		{"activeAt", a.ActiveAt, &f.ActiveAt},
	} {
		parsed, err := apptype.ParseOptionalTime(t.raw)
		if err != nil {
			return f, errors.Mark(errors.Wrap(err, t.field), errors.ErrValidation)
		}
		*t.dst = parsed
	}
	return f, nil
}

// outcomeViews flattens a partial failure for the wire.
func outcomeViews(err error) []apptype.StepOutcomeView {
	pf, ok := errors.AsPartialFailure(err)
	if !ok {
		return nil
	}
	out := make([]apptype.StepOutcomeView, len(pf.Outcomes))
	for i, o := range pf.Outcomes {
		out[i] = apptype.StepOutcomeView{Step: o.Step, Store: string(o.Store), OK: o.Succeeded(), Skipped: o.Skipped}
		if o.Err != nil {
			out[i].Error = o.Err.Error()
		}
	}
	return out
}

// entityResult turns an engine result into a tool result. A partial
// failure is reported as a tool error carrying the per-step outcomes;
// other errors are returned as protocol errors.
func (s *MCPServer) entityResult(tool string, ent *apptype.Entity, err error, okText string) (*mcp.CallToolResultFor[apptype.EntityResult], error) {
	if err == nil {
		return &mcp.CallToolResultFor[apptype.EntityResult]{
			Content:           []mcp.Content{&mcp.TextContent{Text: okText}},
			StructuredContent: apptype.EntityResult{Entity: ent},
		}, nil
	}
	if views := outcomeViews(err); views != nil {
		s.log.Warnw("tool partially failed", logger.FieldTool, tool, logger.FieldError, err)
		return &mcp.CallToolResultFor[apptype.EntityResult]{
			IsError:           true,
			Content:           []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			StructuredContent: apptype.EntityResult{Entity: ent, Outcomes: views, Error: err.Error()},
		}, nil
	}
	return nil, fmt.Errorf("%s failed: %w", tool, err)
}

func (s *MCPServer) handleCreateEntity(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.CreateEntityArgs],
) (*mcp.CallToolResultFor[apptype.EntityResult], error) {
	done := metrics.TimeTool("create_entity")
	var success bool
	defer func() { done(success) }()
	ent := params.Arguments.Entity
	got, err := s.engine.CreateEntity(ctx, &ent)
	success = err == nil
	return s.entityResult("create_entity", got, err, fmt.Sprintf("Created entity %s", ent.ID))
}

func (s *MCPServer) handleReadEntity(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ReadEntityArgs],
) (*mcp.CallToolResultFor[apptype.EntityResult], error) {
	done := metrics.TimeTool("read_entity")
	var success bool
	defer func() { done(success) }()
	opts, err := readOptions(params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("read_entity failed: %w", err)
	}
	got, err := s.engine.ReadEntity(ctx, params.Arguments.ID, opts)
	success = err == nil
	return s.entityResult("read_entity", got, err, fmt.Sprintf("Read entity %s", params.Arguments.ID))
}

func (s *MCPServer) handleUpdateEntity(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.UpdateEntityArgs],
) (*mcp.CallToolResultFor[apptype.EntityResult], error) {
	done := metrics.TimeTool("update_entity")
	var success bool
	defer func() { done(success) }()
	patch := params.Arguments.Entity
	got, err := s.engine.UpdateEntity(ctx, params.Arguments.ID, &patch)
	success = err == nil
	return s.entityResult("update_entity", got, err, fmt.Sprintf("Updated entity %s", params.Arguments.ID))
}

func (s *MCPServer) handleDeleteEntity(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.DeleteEntityArgs],
) (*mcp.CallToolResultFor[apptype.EntityResult], error) {
	done := metrics.TimeTool("delete_entity")
	var success bool
	defer func() { done(success) }()
	err := s.engine.DeleteEntity(ctx, params.Arguments.ID)
	success = err == nil
	return s.entityResult("delete_entity", nil, err, fmt.Sprintf("Deleted entity %s", params.Arguments.ID))
}

func (s *MCPServer) handleQueryEntities(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.QueryEntitiesArgs],
) (*mcp.CallToolResultFor[apptype.QueryResult], error) {
	done := metrics.TimeTool("query_entities")
	var success bool
	defer func() { done(success) }()
	f, err := queryFilter(params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("query_entities failed: %w", err)
	}
	ents, err := s.engine.QueryEntity(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query_entities failed: %w", err)
	}
	success = true
	return &mcp.CallToolResultFor[apptype.QueryResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Found %d entities", len(ents))}},
		StructuredContent: apptype.QueryResult{Entities: ents, Count: len(ents)},
	}, nil
}

func (s *MCPServer) handleTraverse(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.TraverseArgs],
) (*mcp.CallToolResultFor[apptype.TraverseResult], error) {
	done := metrics.TimeTool("traverse")
	var success bool
	defer func() { done(success) }()
	a := params.Arguments
	direction, err := parseDirection(a.Direction)
	if err != nil {
		return nil, fmt.Errorf("traverse failed: %w", err)
	}
	hits, err := s.engine.Traverse(ctx, a.ID, apptype.TraversalOptions{
		MaxDepth:         a.MaxDepth,
		Direction:        direction,
		RelationshipName: a.RelationshipName,
		Kind:             kindFilter(a.KindMajor, a.KindMinor),
	})
	if err != nil {
		return nil, fmt.Errorf("traverse failed: %w", err)
	}
	if hits == nil {
		hits = []apptype.TraversalHit{}
	}
	success = true
	return &mcp.CallToolResultFor[apptype.TraverseResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Reached %d entities", len(hits))}},
		StructuredContent: apptype.TraverseResult{Seed: a.ID, Hits: hits},
	}, nil
}

func (s *MCPServer) handleShortestPath(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ShortestPathArgs],
) (*mcp.CallToolResultFor[apptype.PathResult], error) {
	done := metrics.TimeTool("shortest_path")
	var success bool
	defer func() { done(success) }()
	a := params.Arguments
	direction, err := parseDirection(a.Direction)
	if err != nil {
		return nil, fmt.Errorf("shortest_path failed: %w", err)
	}
	nodes, rels, err := s.engine.ShortestPath(ctx, a.From, a.To, direction, a.MaxDepth)
	if err != nil {
		return nil, fmt.Errorf("shortest_path failed: %w", err)
	}
	success = true
	res := apptype.PathResult{Nodes: nodes, Edges: rels, Found: len(nodes) > 0}
	if res.Nodes == nil {
		res.Nodes = []string{}
	}
	if res.Edges == nil {
		res.Edges = []apptype.Relationship{}
	}
	text := "No path found"
	if res.Found {
		text = fmt.Sprintf("Shortest path has %d hops", len(rels))
	}
	return &mcp.CallToolResultFor[apptype.PathResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: text}},
		StructuredContent: res,
	}, nil
}

// handleHealth returns build information and per-store status
func (s *MCPServer) handleHealth(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.HealthCheckArgs],
) (*mcp.CallToolResultFor[apptype.HealthResult], error) {
	done := metrics.TimeTool("health_check")
	stores := s.engine.Health(ctx)
	status := "ok"
	for _, st := range stores {
		if st != "ok" {
			status = "degraded"
		}
	}
	defer func() { done(status == "ok") }()
	return &mcp.CallToolResultFor[apptype.HealthResult]{
		Content: []mcp.Content{&mcp.TextContent{Text: status}},
		StructuredContent: apptype.HealthResult{
			Name:      serverName,
			Version:   buildinfo.Version,
			Revision:  buildinfo.Revision,
			BuildDate: buildinfo.BuildDate,
			Stores:    stores,
		},
	}, nil
}
