package server

import (
	"context"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

// stubEngine records its inputs and returns canned results.
type stubEngine struct {
	createErr error
	readOpts  apptype.ReadOptions
	query     apptype.QueryFilter
	traverse  apptype.TraversalOptions
	health    map[string]string
}

func (s *stubEngine) CreateEntity(_ context.Context, e *apptype.Entity) (*apptype.Entity, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return e, nil
}

func (s *stubEngine) ReadEntity(_ context.Context, id string, opts apptype.ReadOptions) (*apptype.Entity, error) {
	s.readOpts = opts
	if id == "missing" {
		return nil, errors.NewNotFoundError("entity %q not found", id)
	}
	return &apptype.Entity{ID: id, Kind: apptype.Kind{Major: "Person"}}, nil
}

func (s *stubEngine) UpdateEntity(_ context.Context, id string, patch *apptype.Entity) (*apptype.Entity, error) {
	patch.ID = id
	return patch, nil
}

func (s *stubEngine) DeleteEntity(context.Context, string) error { return nil }

func (s *stubEngine) QueryEntity(_ context.Context, f apptype.QueryFilter) ([]*apptype.Entity, error) {
	s.query = f
	return []*apptype.Entity{{ID: "e1"}, {ID: "e2"}}, nil
}

func (s *stubEngine) Traverse(_ context.Context, seed string, opts apptype.TraversalOptions) ([]apptype.TraversalHit, error) {
	s.traverse = opts
	return nil, nil
}

func (s *stubEngine) ShortestPath(_ context.Context, from, to string, _ apptype.Direction, _ int) ([]string, []apptype.Relationship, error) {
	if from == to {
		return []string{from}, nil, nil
	}
	return nil, nil, nil
}

func (s *stubEngine) Health(context.Context) map[string]string {
	if s.health != nil {
		return s.health
	}
	return map[string]string{"document": "ok", "graph": "ok", "relational": "ok"}
}

func newTestServer(t *testing.T) (*MCPServer, *stubEngine) {
	t.Helper()
	eng := &stubEngine{}
	return NewMCPServer(eng, zaptest.NewLogger(t).Sugar()), eng
}

func text(t *testing.T, content []mcp.Content) string {
	t.Helper()
	require.Len(t, content, 1)
	tc, ok := content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestReadEntityMapsArguments(t *testing.T) {
	s, eng := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleReadEntity(ctx, nil, &mcp.CallToolParamsFor[apptype.ReadEntityArgs]{
		Arguments: apptype.ReadEntityArgs{
			ID:               "e1",
			Output:           []string{"Metadata", " attributes"},
			Required:         []string{"attributes"},
			ActiveAt:         "2024-03-15",
			Direction:        "incoming",
			RelationshipName: "reports_to",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "e1", res.StructuredContent.Entity.ID)
	assert.Equal(t, []apptype.Selector{apptype.SelectMetadata, apptype.SelectAttributes}, eng.readOpts.Output)
	require.NotNil(t, eng.readOpts.ActiveAt)
	assert.True(t, eng.readOpts.ActiveAt.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, apptype.DirectionIncoming, eng.readOpts.Relationships.Direction)

	_, err = s.handleReadEntity(ctx, nil, &mcp.CallToolParamsFor[apptype.ReadEntityArgs]{
		Arguments: apptype.ReadEntityArgs{ID: "e1", ActiveAt: "last tuesday"},
	})
	assert.True(t, errors.IsValidation(err))

	_, err = s.handleReadEntity(ctx, nil, &mcp.CallToolParamsFor[apptype.ReadEntityArgs]{
		Arguments: apptype.ReadEntityArgs{ID: "e1", Direction: "sideways"},
	})
	assert.True(t, errors.IsValidation(err))

	_, err = s.handleReadEntity(ctx, nil, &mcp.CallToolParamsFor[apptype.ReadEntityArgs]{
		Arguments: apptype.ReadEntityArgs{ID: "missing"},
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestPartialFailureIsToolError(t *testing.T) {
	s, eng := newTestServer(t)
	eng.createErr = &errors.PartialFailureError{
		Op:       "create",
		EntityID: "e1",
		Outcomes: []errors.StepOutcome{
			{Step: "metadata", Store: errors.StoreDocument},
			{Step: "node", Store: errors.StoreGraph, Err: errors.New("graph unavailable")},
			{Step: "relationship:r1", Store: errors.StoreGraph, Skipped: true},
		},
	}

	res, err := s.handleCreateEntity(context.Background(), nil, &mcp.CallToolParamsFor[apptype.CreateEntityArgs]{
		Arguments: apptype.CreateEntityArgs{Entity: apptype.Entity{ID: "e1"}},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	views := res.StructuredContent.Outcomes
	require.Len(t, views, 3)
	assert.Equal(t, apptype.StepOutcomeView{Step: "metadata", Store: "document", OK: true}, views[0])
	assert.Equal(t, "graph unavailable", views[1].Error)
	assert.False(t, views[1].OK)
	assert.True(t, views[2].Skipped)
	assert.Contains(t, text(t, res.Content), "partially failed")
}

func TestQueryEntitiesMapsFilter(t *testing.T) {
	s, eng := newTestServer(t)

	res, err := s.handleQueryEntities(context.Background(), nil, &mcp.CallToolParamsFor[apptype.QueryEntitiesArgs]{
		Arguments: apptype.QueryEntitiesArgs{
			KindMajor:   "Person",
			Metadata:    map[string]any{"department": "engineering"},
			CreatedFrom: "2024-01-01T00:00:00Z",
			Limit:       5,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.StructuredContent.Count)
	assert.Equal(t, "Found 2 entities", text(t, res.Content))
	require.NotNil(t, eng.query.Kind)
	assert.Equal(t, "Person", eng.query.Kind.Major)
	require.NotNil(t, eng.query.CreatedFrom)
	assert.Nil(t, eng.query.CreatedTo)
	assert.Equal(t, 5, eng.query.Limit)

	_, err = s.handleQueryEntities(context.Background(), nil, &mcp.CallToolParamsFor[apptype.QueryEntitiesArgs]{
		Arguments: apptype.QueryEntitiesArgs{CreatedTo: "not a time"},
	})
	assert.True(t, errors.IsValidation(err))
}

func TestGraphTools(t *testing.T) {
	s, eng := newTestServer(t)
	ctx := context.Background()

	tr, err := s.handleTraverse(ctx, nil, &mcp.CallToolParamsFor[apptype.TraverseArgs]{
		Arguments: apptype.TraverseArgs{ID: "a", MaxDepth: 2, Direction: "both", KindMajor: "Organisation"},
	})
	require.NoError(t, err)
	assert.NotNil(t, tr.StructuredContent.Hits)
	assert.Equal(t, apptype.DirectionBoth, eng.traverse.Direction)
	require.NotNil(t, eng.traverse.Kind)
	assert.Equal(t, "Organisation", eng.traverse.Kind.Major)

	p, err := s.handleShortestPath(ctx, nil, &mcp.CallToolParamsFor[apptype.ShortestPathArgs]{
		Arguments: apptype.ShortestPathArgs{From: "a", To: "z"},
	})
	require.NoError(t, err)
	assert.False(t, p.StructuredContent.Found)
	assert.Equal(t, []string{}, p.StructuredContent.Nodes)
	assert.Equal(t, "No path found", text(t, p.Content))

	p, err = s.handleShortestPath(ctx, nil, &mcp.CallToolParamsFor[apptype.ShortestPathArgs]{
		Arguments: apptype.ShortestPathArgs{From: "a", To: "a"},
	})
	require.NoError(t, err)
	assert.True(t, p.StructuredContent.Found)
}

func TestHealthReportsDegradedStore(t *testing.T) {
	s, eng := newTestServer(t)
	eng.health = map[string]string{"document": "ok", "graph": "ok", "relational": "connection refused"}

	res, err := s.handleHealth(context.Background(), nil, &mcp.CallToolParamsFor[apptype.HealthCheckArgs]{})
	require.NoError(t, err)
	assert.Equal(t, "degraded", text(t, res.Content))
	assert.Equal(t, serverName, res.StructuredContent.Name)
	assert.Equal(t, "connection refused", res.StructuredContent.Stores["relational"])
}
