package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/buildinfo"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
)

const (
	serverName = "opengin-core"
	// poolInterval is how often store pools are pinged so their gauges stay
	// current.
	poolInterval = 5 * time.Second
)

// Engine is the entity orchestrator behind the tools.
type Engine interface {
	CreateEntity(ctx context.Context, e *apptype.Entity) (*apptype.Entity, error)
	ReadEntity(ctx context.Context, id string, opts apptype.ReadOptions) (*apptype.Entity, error)
	UpdateEntity(ctx context.Context, id string, patch *apptype.Entity) (*apptype.Entity, error)
	DeleteEntity(ctx context.Context, id string) error
	QueryEntity(ctx context.Context, f apptype.QueryFilter) ([]*apptype.Entity, error)
	Traverse(ctx context.Context, seed string, opts apptype.TraversalOptions) ([]apptype.TraversalHit, error)
	ShortestPath(ctx context.Context, from, to string, direction apptype.Direction, maxDepth int) ([]string, []apptype.Relationship, error)
	Health(ctx context.Context) map[string]string
}

// MCPServer exposes the engine as MCP tools.
type MCPServer struct {
	server *mcp.Server
	engine Engine
	log    *zap.SugaredLogger
}

// NewMCPServer creates a new MCP server
func NewMCPServer(engine Engine, log *zap.SugaredLogger) *MCPServer {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: buildinfo.Version,
	}, nil)

	s := &MCPServer{
		server: server,
		engine: engine,
		log:    logger.Or(log),
	}
	s.setupToolHandlers()
	return s
}

// entitySchema accepts any object; entity payloads are validated by the
// engine, which understands both the list and map forms of temporal fields.
func entitySchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Description: description}
}

func mustSchema[T any](name string) *jsonschema.Schema {
	schema, err := jsonschema.For[T]()
	if err != nil {
		panic(fmt.Sprintf("failed to create schema for %s: %v", name, err))
	}
	return schema
}

// setupToolHandlers registers all MCP tools
func (s *MCPServer) setupToolHandlers() {
	createInputSchema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"entity"},
		Properties: map[string]*jsonschema.Schema{
			"entity": entitySchema("The entity to create. id, kind.major and created are required."),
		},
	}
	updateInputSchema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"id", "entity"},
		Properties: map[string]*jsonschema.Schema{
			"id":     {Type: "string", Description: "The id of the entity to update."},
			"entity": entitySchema("Partial entity. id, kind and created may be omitted but cannot change."),
		},
	}
	readInputSchema := mustSchema[apptype.ReadEntityArgs]("ReadEntityArgs")
	deleteInputSchema := mustSchema[apptype.DeleteEntityArgs]("DeleteEntityArgs")
	queryInputSchema := mustSchema[apptype.QueryEntitiesArgs]("QueryEntitiesArgs")
	traverseInputSchema := mustSchema[apptype.TraverseArgs]("TraverseArgs")
	traverseOutputSchema := mustSchema[apptype.TraverseResult]("TraverseResult")
	shortestInputSchema := mustSchema[apptype.ShortestPathArgs]("ShortestPathArgs")
	healthInputSchema := mustSchema[apptype.HealthCheckArgs]("HealthCheckArgs")
	healthOutputSchema := mustSchema[apptype.HealthResult]("HealthResult")

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations: &mcp.ToolAnnotations{Title: "Create Entity"},
		Name:        "create_entity",
		Title:       "Create Entity",
		Description: "Create an entity across the document, graph and relational stores.",
		InputSchema: createInputSchema,
	}, s.handleCreateEntity)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations: &mcp.ToolAnnotations{Title: "Read Entity", ReadOnlyHint: true},
		Name:        "read_entity",
		Title:       "Read Entity",
		Description: "Read an entity, optionally limited to some sections or to the versions active at an instant.",
		InputSchema: readInputSchema,
	}, s.handleReadEntity)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "update_entity",
		Title:       "Update Entity",
		Description: "Merge metadata and append new name, attribute and relationship versions to an entity.",
		InputSchema: updateInputSchema,
	}, s.handleUpdateEntity)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "delete_entity",
		Title:       "Delete Entity",
		Description: "Delete an entity from every store.",
		InputSchema: deleteInputSchema,
	}, s.handleDeleteEntity)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations: &mcp.ToolAnnotations{Title: "Query Entities", ReadOnlyHint: true},
		Name:        "query_entities",
		Title:       "Query Entities",
		Description: "Find entities by kind, ids, name, creation range, activity and metadata.",
		InputSchema: queryInputSchema,
	}, s.handleQueryEntities)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations:  &mcp.ToolAnnotations{Title: "Traverse", ReadOnlyHint: true},
		Name:         "traverse",
		Title:        "Traverse",
		Description:  "List entities reachable from a seed within a bounded depth.",
		InputSchema:  traverseInputSchema,
		OutputSchema: traverseOutputSchema,
	}, s.handleTraverse)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations: &mcp.ToolAnnotations{Title: "Shortest Path", ReadOnlyHint: true},
		Name:        "shortest_path",
		Title:       "Shortest Path",
		Description: "Compute a shortest relationship path between two entities.",
		InputSchema: shortestInputSchema,
	}, s.handleShortestPath)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "health_check",
		Title:        "Health Check",
		Description:  "Returns build information and the status of each store.",
		InputSchema:  healthInputSchema,
		OutputSchema: healthOutputSchema,
	}, s.handleHealth)
}

// reportPools pings the stores periodically so pool gauges stay current.
func (s *MCPServer) reportPools(ctx context.Context) {
	ticker := time.NewTicker(poolInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.engine.Health(ctx)
			}
		}
	}()
}

// Run starts the MCP server with stdio transport
func (s *MCPServer) Run(ctx context.Context) error {
	s.reportPools(ctx)
	transport := mcp.NewStdioTransport()
	return s.server.Run(ctx, transport)
}

// Handler returns the SSE handler serving this server.
func (s *MCPServer) Handler() http.Handler {
	return mcp.NewSSEHandler(func(r *http.Request) *mcp.Server { return s.server })
}

// RunSSE starts the MCP server over SSE at the given address and endpoint
func (s *MCPServer) RunSSE(ctx context.Context, addr string, endpoint string) error {
	s.reportPools(ctx)
	mux := http.NewServeMux()
	mux.Handle(endpoint, s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("SSE MCP server listening", "addr", addr, "endpoint", endpoint)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
