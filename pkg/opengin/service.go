// Package opengin is the library entry point: it opens the document, graph
// and relational stores from a configuration and exposes the entity engine
// without the MCP transport.
package opengin

import (
	"context"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/attributes"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/config"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/docstore"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/engine"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/graph"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/graphstore"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/relational"
)

type (
	Entity              = apptype.Entity
	Kind                = apptype.Kind
	TimeBasedValue      = apptype.TimeBasedValue
	Relationship        = apptype.Relationship
	ReadOptions         = apptype.ReadOptions
	QueryFilter         = apptype.QueryFilter
	TraversalOptions    = apptype.TraversalOptions
	TraversalHit        = apptype.TraversalHit
	PartialFailureError = errors.PartialFailureError
)

// Service owns the three stores and the engine running over them.
type Service struct {
	*engine.Engine

	graph      *graphstore.Store
	docs       *docstore.Store
	relational relational.Store
	log        *zap.SugaredLogger
}

// Open connects every store described by cfg. Stores opened before a
// failure are closed again.
func Open(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (_ *Service, err error) {
	log = logger.Or(log)
	s := &Service{log: log}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	gcfg := graphstore.NewConfig()
	gcfg.URL = cfg.Graph.URL
	gcfg.AuthToken = cfg.Graph.AuthToken
	gcfg.MaxOpenConns = cfg.Graph.MaxOpenConns
	gcfg.MaxIdleConns = cfg.Graph.MaxIdleConns
	gcfg.ConnMaxIdleSec = cfg.Graph.ConnMaxIdleSec
	gcfg.ConnMaxLifeSec = cfg.Graph.ConnMaxLifeSec
	if s.graph, err = graphstore.Open(ctx, gcfg, log); err != nil {
		return nil, errors.Wrap(err, "open graph store")
	}

	if s.docs, err = docstore.Open(ctx, cfg.Document.Path, log); err != nil {
		return nil, errors.Wrap(err, "open document store")
	}

	switch cfg.Relational.Driver {
	case "memory":
		s.relational = relational.NewMemory()
	default:
		pg, err := relational.OpenPostgres(ctx, cfg.Relational.DSN(), log)
		if err != nil {
			return nil, errors.Wrap(err, "open relational store")
		}
		s.relational = pg
	}

	s.Engine = engine.New(
		s.docs,
		graph.NewManager(s.graph, cfg.Engine.MaxTraversalDepth, log),
		attributes.NewProcessor(s.relational, log),
		engine.Config{StoreTimeout: cfg.Engine.StoreTimeout, QueryConcurrency: cfg.Engine.QueryConcurrency},
		log,
	)
	log.Infow("stores ready",
		"graph", cfg.Graph.URL,
		"document", cfg.Document.Path,
		"relational", cfg.Relational.Driver)
	return s, nil
}

// Close releases every store connection.
func (s *Service) Close() error {
	var err error
	if s.relational != nil {
		err = errors.Combine(err, s.relational.Close())
	}
	if s.docs != nil {
		err = errors.Combine(err, s.docs.Close())
	}
	if s.graph != nil {
		err = errors.Combine(err, s.graph.Close())
	}
	return err
}
