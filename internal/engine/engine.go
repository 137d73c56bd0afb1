// Package engine orchestrates one logical entity across the document, graph
// and relational stores.
//
// Writes run as ordered, best-effort steps: metadata, node, relationships,
// then attributes. A failed step does not undo earlier ones and does not
// stop later independent ones; the caller receives a PartialFailureError
// listing every step. Reads fan out to the stores the caller selected and
// join before assembling the entity. Concurrent writers to one entity race
// per store, so reads see their own writes only within a single store.
package engine

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
)

// MetadataStore holds one metadata document per entity.
type MetadataStore interface {
	Put(ctx context.Context, id string, doc map[string]any) error
	Merge(ctx context.Context, id string, fields map[string]any) error
	Get(ctx context.Context, id string) (map[string]any, error)
	Delete(ctx context.Context, id string) error
	FindIDs(ctx context.Context, match map[string]any) ([]string, error)
	Ping(ctx context.Context) error
}

// GraphManager owns entity nodes and relationships.
type GraphManager interface {
	Exists(ctx context.Context, id string) (bool, error)
	CreateNode(ctx context.Context, e *apptype.Entity) error
	GetNode(ctx context.Context, id string, activeAt *time.Time) (*apptype.Entity, error)
	UpdateName(ctx context.Context, id string, v apptype.TimeBasedValue) error
	Terminate(ctx context.Context, id string, at time.Time) error
	PutRelationship(ctx context.Context, ownerID string, r apptype.Relationship) error
	Relationships(ctx context.Context, id string, f apptype.RelationshipFilter) (map[string]apptype.Relationship, error)
	Find(ctx context.Context, f apptype.QueryFilter) ([]string, error)
	Traverse(ctx context.Context, seed string, opts apptype.TraversalOptions) ([]apptype.TraversalHit, error)
	Path(ctx context.Context, from, to string, direction apptype.Direction, maxDepth int) ([]string, []apptype.Relationship, error)
	DeleteNode(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// AttributeProcessor writes and reads time-versioned attributes.
type AttributeProcessor interface {
	WriteValues(ctx context.Context, entityID string, kind apptype.Kind, name string, values []apptype.TimeBasedValue) error
	Read(ctx context.Context, entityID string, kind apptype.Kind, activeAt *time.Time, names []string) (map[string][]apptype.TimeBasedValue, error)
	DeleteEntity(ctx context.Context, entityID string) error
	Ping(ctx context.Context) error
}

// Config tunes the engine.
type Config struct {
	// StoreTimeout bounds every individual store call. A call that runs out
	// of time counts as a failure of that store.
	StoreTimeout time.Duration
	// QueryConcurrency bounds parallel entity assembly in QueryEntity.
	QueryConcurrency int
}

const (
	defaultStoreTimeout     = 10 * time.Second
	defaultQueryConcurrency = 8
)

// Engine is the entity orchestrator.
type Engine struct {
	docs  MetadataStore
	graph GraphManager
	attrs AttributeProcessor
	log   *zap.SugaredLogger

	timeout     time.Duration
	concurrency int
}

func New(docs MetadataStore, graph GraphManager, attrs AttributeProcessor, cfg Config, log *zap.SugaredLogger) *Engine {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.QueryConcurrency <= 0 {
		cfg.QueryConcurrency = defaultQueryConcurrency
	}
	return &Engine{
		docs:        docs,
		graph:       graph,
		attrs:       attrs,
		log:         logger.Or(log),
		timeout:     cfg.StoreTimeout,
		concurrency: cfg.QueryConcurrency,
	}
}

// call runs fn under the per-store deadline.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return fn(ctx)
}

// steps records the outcome of each step of a multi-store write.
type steps struct {
	e        *Engine
	op       string
	entityID string
	outcomes []errors.StepOutcome
}

func (e *Engine) newSteps(op, entityID string) *steps {
	return &steps{e: e, op: op, entityID: entityID}
}

// run executes one step and reports whether it succeeded.
func (s *steps) run(ctx context.Context, step string, store errors.Store, fn func(ctx context.Context) error) bool {
	err := s.e.call(ctx, fn)
	if err != nil {
		err = errors.WrapStore(store, step, err)
		s.e.log.Warnw("write step failed",
			logger.FieldEntityID, s.entityID,
			logger.FieldStep, step,
			logger.FieldStore, store,
			logger.FieldError, err)
	}
	s.outcomes = append(s.outcomes, errors.StepOutcome{Step: step, Store: store, Err: err})
	return err == nil
}

func (s *steps) skip(step string, store errors.Store) {
	s.outcomes = append(s.outcomes, errors.StepOutcome{Step: step, Store: store, Skipped: true})
}

// err returns nil when every step succeeded, otherwise a
// PartialFailureError carrying all outcomes.
func (s *steps) err() error {
	for _, o := range s.outcomes {
		if !o.Succeeded() {
			return &errors.PartialFailureError{Op: s.op, EntityID: s.entityID, Outcomes: s.outcomes}
		}
	}
	return nil
}

// Step names reported in outcomes.
const (
	StepMetadata     = "metadata"
	StepNode         = "node"
	StepName         = "name"
	StepTerminated   = "terminated"
	StepRelationship = "relationship:"
	StepAttribute    = "attribute:"
	StepRelations    = "relationships"
	StepAttributes   = "attributes"
)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
