package engine

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
)

// normaliseOutput fills in defaults: no selectors means every section, and
// required sections are always fetched.
func normaliseOutput(opts apptype.ReadOptions) apptype.ReadOptions {
	if len(opts.Output) == 0 {
		opts.Output = apptype.AllSelectors
	}
	for _, r := range opts.Required {
		if !opts.Has(r) {
			opts.Output = append(append([]apptype.Selector(nil), opts.Output...), r)
		}
	}
	return opts
}

func validateSelectors(sel []apptype.Selector) error {
	for _, s := range sel {
		switch s {
		case apptype.SelectMetadata, apptype.SelectAttributes, apptype.SelectRelationships:
		default:
			return errors.NewValidationError("unknown output selector %q", s)
		}
	}
	return nil
}

// ReadEntity returns an entity. The graph node is read first and decides
// existence. Each selected section is then fetched from its store
// concurrently; unselected sections are not fetched. A failed section the
// caller required fails the read. Any other failed section is left absent
// and the entity is returned together with a PartialFailureError.
func (e *Engine) ReadEntity(ctx context.Context, id string, opts apptype.ReadOptions) (*apptype.Entity, error) {
	if err := validateSelectors(opts.Output); err != nil {
		return nil, err
	}
	if err := validateSelectors(opts.Required); err != nil {
		return nil, err
	}
	opts = normaliseOutput(opts)

	var ent *apptype.Entity
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		ent, err = e.graph.GetNode(ctx, id, opts.ActiveAt)
		return err
	})
	if err != nil {
		return nil, errors.WrapStore(errors.StoreGraph, "get node", err)
	}

	var (
		metadata  map[string]any
		attrs     map[string][]apptype.TimeBasedValue
		rels      map[string]apptype.Relationship
		errs      = make(map[apptype.Selector]error)
		errsMu    sync.Mutex
		g         errgroup.Group
		setErr    = func(s apptype.Selector, err error) { errsMu.Lock(); errs[s] = err; errsMu.Unlock() }
		relFilter = opts.Relationships
	)
	if relFilter.ActiveAt == nil {
		relFilter.ActiveAt = opts.ActiveAt
	}

	// branches report failures through errs so one failure never cancels
	// the others
	if opts.Has(apptype.SelectMetadata) {
		g.Go(func() error {
			err := e.call(ctx, func(ctx context.Context) error {
				doc, err := e.docs.Get(ctx, id)
				if errors.IsNotFound(err) {
					doc, err = map[string]any{}, nil
				}
				metadata = doc
				return err
			})
			if err != nil {
				setErr(apptype.SelectMetadata, errors.WrapStore(errors.StoreDocument, "get metadata", err))
			}
			return nil
		})
	}
	if opts.Has(apptype.SelectAttributes) {
		g.Go(func() error {
			err := e.call(ctx, func(ctx context.Context) error {
				var err error
				attrs, err = e.attrs.Read(ctx, id, ent.Kind, opts.ActiveAt, opts.Attributes)
				return err
			})
			if err != nil {
				setErr(apptype.SelectAttributes, errors.WrapStore(errors.StoreRelational, "read attributes", err))
			}
			return nil
		})
	}
	if opts.Has(apptype.SelectRelationships) {
		g.Go(func() error {
			err := e.call(ctx, func(ctx context.Context) error {
				var err error
				rels, err = e.graph.Relationships(ctx, id, relFilter)
				return err
			})
			if err != nil {
				setErr(apptype.SelectRelationships, errors.WrapStore(errors.StoreGraph, "list relationships", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	var outcomes []errors.StepOutcome
	partial := false
	for _, sel := range apptype.AllSelectors {
		if !opts.Has(sel) {
			continue
		}
		err := errs[sel]
		if err != nil {
			if opts.IsRequired(sel) || errors.IsValidation(err) {
				return nil, errors.Wrapf(err, "read %s of entity %q", sel, id)
			}
			partial = true
		}
		store, _ := errors.StoreOf(err)
		if err == nil {
			store = selectorStore(sel)
		}
		outcomes = append(outcomes, errors.StepOutcome{Step: string(sel), Store: store, Err: err})
	}

	if errs[apptype.SelectMetadata] == nil && opts.Has(apptype.SelectMetadata) {
		ent.Metadata = metadata
	}
	if errs[apptype.SelectAttributes] == nil && opts.Has(apptype.SelectAttributes) {
		ent.Attributes = attrs
	}
	if errs[apptype.SelectRelationships] == nil && opts.Has(apptype.SelectRelationships) {
		ent.Relationships = rels
	}
	if partial {
		pf := &errors.PartialFailureError{Op: "read", EntityID: id, Outcomes: outcomes}
		e.log.Warnw("partial read", logger.FieldEntityID, id, logger.FieldError, pf)
		return ent, pf
	}
	return ent, nil
}

func selectorStore(s apptype.Selector) errors.Store {
	switch s {
	case apptype.SelectMetadata:
		return errors.StoreDocument
	case apptype.SelectAttributes:
		return errors.StoreRelational
	}
	return errors.StoreGraph
}

// QueryEntity returns the entities matching f, ordered by id. Kind, id,
// name and time predicates narrow candidates in the graph store; metadata
// predicates run in the document store; the two sets are intersected in
// memory and the survivors are assembled with bounded concurrency.
// Entities that disappear between narrowing and assembly are dropped before
// Limit applies, and entities with unavailable optional sections are
// returned without them.
func (e *Engine) QueryEntity(ctx context.Context, f apptype.QueryFilter) ([]*apptype.Entity, error) {
	if f.Limit < 0 {
		return nil, errors.NewValidationError("query limit must not be negative")
	}
	if err := validateSelectors(f.Output); err != nil {
		return nil, err
	}
	if f.CreatedFrom != nil && f.CreatedTo != nil && f.CreatedTo.Before(*f.CreatedFrom) {
		return nil, errors.NewValidationError("createdTo is before createdFrom")
	}

	var ids []string
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		ids, err = e.graph.Find(ctx, f)
		return err
	})
	if err != nil {
		return nil, errors.WrapStore(errors.StoreGraph, "find nodes", err)
	}
	if len(f.Metadata) > 0 && len(ids) > 0 {
		var matched []string
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			matched, err = e.docs.FindIDs(ctx, f.Metadata)
			return err
		})
		if err != nil {
			return nil, errors.WrapStore(errors.StoreDocument, "find documents", err)
		}
		ids = intersect(ids, matched)
	}
	sort.Strings(ids)

	opts := apptype.ReadOptions{Output: f.Output, ActiveAt: f.ActiveAt}
	if f.Limit == 0 {
		return e.assemble(ctx, ids, opts)
	}
	// windows are refilled until Limit survivors are found or the
	// candidates run out
	out := make([]*apptype.Entity, 0, min(f.Limit, len(ids)))
	for len(ids) > 0 && len(out) < f.Limit {
		window := ids[:min(f.Limit-len(out), len(ids))]
		ids = ids[len(window):]
		found, err := e.assemble(ctx, window, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// assemble reads ids with bounded concurrency and keeps their order,
// dropping entities that no longer exist.
func (e *Engine) assemble(ctx context.Context, ids []string, opts apptype.ReadOptions) ([]*apptype.Entity, error) {
	results := make([]*apptype.Entity, len(ids))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			ent, err := e.ReadEntity(ctx, id, opts)
			if _, partial := errors.AsPartialFailure(err); partial {
				err = nil
			}
			switch {
			case errors.IsNotFound(err):
				return nil
			case err != nil:
				return err
			}
			results[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*apptype.Entity, 0, len(results))
	for _, ent := range results {
		if ent != nil {
			out = append(out, ent)
		}
	}
	return out, nil
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, id := range b {
		in[id] = true
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if in[id] {
			out = append(out, id)
		}
	}
	return out
}

// Traverse returns the entities reachable from seed within a bounded depth.
func (e *Engine) Traverse(ctx context.Context, seed string, opts apptype.TraversalOptions) ([]apptype.TraversalHit, error) {
	var hits []apptype.TraversalHit
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		hits, err = e.graph.Traverse(ctx, seed, opts)
		return err
	})
	return hits, errors.WrapStore(errors.StoreGraph, "traverse", err)
}

// ShortestPath returns a shortest path between two entities.
func (e *Engine) ShortestPath(ctx context.Context, from, to string, direction apptype.Direction, maxDepth int) ([]string, []apptype.Relationship, error) {
	var (
		nodes []string
		rels  []apptype.Relationship
	)
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		nodes, rels, err = e.graph.Path(ctx, from, to, direction, maxDepth)
		return err
	})
	if err != nil {
		return nil, nil, errors.WrapStore(errors.StoreGraph, "shortest path", err)
	}
	return nodes, rels, nil
}

// Health pings every store concurrently and returns "ok" or the error text
// per store.
func (e *Engine) Health(ctx context.Context) map[string]string {
	pings := map[errors.Store]func(context.Context) error{
		errors.StoreDocument:   e.docs.Ping,
		errors.StoreGraph:      e.graph.Ping,
		errors.StoreRelational: e.attrs.Ping,
	}
	var mu sync.Mutex
	out := make(map[string]string, len(pings))
	var g errgroup.Group
	for store, ping := range pings {
		g.Go(func() error {
			status := "ok"
			if err := e.call(ctx, ping); err != nil {
				status = err.Error()
			}
			mu.Lock()
			out[string(store)] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
