package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/attributes"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/graph"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
)

// relationships returns the relationships of e ordered by id. A
// relationship without an id takes its map key.
func relationships(e *apptype.Entity) ([]apptype.Relationship, error) {
	out := make([]apptype.Relationship, 0, len(e.Relationships))
	seen := make(map[string]bool, len(e.Relationships))
	for _, key := range sortedKeys(e.Relationships) {
		r := e.Relationships[key]
		if r.ID == "" {
			r.ID = key
		}
		if seen[r.ID] {
			return nil, errors.NewValidationError("relationship id %q appears twice", r.ID)
		}
		seen[r.ID] = true
		if r.Direction == apptype.DirectionIncoming {
			return nil, errors.NewValidationError("relationship %q: relationships are written from their source entity", r.ID)
		}
		if err := graph.ValidateRelationship(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func validateMutable(e *apptype.Entity) ([]apptype.Relationship, error) {
	if err := graph.ValidateName(e.Name); err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(e.Attributes) {
		if err := attributes.Validate(name, e.Attributes[name]); err != nil {
			return nil, err
		}
	}
	return relationships(e)
}

// CreateEntity stores a new entity. It fails with a ConflictError if the id
// exists and with a ValidationError if id, kind.major or created is missing.
// On acceptance the steps run in order (metadata, node, relationships,
// attributes); if any fails the result is a PartialFailureError and nothing
// is rolled back. On success the entity is read back from the stores.
func (e *Engine) CreateEntity(ctx context.Context, ent *apptype.Entity) (*apptype.Entity, error) {
	if ent == nil {
		return nil, errors.NewValidationError("entity is required")
	}
	if strings.TrimSpace(ent.ID) == "" {
		return nil, errors.NewValidationError("entity id is required")
	}
	if strings.TrimSpace(ent.Kind.Major) == "" {
		return nil, errors.NewValidationError("entity %q: kind.major is required", ent.ID)
	}
	if ent.Created.IsZero() {
		return nil, errors.NewValidationError("entity %q: created is required", ent.ID)
	}
	if ent.Terminated != nil && ent.Terminated.Before(ent.Created) {
		return nil, errors.NewValidationError("entity %q: terminated is before created", ent.ID)
	}
	rels, err := validateMutable(ent)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		exists, err = e.graph.Exists(ctx, ent.ID)
		return err
	})
	if err != nil {
		return nil, errors.WrapStore(errors.StoreGraph, "exists", err)
	}
	if exists {
		return nil, errors.NewConflictError("entity %q already exists", ent.ID)
	}

	s := e.newSteps("create", ent.ID)
	s.run(ctx, StepMetadata, errors.StoreDocument, func(ctx context.Context) error {
		return e.docs.Put(ctx, ent.ID, ent.Metadata)
	})
	nodeOK := s.run(ctx, StepNode, errors.StoreGraph, func(ctx context.Context) error {
		return e.graph.CreateNode(ctx, ent)
	})
	e.writeRelationships(ctx, s, ent.ID, rels, nodeOK)
	e.writeAttributes(ctx, s, ent.ID, ent.Kind, ent.Attributes)
	if err := s.err(); err != nil {
		return nil, err
	}
	e.log.Infow("created entity", logger.FieldEntityID, ent.ID, "kind", ent.Kind.String())
	return e.ReadEntity(ctx, ent.ID, apptype.ReadOptions{Output: apptype.AllSelectors, Required: apptype.AllSelectors})
}

// writeRelationships adds one step per relationship. Without a node the
// edges have no source, so the steps are skipped.
func (e *Engine) writeRelationships(ctx context.Context, s *steps, id string, rels []apptype.Relationship, nodeOK bool) {
	for _, r := range rels {
		step := StepRelationship + r.ID
		if !nodeOK {
			s.skip(step, errors.StoreGraph)
			continue
		}
		s.run(ctx, step, errors.StoreGraph, func(ctx context.Context) error {
			return e.graph.PutRelationship(ctx, id, r)
		})
	}
}

func (e *Engine) writeAttributes(ctx context.Context, s *steps, id string, kind apptype.Kind, attrs map[string][]apptype.TimeBasedValue) {
	for _, name := range sortedKeys(attrs) {
		values := attrs[name]
		s.run(ctx, StepAttribute+name, errors.StoreRelational, func(ctx context.Context) error {
			return e.attrs.WriteValues(ctx, id, kind, name, values)
		})
	}
}

// UpdateEntity applies a partial entity. id, kind and created are
// immutable; supplying a different value is a ValidationError. Provided
// metadata keys are merged; name, attribute and relationship changes append
// new temporal versions; terminated may be set once.
func (e *Engine) UpdateEntity(ctx context.Context, id string, patch *apptype.Entity) (*apptype.Entity, error) {
	if patch == nil {
		return nil, errors.NewValidationError("update of entity %q is empty", id)
	}
	if patch.ID != "" && patch.ID != id {
		return nil, errors.NewValidationError("entity id is immutable: %q cannot become %q", id, patch.ID)
	}

	var current *apptype.Entity
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		current, err = e.graph.GetNode(ctx, id, nil)
		return err
	})
	if err != nil {
		return nil, errors.WrapStore(errors.StoreGraph, "get node", err)
	}

	if patch.Kind.Major != "" && patch.Kind.Major != current.Kind.Major {
		return nil, errors.NewValidationError("entity %q: kind.major is immutable (%q)", id, current.Kind.Major)
	}
	if patch.Kind.Minor != "" && patch.Kind.Minor != current.Kind.Minor {
		return nil, errors.NewValidationError("entity %q: kind.minor is immutable (%q)", id, current.Kind.Minor)
	}
	if !patch.Created.IsZero() && !patch.Created.UTC().Truncate(time.Microsecond).Equal(current.Created) {
		return nil, errors.NewValidationError("entity %q: created is immutable", id)
	}
	if patch.Terminated != nil {
		at := patch.Terminated.UTC().Truncate(time.Microsecond)
		if current.Terminated != nil && !current.Terminated.Equal(at) {
			return nil, errors.NewValidationError("entity %q is already terminated", id)
		}
		if at.Before(current.Created) {
			return nil, errors.NewValidationError("entity %q: terminated is before created", id)
		}
	}
	rels, err := validateMutable(patch)
	if err != nil {
		return nil, err
	}

	s := e.newSteps("update", id)
	if patch.Metadata != nil {
		s.run(ctx, StepMetadata, errors.StoreDocument, func(ctx context.Context) error {
			return e.docs.Merge(ctx, id, patch.Metadata)
		})
	}
	if patch.Name != nil {
		s.run(ctx, StepName, errors.StoreGraph, func(ctx context.Context) error {
			return e.graph.UpdateName(ctx, id, *patch.Name)
		})
	}
	if patch.Terminated != nil {
		s.run(ctx, StepTerminated, errors.StoreGraph, func(ctx context.Context) error {
			return e.graph.Terminate(ctx, id, *patch.Terminated)
		})
	}
	e.writeRelationships(ctx, s, id, rels, true)
	e.writeAttributes(ctx, s, id, current.Kind, patch.Attributes)
	if err := s.err(); err != nil {
		return nil, err
	}
	return e.ReadEntity(ctx, id, apptype.ReadOptions{Output: apptype.AllSelectors, Required: apptype.AllSelectors})
}

// DeleteEntity removes an entity from every store. Every store is attempted
// even if an earlier one fails; the graph node goes last so a failed delete
// can be retried. A missing metadata document counts as deleted.
func (e *Engine) DeleteEntity(ctx context.Context, id string) error {
	var exists bool
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		exists, err = e.graph.Exists(ctx, id)
		return err
	})
	if err != nil {
		return errors.WrapStore(errors.StoreGraph, "exists", err)
	}
	if !exists {
		return errors.NewNotFoundError("entity %q not found", id)
	}

	s := e.newSteps("delete", id)
	s.run(ctx, StepMetadata, errors.StoreDocument, func(ctx context.Context) error {
		if err := e.docs.Delete(ctx, id); err != nil && !errors.IsNotFound(err) {
			return err
		}
		return nil
	})
	s.run(ctx, StepAttributes, errors.StoreRelational, func(ctx context.Context) error {
		return e.attrs.DeleteEntity(ctx, id)
	})
	s.run(ctx, StepNode, errors.StoreGraph, func(ctx context.Context) error {
		return e.graph.DeleteNode(ctx, id)
	})
	if err := s.err(); err != nil {
		return err
	}
	e.log.Infow("deleted entity", logger.FieldEntityID, id)
	return nil
}
