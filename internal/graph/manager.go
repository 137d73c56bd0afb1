// Package graph manages entity nodes and relationships in the graph store.
// Relationships are stored once, directed from their owner; whether a
// relationship is incoming or outgoing is derived from the side of the edge
// an entity occupies.
package graph

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/graphstore"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
)

// CloseGap is subtracted from a new name's start to close the name it
// supersedes.
const CloseGap = time.Microsecond

// DefaultMaxDepth bounds traversals when no limit is configured.
const DefaultMaxDepth = 5

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateRelationshipName rejects names that are not plain identifiers.
// The name becomes the edge type, so anything resembling query syntax is
// refused outright.
func ValidateRelationshipName(name string) error {
	if !identPattern.MatchString(name) {
		return errors.NewValidationError("relationship name %q must match %s", name, identPattern.String())
	}
	return nil
}

// Manager owns the node and relationship lifecycle.
type Manager struct {
	store    *graphstore.Store
	log      *zap.SugaredLogger
	maxDepth int
}

func NewManager(store *graphstore.Store, maxDepth int, log *zap.SugaredLogger) *Manager {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Manager{store: store, log: logger.Or(log), maxDepth: maxDepth}
}

func wrap(op string, err error) error {
	return errors.WrapStore(errors.StoreGraph, op, err)
}

func truncate(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func nameString(v *apptype.TimeBasedValue) (string, error) {
	if v.Value == nil {
		return "", nil
	}
	s, ok := v.Value.(string)
	if !ok {
		return "", errors.NewValidationError("entity name must be a string, got %T", v.Value)
	}
	return s, nil
}

// ValidateName checks a name version without touching the store.
func ValidateName(v *apptype.TimeBasedValue) error {
	if v == nil {
		return nil
	}
	if v.StartTime.IsZero() {
		return errors.NewValidationError("entity name requires a startTime")
	}
	if v.EndTime != nil && v.EndTime.Before(v.StartTime) {
		return errors.NewValidationError("entity name endTime is before startTime")
	}
	_, err := nameString(v)
	return err
}

// ValidateRelationship checks a relationship without touching the store.
func ValidateRelationship(r apptype.Relationship) error {
	if r.ID == "" {
		return errors.NewValidationError("relationship id is required")
	}
	if r.RelatedEntityID == "" {
		return errors.NewValidationError("relationship %q has no relatedEntityId", r.ID)
	}
	if err := ValidateRelationshipName(r.Name); err != nil {
		return errors.Wrapf(err, "relationship %q", r.ID)
	}
	if r.StartTime.IsZero() {
		return errors.NewValidationError("relationship %q requires a startTime", r.ID)
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		return errors.NewValidationError("relationship %q endTime is before startTime", r.ID)
	}
	return nil
}

// Exists reports whether an entity node is stored.
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.Exists(ctx, id)
	return ok, wrap("exists", err)
}

// CreateNode stores the node of e with its initial name.
func (m *Manager) CreateNode(ctx context.Context, e *apptype.Entity) error {
	if err := ValidateName(e.Name); err != nil {
		return err
	}
	n := graphstore.Node{
		ID:      e.ID,
		Kind:    e.Kind,
		Created: truncate(e.Created),
	}
	if e.Terminated != nil {
		t := truncate(*e.Terminated)
		n.Terminated = &t
	}
	var name *graphstore.NameVersion
	if e.Name != nil {
		value, _ := nameString(e.Name)
		name = &graphstore.NameVersion{Value: value, Start: truncate(e.Name.StartTime)}
		if e.Name.EndTime != nil {
			end := truncate(*e.Name.EndTime)
			name.End = &end
		}
	}
	if err := m.store.CreateNode(ctx, n, name); err != nil {
		return wrap("create node", err)
	}
	m.log.Debugw("created node", logger.FieldEntityID, e.ID, "kind", e.Kind.String())
	return nil
}

// GetNode returns the basic fields of an entity: id, kind, created,
// terminated and the name. With activeAt set the name active at that
// instant is returned; otherwise the latest one.
func (m *Manager) GetNode(ctx context.Context, id string, activeAt *time.Time) (*apptype.Entity, error) {
	n, err := m.store.GetNode(ctx, id)
	if err != nil {
		return nil, wrap("get node", err)
	}
	e := &apptype.Entity{ID: n.ID, Kind: n.Kind, Created: n.Created, Terminated: n.Terminated}

	var at *time.Time
	if activeAt != nil {
		t := truncate(*activeAt)
		at = &t
	}
	names, err := m.store.ListNames(ctx, id, at)
	if err != nil {
		return nil, wrap("list names", err)
	}
	if len(names) > 0 {
		latest := names[len(names)-1]
		e.Name = &apptype.TimeBasedValue{StartTime: latest.Start, EndTime: latest.End, Value: latest.Value}
	}
	return e, nil
}

// UpdateName appends a name version. A version starting after the current
// open one closes it; a re-sent identical version is a no-op; any other
// overlap is a ValidationError.
func (m *Manager) UpdateName(ctx context.Context, id string, v apptype.TimeBasedValue) error {
	if err := ValidateName(&v); err != nil {
		return err
	}
	value, _ := nameString(&v)
	next := graphstore.NameVersion{Value: value, Start: truncate(v.StartTime)}
	if v.EndTime != nil {
		end := truncate(*v.EndTime)
		next.End = &end
	}

	history, err := m.store.ListNames(ctx, id, nil)
	if err != nil {
		return wrap("list names", err)
	}
	var toClose *time.Time
	for _, h := range history {
		if h.Start.Equal(next.Start) && h.Value == next.Value && (next.End == nil || equalEnd(h.End, next.End)) {
			return nil
		}
		if h.End == nil && h.Start.Before(next.Start) {
			start := h.Start
			toClose = &start
			continue
		}
		if overlaps(h.Start, h.End, next.Start, next.End) {
			return errors.NewValidationError("name starting %s overlaps stored name starting %s",
				next.Start.Format(time.RFC3339Nano), h.Start.Format(time.RFC3339Nano))
		}
	}
	if err := m.store.PutName(ctx, id, next, toClose, next.Start.Add(-CloseGap)); err != nil {
		return wrap("put name", err)
	}
	return nil
}

func overlaps(aStart time.Time, aEnd *time.Time, bStart time.Time, bEnd *time.Time) bool {
	if aEnd != nil && aEnd.Before(bStart) {
		return false
	}
	if bEnd != nil && bEnd.Before(aStart) {
		return false
	}
	return true
}

func equalEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Terminate sets the termination time of an entity once. Setting the same
// instant again is a no-op; moving it or setting it before created is a
// ValidationError.
func (m *Manager) Terminate(ctx context.Context, id string, at time.Time) error {
	at = truncate(at)
	n, err := m.store.GetNode(ctx, id)
	if err != nil {
		return wrap("get node", err)
	}
	if n.Terminated != nil {
		if n.Terminated.Equal(at) {
			return nil
		}
		return errors.NewValidationError("entity %q is already terminated at %s", id, n.Terminated.Format(time.RFC3339Nano))
	}
	if at.Before(n.Created) {
		return errors.NewValidationError("entity %q cannot be terminated before it was created", id)
	}
	return wrap("set terminated", m.store.SetTerminated(ctx, id, at))
}

// PutRelationship stores a relationship owned by ownerID. Re-sending a
// stored relationship is a no-op and supplying an endTime for an open one
// terminates it; any other change to a stored relationship is a
// ConflictError. The related entity must exist.
func (m *Manager) PutRelationship(ctx context.Context, ownerID string, r apptype.Relationship) error {
	if err := ValidateRelationship(r); err != nil {
		return err
	}
	start := truncate(r.StartTime)
	var end *time.Time
	if r.EndTime != nil {
		t := truncate(*r.EndTime)
		end = &t
	}

	existing, err := m.store.GetEdge(ctx, r.ID)
	switch {
	case err == nil:
		same := existing.Source == ownerID && existing.Target == r.RelatedEntityID &&
			existing.Type == r.Name && existing.CreatedAt.Equal(start)
		if !same {
			return errors.NewConflictError("relationship %q already exists with different endpoints, name or startTime", r.ID)
		}
		switch {
		case end == nil || equalEnd(existing.TerminatedAt, end):
			return nil
		case existing.TerminatedAt == nil:
			if err := m.store.TerminateEdge(ctx, r.ID, *end); err != nil {
				return wrap("terminate edge", err)
			}
			m.log.Debugw("terminated relationship", logger.FieldEntityID, ownerID, logger.FieldRelationshipID, r.ID)
			return nil
		default:
			return errors.NewConflictError("relationship %q is already terminated", r.ID)
		}
	case !errors.IsNotFound(err):
		return wrap("get edge", err)
	}

	err = m.store.CreateEdge(ctx, graphstore.Edge{
		ID:           r.ID,
		Source:       ownerID,
		Target:       r.RelatedEntityID,
		Type:         r.Name,
		CreatedAt:    start,
		TerminatedAt: end,
	})
	if err != nil {
		return wrap("create edge", err)
	}
	m.log.Debugw("created relationship", logger.FieldEntityID, ownerID, logger.FieldRelationshipID, r.ID, "name", r.Name)
	return nil
}

// Relationships returns the relationships touching id keyed by relationship
// id, with Direction derived relative to id.
func (m *Manager) Relationships(ctx context.Context, id string, f apptype.RelationshipFilter) (map[string]apptype.Relationship, error) {
	if f.Name != "" {
		if err := ValidateRelationshipName(f.Name); err != nil {
			return nil, err
		}
	}
	var at *time.Time
	if f.ActiveAt != nil {
		t := truncate(*f.ActiveAt)
		at = &t
	}
	edges, err := m.store.ListEdges(ctx, graphstore.EdgeFilter{
		NodeID:    id,
		Direction: f.Direction,
		Type:      f.Name,
		RelatedID: f.RelatedEntityID,
		ActiveAt:  at,
	})
	if err != nil {
		return nil, wrap("list edges", err)
	}
	out := make(map[string]apptype.Relationship, len(edges))
	for _, e := range edges {
		out[e.ID] = relationshipFrom(id, e)
	}
	return out, nil
}

func relationshipFrom(id string, e graphstore.Edge) apptype.Relationship {
	r := apptype.Relationship{
		ID:        e.ID,
		Name:      e.Type,
		StartTime: e.CreatedAt,
		EndTime:   e.TerminatedAt,
	}
	if e.Source == id {
		r.Direction = apptype.DirectionOutgoing
		r.RelatedEntityID = e.Target
	} else {
		r.Direction = apptype.DirectionIncoming
		r.RelatedEntityID = e.Source
	}
	return r
}

// Find returns the ids of nodes matching the graph-side predicates of f.
func (m *Manager) Find(ctx context.Context, f apptype.QueryFilter) ([]string, error) {
	ids, err := m.store.FindNodes(ctx, graphstore.NodeFilter{
		Kind:        f.Kind,
		IDs:         f.IDs,
		CreatedFrom: f.CreatedFrom,
		CreatedTo:   f.CreatedTo,
		ActiveAt:    f.ActiveAt,
		Name:        f.Name,
	})
	return ids, wrap("find nodes", err)
}

func (m *Manager) depth(requested int) (int, error) {
	if requested == 0 {
		return 1, nil
	}
	if requested < 0 || requested > m.maxDepth {
		return 0, errors.NewValidationError("traversal depth must be between 1 and %d, got %d", m.maxDepth, requested)
	}
	return requested, nil
}

// Traverse returns the entities reachable from seed within the bounded
// depth.
func (m *Manager) Traverse(ctx context.Context, seed string, opts apptype.TraversalOptions) ([]apptype.TraversalHit, error) {
	depth, err := m.depth(opts.MaxDepth)
	if err != nil {
		return nil, err
	}
	if opts.RelationshipName != "" {
		if err := ValidateRelationshipName(opts.RelationshipName); err != nil {
			return nil, err
		}
	}
	ok, err := m.store.Exists(ctx, seed)
	if err != nil {
		return nil, wrap("exists", err)
	}
	if !ok {
		return nil, errors.NewNotFoundError("entity %q not found", seed)
	}
	hits, err := m.store.Traverse(ctx, seed, depth, opts.Direction, opts.RelationshipName, opts.Kind)
	return hits, wrap("traverse", err)
}

// Path returns a shortest path between two entities as node ids and the
// relationships along it, each oriented relative to the node it leaves
// from.
func (m *Manager) Path(ctx context.Context, from, to string, direction apptype.Direction, maxDepth int) ([]string, []apptype.Relationship, error) {
	if maxDepth == 0 {
		maxDepth = m.maxDepth
	}
	depth, err := m.depth(maxDepth)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range []string{from, to} {
		ok, err := m.store.Exists(ctx, id)
		if err != nil {
			return nil, nil, wrap("exists", err)
		}
		if !ok {
			return nil, nil, errors.NewNotFoundError("entity %q not found", id)
		}
	}
	nodes, edges, err := m.store.ShortestPath(ctx, from, to, direction, depth)
	if err != nil {
		return nil, nil, wrap("shortest path", err)
	}
	rels := make([]apptype.Relationship, len(edges))
	for i, e := range edges {
		rels[i] = relationshipFrom(nodes[i], e)
	}
	return nodes, rels, nil
}

// DeleteNode removes an entity node and every edge touching it.
func (m *Manager) DeleteNode(ctx context.Context, id string) error {
	return wrap("delete node", m.store.DeleteNode(ctx, id))
}

func (m *Manager) Ping(ctx context.Context) error {
	return wrap("ping", m.store.Ping(ctx))
}
