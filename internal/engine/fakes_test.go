package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

type fakeDocs struct {
	mu       sync.Mutex
	docs     map[string]map[string]any
	failPut  error
	failGet  error
	failDel  error
	getCalls int
}

func newFakeDocs() *fakeDocs { return &fakeDocs{docs: map[string]map[string]any{}} }

func (f *fakeDocs) Put(_ context.Context, id string, doc map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return f.failPut
	}
	cp := map[string]any{}
	for k, v := range doc {
		cp[k] = v
	}
	f.docs[id] = cp
	return nil
}

func (f *fakeDocs) Merge(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return f.failPut
	}
	if f.docs[id] == nil {
		f.docs[id] = map[string]any{}
	}
	for k, v := range fields {
		f.docs[id][k] = v
	}
	return nil
}

func (f *fakeDocs) Get(_ context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.failGet != nil {
		return nil, f.failGet
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, errors.NewNotFoundError("document %q not found", id)
	}
	return doc, nil
}

func (f *fakeDocs) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDel != nil {
		return f.failDel
	}
	if _, ok := f.docs[id]; !ok {
		return errors.NewNotFoundError("document %q not found", id)
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeDocs) FindIDs(_ context.Context, match map[string]any) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, doc := range f.docs {
		ok := true
		for k, v := range match {
			if doc[k] != v {
				ok = false
			}
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeDocs) Ping(context.Context) error { return nil }

type fakeGraph struct {
	mu         sync.Mutex
	nodes      map[string]*apptype.Entity
	rels       map[string]map[string]apptype.Relationship
	failCreate error
	failRels   error
	failDelete error
	relCalls   int
	// vanished ids are still found but no longer readable
	vanished map[string]bool
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: map[string]*apptype.Entity{}, rels: map[string]map[string]apptype.Relationship{}}
}

func (f *fakeGraph) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[id]
	return ok, nil
}

func (f *fakeGraph) CreateNode(_ context.Context, e *apptype.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	f.nodes[e.ID] = &apptype.Entity{ID: e.ID, Kind: e.Kind, Created: e.Created, Terminated: e.Terminated, Name: e.Name}
	return nil
}

func (f *fakeGraph) GetNode(_ context.Context, id string, _ *time.Time) (*apptype.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok || f.vanished[id] {
		return nil, errors.NewNotFoundError("entity %q not found", id)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeGraph) UpdateName(_ context.Context, id string, v apptype.TimeBasedValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id].Name = &v
	return nil
}

func (f *fakeGraph) Terminate(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id].Terminated = &at
	return nil
}

func (f *fakeGraph) PutRelationship(_ context.Context, ownerID string, r apptype.Relationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[r.RelatedEntityID]; !ok {
		return errors.NewNotFoundError("entity %q not found", r.RelatedEntityID)
	}
	if f.rels[ownerID] == nil {
		f.rels[ownerID] = map[string]apptype.Relationship{}
	}
	r.Direction = apptype.DirectionOutgoing
	f.rels[ownerID][r.ID] = r
	return nil
}

func (f *fakeGraph) Relationships(_ context.Context, id string, _ apptype.RelationshipFilter) (map[string]apptype.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relCalls++
	if f.failRels != nil {
		return nil, f.failRels
	}
	out := map[string]apptype.Relationship{}
	for k, v := range f.rels[id] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeGraph) Find(_ context.Context, q apptype.QueryFilter) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, n := range f.nodes {
		if q.Kind != nil && q.Kind.Major != "" && n.Kind.Major != q.Kind.Major {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeGraph) Traverse(context.Context, string, apptype.TraversalOptions) ([]apptype.TraversalHit, error) {
	return nil, nil
}

func (f *fakeGraph) Path(context.Context, string, string, apptype.Direction, int) ([]string, []apptype.Relationship, error) {
	return nil, nil, nil
}

func (f *fakeGraph) DeleteNode(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	delete(f.nodes, id)
	delete(f.rels, id)
	return nil
}

func (f *fakeGraph) Ping(context.Context) error { return nil }

type fakeAttrs struct {
	mu        sync.Mutex
	values    map[string]map[string][]apptype.TimeBasedValue
	failWrite map[string]error
	failRead  error
	failDel   error
	// blockRead makes Read wait for its context to end.
	blockRead bool
	readCalls int
}

func newFakeAttrs() *fakeAttrs {
	return &fakeAttrs{values: map[string]map[string][]apptype.TimeBasedValue{}, failWrite: map[string]error{}}
}

func (f *fakeAttrs) WriteValues(_ context.Context, id string, _ apptype.Kind, name string, values []apptype.TimeBasedValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWrite[name]; err != nil {
		return err
	}
	if f.values[id] == nil {
		f.values[id] = map[string][]apptype.TimeBasedValue{}
	}
	f.values[id][name] = append(f.values[id][name], values...)
	return nil
}

func (f *fakeAttrs) Read(ctx context.Context, id string, _ apptype.Kind, _ *time.Time, _ []string) (map[string][]apptype.TimeBasedValue, error) {
	f.mu.Lock()
	f.readCalls++
	block, fail := f.blockRead, f.failRead
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail != nil {
		return nil, fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]apptype.TimeBasedValue{}
	for k, v := range f.values[id] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAttrs) DeleteEntity(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDel != nil {
		return f.failDel
	}
	delete(f.values, id)
	return nil
}

func (f *fakeAttrs) Ping(context.Context) error { return nil }
