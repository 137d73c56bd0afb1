package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

type fixture struct {
	docs  *fakeDocs
	graph *fakeGraph
	attrs *fakeAttrs
	eng   *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{docs: newFakeDocs(), graph: newFakeGraph(), attrs: newFakeAttrs()}
	f.eng = New(f.docs, f.graph, f.attrs, cfg, zaptest.NewLogger(t).Sugar())
	return f
}

func employee(id string) *apptype.Entity {
	return &apptype.Entity{
		ID:       id,
		Kind:     apptype.Kind{Major: "Person", Minor: "Employee"},
		Created:  day(2024, 1, 1),
		Name:     &apptype.TimeBasedValue{StartTime: day(2024, 1, 1), Value: id},
		Metadata: map[string]any{"department": "engineering"},
		Attributes: map[string][]apptype.TimeBasedValue{
			"salary": {{StartTime: day(2024, 1, 1), Value: 100000}},
			"grade":  {{StartTime: day(2024, 1, 1), Value: "B"}},
		},
	}
}

func TestCreateValidatesRequiredFields(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, mutate := range []func(e *apptype.Entity){
		func(e *apptype.Entity) { e.ID = "" },
		func(e *apptype.Entity) { e.Kind.Major = "" },
		func(e *apptype.Entity) { e.Created = time.Time{} },
		func(e *apptype.Entity) { at := day(2023, 1, 1); e.Terminated = &at },
		func(e *apptype.Entity) {
			e.Relationships = map[string]apptype.Relationship{"r": {RelatedEntityID: "x", Name: "bad name", StartTime: day(2024, 1, 1)}}
		},
		func(e *apptype.Entity) { e.Attributes["salary"] = []apptype.TimeBasedValue{{Value: 1}} },
	} {
		e := employee("e1")
		mutate(e)
		_, err := f.eng.CreateEntity(ctx, e)
		assert.True(t, errors.IsValidation(err), "%v", err)
	}
	assert.Empty(t, f.docs.docs, "nothing is written for invalid input")

	_, err := f.eng.CreateEntity(ctx, employee("e1"))
	require.NoError(t, err)
	_, err = f.eng.CreateEntity(ctx, employee("e1"))
	assert.True(t, errors.IsConflict(err))
}

func TestCreateContinuesPastFailedStep(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.attrs.failWrite["grade"] = errors.New("connection reset")

	got, err := f.eng.CreateEntity(ctx, employee("e1"))
	assert.Nil(t, got)
	pf, ok := errors.AsPartialFailure(err)
	require.True(t, ok, "%v", err)

	var succeeded, failed []string
	for _, o := range pf.Succeeded() {
		succeeded = append(succeeded, o.Step)
	}
	for _, o := range pf.Failed() {
		failed = append(failed, o.Step)
		assert.Equal(t, errors.StoreRelational, o.Store)
		assert.True(t, errors.IsStore(o.Err))
	}
	assert.Equal(t, []string{"metadata", "node", "attribute:salary"}, succeeded)
	assert.Equal(t, []string{"attribute:grade"}, failed)

	// committed steps stay committed
	assert.Contains(t, f.docs.docs, "e1")
	assert.Contains(t, f.graph.nodes, "e1")
	assert.Contains(t, f.attrs.values["e1"], "salary")
}

func TestCreateSkipsRelationshipsWithoutNode(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.graph.failCreate = errors.New("graph unavailable")

	e := employee("e1")
	e.Relationships = map[string]apptype.Relationship{
		"r1": {ID: "r1", RelatedEntityID: "e2", Name: "reports_to", StartTime: day(2024, 1, 1)},
	}
	_, err := f.eng.CreateEntity(ctx, e)
	pf, ok := errors.AsPartialFailure(err)
	require.True(t, ok)

	outcomes := map[string]errors.StepOutcome{}
	for _, o := range pf.Outcomes {
		outcomes[o.Step] = o
	}
	assert.True(t, outcomes["metadata"].Succeeded())
	assert.Error(t, outcomes["node"].Err)
	assert.True(t, outcomes["relationship:r1"].Skipped)
	assert.True(t, outcomes["attribute:salary"].Succeeded(), "independent steps still run")
	assert.Contains(t, err.Error(), "skipped: relationship:r1(graph)")
}

func TestReadFetchesOnlySelectedSections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.eng.CreateEntity(ctx, employee("e1"))
	require.NoError(t, err)
	f.attrs.readCalls, f.graph.relCalls, f.docs.getCalls = 0, 0, 0

	got, err := f.eng.ReadEntity(ctx, "e1", apptype.ReadOptions{Output: []apptype.Selector{apptype.SelectMetadata}})
	require.NoError(t, err)
	assert.Equal(t, "engineering", got.Metadata["department"])
	assert.Nil(t, got.Attributes)
	assert.Nil(t, got.Relationships)
	assert.Equal(t, 0, f.attrs.readCalls)
	assert.Equal(t, 0, f.graph.relCalls)
	assert.Equal(t, 1, f.docs.getCalls)

	_, err = f.eng.ReadEntity(ctx, "missing", apptype.ReadOptions{})
	assert.True(t, errors.IsNotFound(err))

	_, err = f.eng.ReadEntity(ctx, "e1", apptype.ReadOptions{Output: []apptype.Selector{"everything"}})
	assert.True(t, errors.IsValidation(err))
}

func TestReadReportsFailedSections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.eng.CreateEntity(ctx, employee("e1"))
	require.NoError(t, err)
	f.attrs.failRead = errors.New("relational store down")

	got, err := f.eng.ReadEntity(ctx, "e1", apptype.ReadOptions{})
	require.NotNil(t, got, "optional sections degrade")
	assert.Equal(t, "engineering", got.Metadata["department"])
	assert.Nil(t, got.Attributes)
	pf, ok := errors.AsPartialFailure(err)
	require.True(t, ok)
	require.Len(t, pf.Failed(), 1)
	assert.Equal(t, errors.StoreRelational, pf.Failed()[0].Store)

	got, err = f.eng.ReadEntity(ctx, "e1", apptype.ReadOptions{Required: []apptype.Selector{apptype.SelectAttributes}})
	assert.Nil(t, got)
	assert.True(t, errors.IsStore(err))
	_, partial := errors.AsPartialFailure(err)
	assert.False(t, partial)
}

func TestReadTimeoutCountsAsStoreFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{StoreTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	_, err := f.eng.CreateEntity(ctx, employee("e1"))
	require.NoError(t, err)
	f.attrs.blockRead = true

	got, err := f.eng.ReadEntity(ctx, "e1", apptype.ReadOptions{})
	require.NotNil(t, got)
	assert.Equal(t, "engineering", got.Metadata["department"], "other branches are not cancelled")
	pf, ok := errors.AsPartialFailure(err)
	require.True(t, ok)
	require.Len(t, pf.Failed(), 1)
	assert.ErrorIs(t, pf.Failed()[0].Err, context.DeadlineExceeded)
}

func TestUpdateRejectsImmutableChanges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.eng.CreateEntity(ctx, employee("e1"))
	require.NoError(t, err)

	_, err = f.eng.UpdateEntity(ctx, "e1", &apptype.Entity{Kind: apptype.Kind{Major: "Organisation"}})
	assert.True(t, errors.IsValidation(err))
	_, err = f.eng.UpdateEntity(ctx, "e1", &apptype.Entity{Kind: apptype.Kind{Major: "Person", Minor: "Contractor"}})
	assert.True(t, errors.IsValidation(err))
	_, err = f.eng.UpdateEntity(ctx, "e1", &apptype.Entity{ID: "e2"})
	assert.True(t, errors.IsValidation(err))
	_, err = f.eng.UpdateEntity(ctx, "e1", &apptype.Entity{Created: day(2020, 1, 1)})
	assert.True(t, errors.IsValidation(err))
	before := day(2023, 1, 1)
	_, err = f.eng.UpdateEntity(ctx, "e1", &apptype.Entity{Terminated: &before})
	assert.True(t, errors.IsValidation(err))
	_, err = f.eng.UpdateEntity(ctx, "nobody", &apptype.Entity{Metadata: map[string]any{"a": 1}})
	assert.True(t, errors.IsNotFound(err))

	// same kind and created are accepted
	got, err := f.eng.UpdateEntity(ctx, "e1", &apptype.Entity{
		Kind:     apptype.Kind{Major: "Person", Minor: "Employee"},
		Created:  day(2024, 1, 1),
		Metadata: map[string]any{"level": "senior"},
	})
	require.NoError(t, err)
	assert.Equal(t, "engineering", got.Metadata["department"])
	assert.Equal(t, "senior", got.Metadata["level"])
}

func TestUpdateReportsMissingRelationshipTarget(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.eng.CreateEntity(ctx, employee("e1"))
	require.NoError(t, err)

	_, err = f.eng.UpdateEntity(ctx, "e1", &apptype.Entity{
		Relationships: map[string]apptype.Relationship{
			"r1": {RelatedEntityID: "e9", Name: "reports_to", StartTime: day(2024, 2, 1)},
		},
	})
	assert.True(t, errors.IsNotFound(err))
	_, ok := errors.AsPartialFailure(err)
	assert.True(t, ok)
}

func TestDeleteAttemptsEveryStore(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.eng.CreateEntity(ctx, employee("e1"))
	require.NoError(t, err)
	f.attrs.failDel = errors.New("relational store down")

	err = f.eng.DeleteEntity(ctx, "e1")
	pf, ok := errors.AsPartialFailure(err)
	require.True(t, ok)
	assert.Len(t, pf.Succeeded(), 2)
	assert.NotContains(t, f.docs.docs, "e1")
	assert.NotContains(t, f.graph.nodes, "e1")

	assert.True(t, errors.IsNotFound(f.eng.DeleteEntity(ctx, "e1")))
}

func TestQueryIntersectsStores(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{QueryConcurrency: 2})
	ctx := context.Background()
	for _, id := range []string{"e3", "e1", "e2"} {
		_, err := f.eng.CreateEntity(ctx, employee(id))
		require.NoError(t, err)
	}
	require.NoError(t, f.docs.Merge(ctx, "e2", map[string]any{"department": "sales"}))
	org := &apptype.Entity{ID: "o1", Kind: apptype.Kind{Major: "Organisation"}, Created: day(2024, 1, 1), Metadata: map[string]any{"department": "engineering"}}
	_, err := f.eng.CreateEntity(ctx, org)
	require.NoError(t, err)

	got, err := f.eng.QueryEntity(ctx, apptype.QueryFilter{
		Kind:     &apptype.Kind{Major: "Person"},
		Metadata: map[string]any{"department": "engineering"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e3", got[1].ID)

	got, err = f.eng.QueryEntity(ctx, apptype.QueryFilter{Limit: 1, Output: []apptype.Selector{apptype.SelectMetadata}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
	assert.Nil(t, got[0].Attributes)

	_, err = f.eng.QueryEntity(ctx, apptype.QueryFilter{Limit: -1})
	assert.True(t, errors.IsValidation(err))
}

func TestQueryLimitCountsSurvivors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{QueryConcurrency: 2})
	ctx := context.Background()
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		_, err := f.eng.CreateEntity(ctx, employee(id))
		require.NoError(t, err)
	}
	f.graph.mu.Lock()
	f.graph.vanished = map[string]bool{"e1": true, "e3": true}
	f.graph.mu.Unlock()

	got, err := f.eng.QueryEntity(ctx, apptype.QueryFilter{Limit: 2, Output: []apptype.Selector{apptype.SelectMetadata}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e4", got[1].ID)

	got, err = f.eng.QueryEntity(ctx, apptype.QueryFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestHealth(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{})
	assert.Equal(t, map[string]string{"document": "ok", "graph": "ok", "relational": "ok"}, f.eng.Health(context.Background()))
}
