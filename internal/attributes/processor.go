// Package attributes writes and reads time-versioned entity attributes. It
// combines type and storage inference, keeps the attribute schema registry
// consistent and drives the relational store's dynamic tables.
package attributes

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/inference"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/relational"
)

// CloseGap is subtracted from a new version's start to close the version it
// supersedes.
const CloseGap = time.Microsecond

// Processor is the attribute processor.
type Processor struct {
	store relational.Store
	log   *zap.SugaredLogger
	newID func() string
}

func NewProcessor(store relational.Store, log *zap.SugaredLogger) *Processor {
	return &Processor{
		store: store,
		log:   logger.Or(log),
		newID: func() string { return uuid.NewString() },
	}
}

func wrap(op string, err error) error {
	return errors.WrapStore(errors.StoreRelational, op, err)
}

func truncate(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

// Validate checks a batch of versions for one attribute without touching the
// store: every value must classify, intervals must be well formed, and the
// batch may not overlap itself.
func Validate(name string, values []apptype.TimeBasedValue) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewValidationError("attribute name is required")
	}
	sorted := sortedCopy(values)
	for i, v := range sorted {
		if v.StartTime.IsZero() {
			return errors.NewValidationError("attribute %q: version %d has no startTime", name, i)
		}
		if v.EndTime != nil && v.EndTime.Before(v.StartTime) {
			return errors.NewValidationError("attribute %q: endTime %s is before startTime %s",
				name, v.EndTime.Format(time.RFC3339), v.StartTime.Format(time.RFC3339))
		}
		if _, err := inference.Analyze(v.Value); err != nil {
			return errors.Wrapf(err, "attribute %q", name)
		}
		if i > 0 {
			prev := sorted[i-1]
			// an open predecessor is closed by its successor when written
			if prev.EndTime != nil && !prev.EndTime.Before(v.StartTime) {
				return errors.NewValidationError("attribute %q: versions starting %s and %s overlap",
					name, prev.StartTime.Format(time.RFC3339), v.StartTime.Format(time.RFC3339))
			}
			if prev.StartTime.Equal(v.StartTime) && !sameVersion(prev, v) {
				return errors.NewValidationError("attribute %q: two versions start at %s",
					name, v.StartTime.Format(time.RFC3339))
			}
		}
	}
	return nil
}

// sameVersion reports whether two caller-supplied versions are identical.
func sameVersion(a, b apptype.TimeBasedValue) bool {
	if !a.StartTime.Equal(b.StartTime) || !equalEnd(a.EndTime, b.EndTime) {
		return false
	}
	av, err := inference.Normalize(a.Value)
	if err != nil {
		return false
	}
	bv, err := inference.Normalize(b.Value)
	if err != nil {
		return false
	}
	return ValuesEqual(av, bv)
}

func sortedCopy(values []apptype.TimeBasedValue) []apptype.TimeBasedValue {
	out := append([]apptype.TimeBasedValue(nil), values...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// WriteValues writes the versions of one attribute in start-time order and
// stops at the first failure.
func (p *Processor) WriteValues(ctx context.Context, entityID string, kind apptype.Kind, name string, values []apptype.TimeBasedValue) error {
	for _, v := range sortedCopy(values) {
		if err := p.Write(ctx, entityID, kind, name, v); err != nil {
			return err
		}
	}
	return nil
}

// Write stores one version of an attribute. Inference and schema failures
// abort the write before anything is inserted. A version identical to a
// stored one is a no-op; a version starting after the current open version
// closes it; any other overlap is rejected.
func (p *Processor) Write(ctx context.Context, entityID string, kind apptype.Kind, name string, v apptype.TimeBasedValue) error {
	if err := Validate(name, []apptype.TimeBasedValue{v}); err != nil {
		return err
	}
	c, err := inference.Analyze(v.Value)
	if err != nil {
		return errors.Wrapf(err, "attribute %q", name)
	}
	schema, err := p.resolveSchema(ctx, kind, name, c)
	if err != nil {
		return err
	}
	if err := p.store.EnsureTable(ctx, *schema); err != nil {
		return wrap("ensure table", err)
	}
	if err := p.store.LinkAttribute(ctx, entityID, name, schema.TableName); err != nil {
		return wrap("link attribute", err)
	}

	version := relational.Version{
		VersionID: p.newID(),
		EntityID:  entityID,
		Start:     truncate(v.StartTime),
	}
	if v.EndTime != nil {
		end := truncate(*v.EndTime)
		version.End = &end
	}
	if err := fill(&version, *schema, c); err != nil {
		return err
	}

	existing, err := p.store.ListVersions(ctx, *schema, entityID, nil)
	if err != nil {
		return wrap("list versions", err)
	}
	toClose, identical, err := placeVersion(name, existing, version)
	if err != nil {
		return err
	}
	if identical {
		p.log.Debugw("attribute version already stored", logger.FieldEntityID, entityID, logger.FieldAttribute, name)
		return nil
	}
	if toClose != nil {
		closeAt := version.Start.Add(-CloseGap)
		if err := p.store.CloseVersion(ctx, *schema, entityID, toClose.VersionID, closeAt); err != nil {
			return wrap("close version", err)
		}
	}
	if err := p.store.InsertVersion(ctx, *schema, version); err != nil {
		return wrap("insert version", err)
	}
	return nil
}

// placeVersion decides how v fits into the stored history: it returns the
// open version v supersedes, whether v is already stored, or a
// ValidationError for an overlap.
func placeVersion(name string, existing []relational.Version, v relational.Version) (*relational.Version, bool, error) {
	var toClose *relational.Version
	for i := range existing {
		e := existing[i]
		// a stored version that was closed by a later write still matches
		// a re-send of its original open form
		if e.Start.Equal(v.Start) && (v.End == nil || equalEnd(e.End, v.End)) && equalValue(e, v) {
			return nil, true, nil
		}
		if e.End == nil && e.Start.Before(v.Start) {
			toClose = &existing[i]
			continue
		}
		if overlaps(e.Start, e.End, v.Start, v.End) {
			return nil, false, errors.NewValidationError("attribute %q: version starting %s overlaps stored version starting %s",
				name, v.Start.Format(time.RFC3339Nano), e.Start.Format(time.RFC3339Nano))
		}
	}
	return toClose, false, nil
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

func equalValue(a, b relational.Version) bool {
	if a.Rows != nil || b.Rows != nil {
		if len(a.Rows) != len(b.Rows) {
			return false
		}
		for i := range a.Rows {
			if !ValuesEqual(a.Rows[i], b.Rows[i]) {
				return false
			}
		}
		return true
	}
	return ValuesEqual(a.Value, b.Value)
}

// ValuesEqual compares normalised values; numbers compare by magnitude.
func ValuesEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case json.Number:
		y, ok := b.(json.Number)
		if !ok {
			return false
		}
		if x == y {
			return true
		}
		fx, errx := x.Float64()
		fy, erry := y.Float64()
		return errx == nil && erry == nil && fx == fy
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !ValuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !ValuesEqual(xv, yv) {
				return false
			}
		}
		return true
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

// fill copies the classified value into the physical version layout.
func fill(v *relational.Version, schema apptype.AttributeSchema, c inference.Classification) error {
	if schema.StorageType != apptype.StorageTabular {
		v.Value = c.Value
		return nil
	}
	// map declared columns onto the schema's column order
	index := make(map[string]int, len(schema.Columns))
	for i, col := range schema.Columns {
		index[col.Name] = i
	}
	v.Rows = make([][]any, len(c.Rows))
	for r, row := range c.Rows {
		out := make([]any, len(schema.Columns))
		for j, col := range c.Columns {
			i, ok := index[col.Name]
			if !ok {
				return errors.NewValidationError("column %q is not registered", col.Name)
			}
			out[i] = row[j]
		}
		v.Rows[r] = out
	}
	return nil
}

// Read returns the attribute history of an entity. With activeAt set only
// versions active at that instant are returned. names restricts the result;
// requested names the entity has never had are omitted.
func (p *Processor) Read(ctx context.Context, entityID string, kind apptype.Kind, activeAt *time.Time, names []string) (map[string][]apptype.TimeBasedValue, error) {
	links, err := p.store.ListEntityAttributes(ctx, entityID)
	if err != nil {
		return nil, wrap("list entity attributes", err)
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string][]apptype.TimeBasedValue)
	for _, l := range links {
		if len(want) > 0 && !want[l.AttrName] {
			continue
		}
		values, err := p.ReadAttribute(ctx, entityID, kind, l.AttrName, activeAt)
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			out[l.AttrName] = values
		}
	}
	return out, nil
}

// ReadAttribute returns the versions of one attribute, or a NotFoundError if
// no schema is registered for it under kind.
func (p *Processor) ReadAttribute(ctx context.Context, entityID string, kind apptype.Kind, name string, activeAt *time.Time) ([]apptype.TimeBasedValue, error) {
	schema, err := p.store.GetSchema(ctx, kind.Major, kind.Minor, name)
	if err != nil {
		return nil, wrap("get schema", err)
	}
	var at *time.Time
	if activeAt != nil {
		t := truncate(*activeAt)
		at = &t
	}
	versions, err := p.store.ListVersions(ctx, *schema, entityID, at)
	if err != nil {
		return nil, wrap("list versions", err)
	}
	out := make([]apptype.TimeBasedValue, 0, len(versions))
	for _, v := range versions {
		out = append(out, apptype.TimeBasedValue{
			StartTime: v.Start,
			EndTime:   v.End,
			Value:     assemble(*schema, v),
		})
	}
	return out, nil
}

// assemble rebuilds the caller-facing value from its stored layout.
func assemble(schema apptype.AttributeSchema, v relational.Version) any {
	switch schema.StorageType {
	case apptype.StorageTabular:
		cols := make([]any, len(schema.Columns))
		for i, c := range schema.Columns {
			cols[i] = c.Name
		}
		rows := make([]any, len(v.Rows))
		for i, r := range v.Rows {
			row := make([]any, len(schema.Columns))
			copy(row, r)
			rows[i] = row
		}
		return map[string]any{inference.FieldColumns: cols, inference.FieldRows: rows}
	case apptype.StorageScalar:
		if len(schema.Columns) == 1 {
			return map[string]any{schema.Columns[0].Name: v.Value}
		}
	}
	return v.Value
}

// DeleteEntity removes all attribute values of an entity.
func (p *Processor) DeleteEntity(ctx context.Context, entityID string) error {
	return wrap("delete entity", p.store.DeleteEntity(ctx, entityID))
}

// Ping checks the relational store.
func (p *Processor) Ping(ctx context.Context) error {
	return wrap("ping", p.store.Ping(ctx))
}
