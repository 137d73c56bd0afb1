package relational

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

type schemaKey struct{ major, minor, attr string }

// Memory is an in-process Store. It keeps the same semantics as Postgres
// and is used when no database is configured and in tests.
type Memory struct {
	mu      sync.RWMutex
	schemas map[schemaKey]apptype.AttributeSchema
	order   []schemaKey
	links   map[string]map[string]string           // entity -> attr -> table
	tables  map[string]map[string][]Version        // table -> entity -> versions
	columns map[string]map[string]apptype.DataType // table -> physical column -> type
}

func NewMemory() *Memory {
	return &Memory{
		schemas: make(map[schemaKey]apptype.AttributeSchema),
		links:   make(map[string]map[string]string),
		tables:  make(map[string]map[string][]Version),
		columns: make(map[string]map[string]apptype.DataType),
	}
}

func cloneSchema(s apptype.AttributeSchema) *apptype.AttributeSchema {
	out := s
	if s.Columns != nil {
		out.Columns = append([]apptype.Column(nil), s.Columns...)
	}
	return &out
}

func (m *Memory) GetSchema(ctx context.Context, kindMajor, kindMinor, attrName string) (*apptype.AttributeSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schemas[schemaKey{kindMajor, kindMinor, attrName}]
	if !ok {
		return nil, errors.NewNotFoundError("no schema for attribute %q of kind %s/%s", attrName, kindMajor, kindMinor)
	}
	return cloneSchema(s), nil
}

func (m *Memory) FindSchemaByTable(ctx context.Context, table string) (*apptype.AttributeSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.order {
		if s := m.schemas[k]; s.TableName == table {
			return cloneSchema(s), nil
		}
	}
	return nil, errors.NewNotFoundError("no schema bound to table %s", table)
}

func (m *Memory) CreateSchema(ctx context.Context, s apptype.AttributeSchema) (*apptype.AttributeSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := schemaKey{s.KindMajor, s.KindMinor, s.AttrName}
	if existing, ok := m.schemas[k]; ok {
		return cloneSchema(existing), nil
	}
	m.schemas[k] = *cloneSchema(s)
	m.order = append(m.order, k)
	return cloneSchema(s), nil
}

func (m *Memory) UpdateSchema(ctx context.Context, s apptype.AttributeSchema) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := schemaKey{s.KindMajor, s.KindMinor, s.AttrName}
	existing, ok := m.schemas[k]
	if !ok {
		return errors.NewNotFoundError("no schema for attribute %q", s.AttrName)
	}
	existing.Columns = append([]apptype.Column(nil), s.Columns...)
	existing.IsNullable = s.IsNullable
	m.schemas[k] = existing
	return nil
}

func (m *Memory) EnsureTable(ctx context.Context, s apptype.AttributeSchema) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.StorageType == apptype.StorageTabular {
		if err := checkColumnNames(s.Columns); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[s.TableName]; !ok {
		m.tables[s.TableName] = make(map[string][]Version)
		m.columns[s.TableName] = make(map[string]apptype.DataType)
	}
	cols := m.columns[s.TableName]
	if s.StorageType != apptype.StorageTabular {
		if _, ok := cols["value"]; !ok {
			cols["value"] = s.DataType
		}
		return nil
	}
	for _, c := range s.Columns {
		phys := ColumnName(c.Name)
		if _, ok := cols[phys]; !ok {
			cols[phys] = c.Type
		}
	}
	return nil
}

func (m *Memory) LinkAttribute(ctx context.Context, entityID, attrName, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.links[entityID]
	if !ok {
		attrs = make(map[string]string)
		m.links[entityID] = attrs
	}
	if _, ok := attrs[attrName]; !ok {
		attrs[attrName] = table
	}
	return nil
}

func (m *Memory) ListEntityAttributes(ctx context.Context, entityID string) ([]AttributeLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var links []AttributeLink
	for attr, table := range m.links[entityID] {
		links = append(links, AttributeLink{EntityID: entityID, AttrName: attr, TableName: table})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].AttrName < links[j].AttrName })
	return links, nil
}

func (m *Memory) InsertVersion(ctx context.Context, s apptype.AttributeSchema, v Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// run the same conversions as the SQL path so type mismatches surface here too
	if s.StorageType == apptype.StorageTabular {
		for i, row := range v.Rows {
			for j, c := range s.Columns {
				if j < len(row) {
					if _, err := toSQL(c.Type, row[j]); err != nil {
						return errors.Wrapf(err, "row %d column %q", i, c.Name)
					}
				}
			}
		}
	} else if SQLType(s.StorageType, s.DataType) == "JSONB" {
		if _, err := toJSON(v.Value); err != nil {
			return err
		}
	} else if _, err := toSQL(s.DataType, v.Value); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[s.TableName]
	if !ok {
		return errors.Newf("relation %q does not exist", s.TableName)
	}
	for _, existing := range table[v.EntityID] {
		if existing.VersionID == v.VersionID {
			return errors.Newf("duplicate version id %s in %s", v.VersionID, s.TableName)
		}
	}
	v.Start = normaliseTime(v.Start)
	if v.End != nil {
		end := normaliseTime(*v.End)
		v.End = &end
	}
	if s.StorageType == apptype.StorageTabular && v.Rows == nil {
		v.Rows = [][]any{}
	}
	table[v.EntityID] = append(table[v.EntityID], v)
	return nil
}

func (m *Memory) CloseVersion(ctx context.Context, s apptype.AttributeSchema, entityID, versionID string, end time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.tables[s.TableName][entityID]
	for i := range versions {
		if versions[i].VersionID == versionID {
			e := normaliseTime(end)
			versions[i].End = &e
			return nil
		}
	}
	return nil
}

func (m *Memory) ListVersions(ctx context.Context, s apptype.AttributeSchema, entityID string, at *time.Time) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	table, ok := m.tables[s.TableName]
	if !ok {
		return nil, errors.Newf("relation %q does not exist", s.TableName)
	}
	var out []Version
	for _, v := range table[entityID] {
		if at != nil && !activeAt(v, normaliseTime(*at)) {
			continue
		}
		c := v
		if v.End != nil {
			e := *v.End
			c.End = &e
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].VersionID < out[j].VersionID
	})
	return out, nil
}

func (m *Memory) DeleteEntity(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, table := range m.links[entityID] {
		delete(m.tables[table], entityID)
	}
	delete(m.links, entityID)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
