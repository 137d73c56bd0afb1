// Package relational persists attribute schemas and time-versioned attribute
// values. Each (kind major, attribute) pair gets its own dynamically created
// value table.
package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

// Version is one temporal version of an attribute value. SCALAR, LIST, MAP
// and GRAPH versions carry Value; TABULAR versions carry Rows in schema
// column order.
type Version struct {
	VersionID string
	EntityID  string
	Start     time.Time
	End       *time.Time
	Value     any
	Rows      [][]any
}

// AttributeLink records that an entity has values for an attribute.
type AttributeLink struct {
	EntityID  string
	AttrName  string
	TableName string
}

// Store is the relational repository used by the attribute processor.
type Store interface {
	// GetSchema returns the registered schema or a NotFoundError.
	GetSchema(ctx context.Context, kindMajor, kindMinor, attrName string) (*apptype.AttributeSchema, error)
	// FindSchemaByTable returns any schema already bound to table, or a
	// NotFoundError.
	FindSchemaByTable(ctx context.Context, table string) (*apptype.AttributeSchema, error)
	// CreateSchema inserts s unless a schema for the same triple exists and
	// returns the stored schema either way.
	CreateSchema(ctx context.Context, s apptype.AttributeSchema) (*apptype.AttributeSchema, error)
	// UpdateSchema rewrites the nullable flag and column list of a schema.
	UpdateSchema(ctx context.Context, s apptype.AttributeSchema) error
	// EnsureTable creates the value table for s and appends missing columns.
	EnsureTable(ctx context.Context, s apptype.AttributeSchema) error
	LinkAttribute(ctx context.Context, entityID, attrName, table string) error
	ListEntityAttributes(ctx context.Context, entityID string) ([]AttributeLink, error)
	InsertVersion(ctx context.Context, s apptype.AttributeSchema, v Version) error
	CloseVersion(ctx context.Context, s apptype.AttributeSchema, entityID, versionID string, end time.Time) error
	// ListVersions returns versions ordered by start time. A non-nil activeAt
	// keeps only versions with start <= activeAt and (end IS NULL OR end >= activeAt).
	ListVersions(ctx context.Context, s apptype.AttributeSchema, entityID string, activeAt *time.Time) ([]Version, error)
	// DeleteEntity removes every value row and link of the entity.
	DeleteEntity(ctx context.Context, entityID string) error
	Ping(ctx context.Context) error
	Close() error
}

const maxIdentLen = 63

// sanitizeIdent lowercases s and replaces every character outside
// [a-z0-9_] with an underscore.
func sanitizeIdent(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		if !ok {
			r = '_'
		}
		if r == '_' && lastUnderscore {
			continue
		}
		lastUnderscore = r == '_'
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), "_")
}

// truncateIdent keeps identifiers within Postgres' limit. Truncated names
// get a hash of the full name as suffix so distinct inputs stay distinct.
func truncateIdent(name, full string) string {
	if len(name) <= maxIdentLen {
		return name
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(full))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	return name[:maxIdentLen-len(suffix)] + suffix
}

// TableName derives the value table for an attribute of a kind major.
func TableName(kindMajor, attrName string) string {
	name := "attr_" + sanitizeIdent(kindMajor) + "_" + sanitizeIdent(attrName)
	return truncateIdent(name, kindMajor+"\x00"+attrName)
}

// ColumnName derives the physical column for a declared TABULAR column.
func ColumnName(declared string) string {
	return truncateIdent("c_"+sanitizeIdent(declared), declared)
}

// checkColumnNames rejects declared columns whose physical names collide.
func checkColumnNames(cols []apptype.Column) error {
	seen := make(map[string]string, len(cols))
	for _, c := range cols {
		phys := ColumnName(c.Name)
		if prev, ok := seen[phys]; ok {
			return errors.NewValidationError("columns %q and %q map to the same column %s", prev, c.Name, phys)
		}
		seen[phys] = c.Name
	}
	return nil
}

// SQLType returns the column type used for values of t.
func SQLType(storage apptype.StorageType, t apptype.DataType) string {
	switch storage {
	case apptype.StorageList, apptype.StorageMap, apptype.StorageGraph:
		return "JSONB"
	}
	switch t {
	case apptype.TypeInt:
		return "BIGINT"
	case apptype.TypeFloat:
		return "DOUBLE PRECISION"
	case apptype.TypeBool:
		return "BOOLEAN"
	}
	return "TEXT"
}

// toSQL converts a normalised value to a driver argument for a column of
// type t.
func toSQL(t apptype.DataType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case apptype.TypeInt:
		switch x := v.(type) {
		case json.Number:
			return x.Int64()
		case int64:
			return x, nil
		}
	case apptype.TypeFloat:
		switch x := v.(type) {
		case json.Number:
			return x.Float64()
		case float64:
			return x, nil
		}
	case apptype.TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	default:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	}
	return nil, errors.NewValidationError("value %v does not fit column type %s", v, t)
}

// toJSON encodes a LIST, MAP or GRAPH value for a JSONB column.
func toJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.NewValidationError("cannot encode value: %v", err)
	}
	return string(raw), nil
}

// fromSQL normalises a scanned column value back to the inference form.
func fromSQL(t apptype.DataType, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return json.Number(strconv.FormatInt(x, 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case float64:
		if t == apptype.TypeInt {
			return json.Number(strconv.FormatInt(int64(x), 10)), nil
		}
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return json.Number(s), nil
	case []byte:
		return string(x), nil
	}
	return v, nil
}

// fromJSON decodes a JSONB column read as text.
func fromJSON(v any) (any, error) {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		return v, nil
	}
	return apptype.DecodeValue(raw)
}

// normaliseTime truncates to the precision the relational store keeps.
func normaliseTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func activeAt(v Version, at time.Time) bool {
	if v.Start.After(at) {
		return false
	}
	return v.End == nil || !v.End.Before(at)
}
