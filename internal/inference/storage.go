package inference

import (
	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

// Reserved shape fields.
const (
	FieldNodes   = "nodes"
	FieldEdges   = "edges"
	FieldColumns = "columns"
	FieldRows    = "rows"
	FieldItems   = "items"
)

// Classify returns the storage strategy for an attribute value. Precedence
// is GRAPH, TABULAR, LIST, SCALAR, then MAP; the first match wins. A bare
// primitive is SCALAR and a bare array is LIST.
func Classify(shape any) (apptype.StorageType, error) {
	v, err := Normalize(shape)
	if err != nil {
		return "", err
	}
	return classify(v)
}

func classify(v any) (apptype.StorageType, error) {
	switch x := v.(type) {
	case []any:
		return apptype.StorageList, nil
	case map[string]any:
		_, hasNodes := x[FieldNodes]
		_, hasEdges := x[FieldEdges]
		if hasNodes && hasEdges {
			return apptype.StorageGraph, nil
		}
		_, hasColumns := x[FieldColumns]
		_, hasRows := x[FieldRows]
		if hasColumns && hasRows {
			if _, _, err := tabular(x); err != nil {
				return "", err
			}
			return apptype.StorageTabular, nil
		}
		if items, ok := x[FieldItems]; ok {
			if _, isList := items.([]any); isList {
				return apptype.StorageList, nil
			}
		}
		if len(x) == 1 {
			for _, only := range x {
				if IsPrimitive(only) {
					return apptype.StorageScalar, nil
				}
			}
		}
		return apptype.StorageMap, nil
	}
	return apptype.StorageScalar, nil
}

// tabular validates a columns/rows shape and returns the column names and
// rows. Every row must have exactly one cell per column.
func tabular(m map[string]any) ([]string, [][]any, error) {
	rawCols, ok := m[FieldColumns].([]any)
	if !ok {
		return nil, nil, errors.NewValidationError("tabular %q must be an array of column names", FieldColumns)
	}
	if len(rawCols) == 0 {
		return nil, nil, errors.NewValidationError("tabular value declares no columns")
	}
	cols := make([]string, len(rawCols))
	seen := make(map[string]bool, len(rawCols))
	for i, c := range rawCols {
		name, ok := c.(string)
		if !ok || name == "" {
			return nil, nil, errors.NewValidationError("tabular column %d must be a non-empty string", i)
		}
		if seen[name] {
			return nil, nil, errors.NewValidationError("tabular column %q declared twice", name)
		}
		seen[name] = true
		cols[i] = name
	}

	rawRows, ok := m[FieldRows].([]any)
	if !ok {
		return nil, nil, errors.NewValidationError("tabular %q must be an array of rows", FieldRows)
	}
	rows := make([][]any, len(rawRows))
	for i, r := range rawRows {
		row, ok := r.([]any)
		if !ok {
			return nil, nil, errors.NewValidationError("tabular row %d must be an array", i)
		}
		if len(row) != len(cols) {
			return nil, nil, errors.NewValidationError("tabular row %d has %d cells, expected %d", i, len(row), len(cols))
		}
		for j, cell := range row {
			if !IsPrimitive(cell) {
				return nil, nil, errors.NewValidationError("tabular cell (%d, %q) must be a primitive", i, cols[j])
			}
		}
		rows[i] = row
	}
	return cols, rows, nil
}

// Classification is the combined type and storage inference for one
// attribute value.
type Classification struct {
	Storage  apptype.StorageType
	DataType apptype.DataType
	Nullable bool
	// Columns holds the declared columns of a TABULAR value, or the single
	// wrapping field of a SCALAR value given as a one-field object.
	Columns []apptype.Column
	// Value is the normalised value. For a wrapped SCALAR it is the inner
	// primitive.
	Value any
	// Rows holds TABULAR cells in column order.
	Rows [][]any
	// Untyped marks a LIST with no non-null element; its element type is
	// the default rather than observed.
	Untyped bool
}

// Analyze classifies an attribute value and derives the schema data type.
// SCALAR values carry the type of the primitive, LIST values the element
// type, and every other strategy the map type.
func Analyze(raw any) (Classification, error) {
	v, err := Normalize(raw)
	if err != nil {
		return Classification{}, err
	}
	storage, err := classify(v)
	if err != nil {
		return Classification{}, err
	}

	c := Classification{Storage: storage, Value: v, DataType: apptype.TypeMap}
	switch storage {
	case apptype.StorageScalar:
		if m, ok := v.(map[string]any); ok {
			for k, inner := range m {
				info := infer(inner)
				c.Columns = []apptype.Column{{Name: k, Type: info.Type}}
				c.Value = inner
				c.DataType = info.Type
				c.Nullable = inner == nil
			}
		} else {
			c.DataType = infer(v).Type
			c.Nullable = v == nil
		}
	case apptype.StorageList:
		arr, ok := v.([]any)
		if !ok {
			arr = v.(map[string]any)[FieldItems].([]any)
		}
		info := infer(arr)
		c.DataType = info.ArrayElementType
		c.Nullable = info.IsNullable
		c.Untyped = true
		for _, e := range arr {
			if e != nil {
				c.Untyped = false
				break
			}
		}
	case apptype.StorageTabular:
		names, rows, _ := tabular(v.(map[string]any))
		cols := make([]apptype.Column, len(names))
		for j, name := range names {
			var t apptype.DataType
			for _, row := range rows {
				t = Widen(t, infer(row[j]).Type)
				if row[j] == nil {
					c.Nullable = true
				}
			}
			if t == "" {
				t = apptype.TypeNull
			}
			cols[j] = apptype.Column{Name: name, Type: t}
		}
		c.Columns = cols
		c.Rows = rows
	}
	return c, nil
}
