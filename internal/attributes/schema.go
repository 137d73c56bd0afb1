package attributes

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/inference"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/relational"
)

// resolveSchema looks up or creates the schema for (kind, name) and makes
// sure the classified value conforms to it. Schemas only grow: new TABULAR
// columns are appended and the nullable flag may be raised; types never
// change.
func (p *Processor) resolveSchema(ctx context.Context, kind apptype.Kind, name string, c inference.Classification) (*apptype.AttributeSchema, error) {
	existing, err := p.store.GetSchema(ctx, kind.Major, kind.Minor, name)
	if err == nil {
		return p.conform(ctx, existing, c)
	}
	if !errors.IsNotFound(err) {
		return nil, wrap("get schema", err)
	}

	proposed := proposeSchema(kind, name, c)

	// kinds sharing a major share the value table, so the physical layout
	// must agree with whatever is already bound to it
	sibling, err := p.store.FindSchemaByTable(ctx, proposed.TableName)
	switch {
	case err == nil:
		if err := checkSibling(sibling, &proposed, c); err != nil {
			return nil, err
		}
	case !errors.IsNotFound(err):
		return nil, wrap("find schema by table", err)
	}

	stored, err := p.store.CreateSchema(ctx, proposed)
	if err != nil {
		return nil, wrap("create schema", err)
	}
	p.log.Infow("registered attribute schema",
		logger.FieldAttribute, name,
		"kind", kind.String(),
		"data_type", stored.DataType,
		"storage_type", stored.StorageType,
		"table", stored.TableName)
	return p.conform(ctx, stored, c)
}

func proposeSchema(kind apptype.Kind, name string, c inference.Classification) apptype.AttributeSchema {
	s := apptype.AttributeSchema{
		KindMajor:   kind.Major,
		KindMinor:   kind.Minor,
		AttrName:    name,
		DataType:    c.DataType,
		StorageType: c.Storage,
		IsNullable:  c.Nullable,
		TableName:   relational.TableName(kind.Major, name),
	}
	if s.DataType == apptype.TypeNull {
		s.DataType = apptype.TypeString
		s.IsNullable = true
	}
	if len(c.Columns) > 0 {
		s.Columns = make([]apptype.Column, len(c.Columns))
		for i, col := range c.Columns {
			if col.Type == apptype.TypeNull {
				col.Type = apptype.TypeString
			}
			s.Columns[i] = col
		}
	}
	return s
}

func conflict(s *apptype.AttributeSchema, storage apptype.StorageType, dataType apptype.DataType) error {
	return &errors.SchemaConflictError{
		KindMajor: s.KindMajor,
		KindMinor: s.KindMinor,
		Attribute: s.AttrName,
		Existing:  fmt.Sprintf("%s(%s)", s.StorageType, s.DataType),
		Inferred:  fmt.Sprintf("%s(%s)", storage, dataType),
	}
}

// compatibleColumn reports whether values inferred as got can be stored in
// a column registered as have.
func compatibleColumn(have, got apptype.DataType) bool {
	switch {
	case have == got, got == apptype.TypeNull, have == apptype.TypeString:
		return true
	case have == apptype.TypeFloat && got == apptype.TypeInt:
		return true
	}
	return false
}

func checkSibling(sibling *apptype.AttributeSchema, proposed *apptype.AttributeSchema, c inference.Classification) error {
	isNull := c.Storage == apptype.StorageScalar && c.DataType == apptype.TypeNull
	if isNull {
		proposed.StorageType = sibling.StorageType
		proposed.DataType = sibling.DataType
		return nil
	}
	if sibling.StorageType != proposed.StorageType || sibling.DataType != proposed.DataType {
		return conflict(sibling, c.Storage, c.DataType)
	}
	if proposed.StorageType != apptype.StorageTabular {
		return nil
	}
	types := make(map[string]apptype.DataType, len(sibling.Columns))
	for _, col := range sibling.Columns {
		types[col.Name] = col.Type
	}
	for i, col := range proposed.Columns {
		have, ok := types[col.Name]
		if !ok {
			continue
		}
		if !compatibleColumn(have, c.Columns[i].Type) {
			return conflict(sibling, c.Storage, c.DataType)
		}
		proposed.Columns[i].Type = have
	}
	return nil
}

// conform checks c against the registered schema and applies additive
// changes.
func (p *Processor) conform(ctx context.Context, s *apptype.AttributeSchema, c inference.Classification) (*apptype.AttributeSchema, error) {
	changed := false
	isNull := c.Storage == apptype.StorageScalar && c.DataType == apptype.TypeNull

	switch {
	case isNull:
		if s.StorageType == apptype.StorageTabular {
			return nil, errors.NewValidationError("attribute %q is tabular and cannot hold null", s.AttrName)
		}
		if s.StorageType == apptype.StorageScalar && !sameWrapper(s.Columns, c.Columns) {
			return nil, conflict(s, c.Storage, c.DataType)
		}
	case c.Storage == apptype.StorageList && c.Untyped:
		if s.StorageType != apptype.StorageList {
			return nil, conflict(s, c.Storage, c.DataType)
		}
	default:
		if s.StorageType != c.Storage || s.DataType != c.DataType {
			return nil, conflict(s, c.Storage, c.DataType)
		}
	}

	if c.Nullable && !s.IsNullable {
		s.IsNullable = true
		changed = true
	}

	switch s.StorageType {
	case apptype.StorageScalar:
		if !isNull && !sameWrapper(s.Columns, c.Columns) {
			return nil, conflict(s, c.Storage, c.DataType)
		}
	case apptype.StorageTabular:
		index := make(map[string]int, len(s.Columns))
		for i, col := range s.Columns {
			index[col.Name] = i
		}
		for _, col := range c.Columns {
			i, ok := index[col.Name]
			if !ok {
				t := col.Type
				if t == apptype.TypeNull {
					t = apptype.TypeString
				}
				s.Columns = append(s.Columns, apptype.Column{Name: col.Name, Type: t})
				changed = true
				continue
			}
			if !compatibleColumn(s.Columns[i].Type, col.Type) {
				return nil, errors.Wrapf(conflict(s, c.Storage, c.DataType), "column %q is %s, got %s", col.Name, s.Columns[i].Type, col.Type)
			}
		}
	}

	if changed {
		if err := p.store.UpdateSchema(ctx, *s); err != nil {
			return nil, wrap("update schema", err)
		}
	}
	return s, nil
}

// sameWrapper compares the wrapping field of two SCALAR layouts.
func sameWrapper(a, b []apptype.Column) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || a[0].Name == b[0].Name
}
