package apptype

import (
	"time"
)

// Kind is the immutable two-part classification of an entity.
type Kind struct {
	Major string `json:"major"`
	Minor string `json:"minor"`
}

// IsZero reports whether neither part is set.
func (k Kind) IsZero() bool { return k.Major == "" && k.Minor == "" }

func (k Kind) String() string {
	if k.Minor == "" {
		return k.Major
	}
	return k.Major + "/" + k.Minor
}

// TimeBasedValue is a value together with its validity interval. A nil
// EndTime means the value is still active.
type TimeBasedValue struct {
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Value     any        `json:"value"`
}

// ActiveAt reports whether the interval contains at.
func (v TimeBasedValue) ActiveAt(at time.Time) bool {
	if v.StartTime.After(at) {
		return false
	}
	return v.EndTime == nil || !v.EndTime.Before(at)
}

// Direction is a relationship's orientation relative to the entity it is
// read from.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// Relationship is a directed edge from the owning entity to RelatedEntityID.
// Direction is derived on read and never persisted.
type Relationship struct {
	ID              string     `json:"id"`
	RelatedEntityID string     `json:"relatedEntityId"`
	Name            string     `json:"name"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	Direction       Direction  `json:"direction,omitempty"`
}

// Entity is the logical record split across the document, graph and
// relational stores.
type Entity struct {
	ID            string                      `json:"id"`
	Kind          Kind                        `json:"kind"`
	Created       time.Time                   `json:"created"`
	Terminated    *time.Time                  `json:"terminated,omitempty"`
	Name          *TimeBasedValue             `json:"name,omitempty"`
	Metadata      map[string]any              `json:"metadata,omitempty"`
	Attributes    map[string][]TimeBasedValue `json:"attributes,omitempty"`
	Relationships map[string]Relationship     `json:"relationships,omitempty"`
}

// NameString returns the entity's name value as a string.
func (e *Entity) NameString() string {
	if e == nil || e.Name == nil || e.Name.Value == nil {
		return ""
	}
	if s, ok := e.Name.Value.(string); ok {
		return s
	}
	return ""
}

// DataType is the primitive or semantic type produced by type inference.
type DataType string

const (
	TypeNull     DataType = "null"
	TypeInt      DataType = "int"
	TypeFloat    DataType = "float"
	TypeBool     DataType = "bool"
	TypeString   DataType = "string"
	TypeDate     DataType = "date"
	TypeTime     DataType = "time"
	TypeDateTime DataType = "datetime"
	TypeMap      DataType = "map"
)

// StorageType is the physical representation chosen by storage inference.
type StorageType string

const (
	StorageScalar  StorageType = "SCALAR"
	StorageList    StorageType = "LIST"
	StorageMap     StorageType = "MAP"
	StorageTabular StorageType = "TABULAR"
	StorageGraph   StorageType = "GRAPH"
)

// Column is one declared column of a TABULAR attribute.
type Column struct {
	Name string   `json:"name"`
	Type DataType `json:"type"`
}

// AttributeSchema registers the shape of an attribute for a kind. It is
// unique per (KindMajor, KindMinor, AttrName).
type AttributeSchema struct {
	KindMajor   string      `json:"kindMajor"`
	KindMinor   string      `json:"kindMinor"`
	AttrName    string      `json:"attrName"`
	DataType    DataType    `json:"dataType"`
	StorageType StorageType `json:"storageType"`
	IsNullable  bool        `json:"isNullable"`
	TableName   string      `json:"tableName"`
	Columns     []Column    `json:"columns,omitempty"`
}

// Selector names an optional section of an entity.
type Selector string

const (
	SelectMetadata      Selector = "metadata"
	SelectAttributes    Selector = "attributes"
	SelectRelationships Selector = "relationships"
)

// AllSelectors lists every optional section.
var AllSelectors = []Selector{SelectMetadata, SelectAttributes, SelectRelationships}

// RelationshipFilter narrows the relationships returned by a read.
type RelationshipFilter struct {
	Direction       Direction  `json:"direction,omitempty"`
	Name            string     `json:"name,omitempty"`
	RelatedEntityID string     `json:"relatedEntityId,omitempty"`
	ActiveAt        *time.Time `json:"activeAt,omitempty"`
}

// ReadOptions selects which sections of an entity are fetched. Sections in
// Required fail the whole read when their store fails; other sections are
// reported as absent.
type ReadOptions struct {
	Output        []Selector         `json:"output,omitempty"`
	Required      []Selector         `json:"required,omitempty"`
	ActiveAt      *time.Time         `json:"activeAt,omitempty"`
	Attributes    []string           `json:"attributes,omitempty"`
	Relationships RelationshipFilter `json:"relationships,omitempty"`
}

// Has reports whether s is selected for output.
func (o ReadOptions) Has(s Selector) bool {
	for _, v := range o.Output {
		if v == s {
			return true
		}
	}
	return false
}

// IsRequired reports whether s must be fetched successfully.
func (o ReadOptions) IsRequired(s Selector) bool {
	for _, v := range o.Required {
		if v == s {
			return true
		}
	}
	return false
}

// QueryFilter composes predicates over kind, ids, metadata and time.
type QueryFilter struct {
	Kind        *Kind          `json:"kind,omitempty"`
	IDs         []string       `json:"ids,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedFrom *time.Time     `json:"createdFrom,omitempty"`
	CreatedTo   *time.Time     `json:"createdTo,omitempty"`
	ActiveAt    *time.Time     `json:"activeAt,omitempty"`
	Name        string         `json:"name,omitempty"`
	Output      []Selector     `json:"output,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

// TraversalOptions bounds a multi-hop walk of the relationship graph.
type TraversalOptions struct {
	MaxDepth         int       `json:"maxDepth"`
	Direction        Direction `json:"direction,omitempty"`
	RelationshipName string    `json:"relationshipName,omitempty"`
	Kind             *Kind     `json:"kind,omitempty"`
}

// TraversalHit is one entity reached by a traversal and the depth at which
// it was first reached.
type TraversalHit struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}
