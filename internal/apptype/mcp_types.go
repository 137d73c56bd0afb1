package apptype

// CreateEntityArgs represents the arguments for the create_entity tool
type CreateEntityArgs struct {
	Entity Entity `json:"entity" jsonschema:"The entity to create. id, kind.major and created are required."`
}

// ReadEntityArgs represents the arguments for the read_entity tool
type ReadEntityArgs struct {
	ID               string   `json:"id" jsonschema:"The id of the entity to read."`
	Output           []string `json:"output,omitempty" jsonschema:"Sections to fetch: metadata, attributes, relationships."`
	Required         []string `json:"required,omitempty" jsonschema:"Sections whose failure fails the whole read."`
	ActiveAt         string   `json:"activeAt,omitempty" jsonschema:"RFC3339 instant; only versions active at this instant are returned."`
	Attributes       []string `json:"attributes,omitempty" jsonschema:"Restrict attributes to these names."`
	Direction        string   `json:"direction,omitempty" jsonschema:"Relationship direction: outgoing, incoming or both."`
	RelationshipName string   `json:"relationshipName,omitempty" jsonschema:"Only relationships with this name."`
	RelatedEntityID  string   `json:"relatedEntityId,omitempty" jsonschema:"Only relationships to or from this entity."`
}

// UpdateEntityArgs represents the arguments for the update_entity tool
type UpdateEntityArgs struct {
	ID     string `json:"id" jsonschema:"The id of the entity to update."`
	Entity Entity `json:"entity" jsonschema:"Partial entity. id, kind and created may be omitted but cannot change."`
}

// DeleteEntityArgs represents the arguments for the delete_entity tool
type DeleteEntityArgs struct {
	ID string `json:"id" jsonschema:"The id of the entity to delete from all stores."`
}

// QueryEntitiesArgs represents the arguments for the query_entities tool
type QueryEntitiesArgs struct {
	KindMajor   string         `json:"kindMajor,omitempty"`
	KindMinor   string         `json:"kindMinor,omitempty"`
	IDs         []string       `json:"ids,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" jsonschema:"Metadata equality predicates."`
	CreatedFrom string         `json:"createdFrom,omitempty"`
	CreatedTo   string         `json:"createdTo,omitempty"`
	ActiveAt    string         `json:"activeAt,omitempty" jsonschema:"Only entities alive at this instant."`
	Name        string         `json:"name,omitempty"`
	Output      []string       `json:"output,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

// TraverseArgs represents the arguments for the traverse tool
type TraverseArgs struct {
	ID               string `json:"id"`
	MaxDepth         int    `json:"maxDepth,omitempty"`
	Direction        string `json:"direction,omitempty"`
	RelationshipName string `json:"relationshipName,omitempty"`
	KindMajor        string `json:"kindMajor,omitempty"`
	KindMinor        string `json:"kindMinor,omitempty"`
}

// ShortestPathArgs represents the arguments for the shortest_path tool
type ShortestPathArgs struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction,omitempty"`
	MaxDepth  int    `json:"maxDepth,omitempty"`
}

// HealthCheckArgs has no fields.
type HealthCheckArgs struct{}

// StepOutcomeView is the wire form of one step of a multi-store operation.
type StepOutcomeView struct {
	Step    string `json:"step"`
	Store   string `json:"store"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EntityResult is the structured result of entity tools.
type EntityResult struct {
	Entity   *Entity           `json:"entity,omitempty"`
	Outcomes []StepOutcomeView `json:"outcomes,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// QueryResult is the structured result of query_entities.
type QueryResult struct {
	Entities []*Entity `json:"entities"`
	Count    int       `json:"count"`
}

// TraverseResult is the structured result of traverse.
type TraverseResult struct {
	Seed string         `json:"seed"`
	Hits []TraversalHit `json:"hits"`
}

// PathResult is the structured result of shortest_path.
type PathResult struct {
	Nodes []string       `json:"nodes"`
	Edges []Relationship `json:"edges"`
	Found bool           `json:"found"`
}

// HealthResult is the structured result of health_check.
type HealthResult struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Revision  string            `json:"revision,omitempty"`
	BuildDate string            `json:"buildDate,omitempty"`
	Stores    map[string]string `json:"stores"`
}
