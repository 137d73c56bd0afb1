package graphstore

// Times are stored as fixed-width UTC text so they compare lexically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
        id TEXT PRIMARY KEY,
        kind_major TEXT NOT NULL,
        kind_minor TEXT NOT NULL DEFAULT '',
        name TEXT NOT NULL DEFAULT '',
        created TEXT NOT NULL,
        terminated TEXT
    )`,

	`CREATE TABLE IF NOT EXISTS node_names (
        node_id TEXT NOT NULL,
        value TEXT NOT NULL,
        start_time TEXT NOT NULL,
        end_time TEXT,
        PRIMARY KEY (node_id, start_time),
        FOREIGN KEY (node_id) REFERENCES nodes(id)
    )`,

	`CREATE TABLE IF NOT EXISTS edges (
        id TEXT PRIMARY KEY,
        source TEXT NOT NULL,
        target TEXT NOT NULL,
        type TEXT NOT NULL,
        created_at TEXT NOT NULL,
        terminated_at TEXT,
        FOREIGN KEY (source) REFERENCES nodes(id),
        FOREIGN KEY (target) REFERENCES nodes(id)
    )`,

	`CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes(kind_major, kind_minor)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_created ON nodes(created)`,
	`CREATE INDEX IF NOT EXISTS idx_node_names_value ON node_names(value)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_type_source ON edges(type, source)`,
}
