package graphstore

import (
	"context"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/metrics"
)

// stepQuery returns a two-column (cur, nxt) projection of edges in the given
// direction, filtered by type when typed is set.
func stepQuery(direction apptype.Direction, typed bool) string {
	typeFilter := ""
	if typed {
		typeFilter = " WHERE type = ?"
	}
	out := "SELECT source AS cur, target AS nxt FROM edges" + typeFilter
	in := "SELECT target AS cur, source AS nxt FROM edges" + typeFilter
	switch direction {
	case apptype.DirectionOutgoing:
		return out
	case apptype.DirectionIncoming:
		return in
	}
	return out + " UNION ALL " + in
}

// Traverse walks the edges reachable from seed up to maxDepth hops with a
// recursive query and returns each reached node once, at the depth it was
// first reached. The seed itself is not returned. Paths never revisit a
// node.
func (s *Store) Traverse(ctx context.Context, seed string, maxDepth int, direction apptype.Direction, edgeType string, kind *apptype.Kind) ([]apptype.TraversalHit, error) {
	done := metrics.TimeOp(storeLabel, "traverse")
	success := false
	defer func() { done(success) }()

	if maxDepth <= 0 {
		return nil, errors.NewValidationError("traversal depth must be positive, got %d", maxDepth)
	}

	typed := edgeType != ""
	var args []any
	if typed {
		args = append(args, edgeType)
		if direction != apptype.DirectionOutgoing && direction != apptype.DirectionIncoming {
			args = append(args, edgeType)
		}
	}
	args = append(args, seed, seed, maxDepth)

	// the path column is a char(31)-delimited list of visited ids
	query := `
        WITH RECURSIVE step(cur, nxt) AS (` + stepQuery(direction, typed) + `),
        walk(id, depth, path) AS (
            SELECT ?, 0, char(31) || ? || char(31)
            UNION ALL
            SELECT step.nxt, walk.depth + 1, walk.path || step.nxt || char(31)
            FROM walk JOIN step ON step.cur = walk.id
            WHERE walk.depth < ?
              AND instr(walk.path, char(31) || step.nxt || char(31)) = 0
        )
        SELECT ` + raw("n.id") + `, ` + raw("n.kind_major") + `, ` + raw("n.kind_minor") + `, ` + raw("n.name") + `, MIN(walk.depth) AS depth
        FROM walk JOIN nodes n ON n.id = walk.id
        WHERE walk.depth > 0`
	if kind != nil && kind.Major != "" {
		query += " AND n.kind_major = ?"
		args = append(args, kind.Major)
		if kind.Minor != "" {
			query += " AND n.kind_minor = ?"
			args = append(args, kind.Minor)
		}
	}
	query += " GROUP BY n.id, n.kind_major, n.kind_minor, n.name ORDER BY depth, n.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to traverse from %q", seed)
	}
	defer rows.Close()

	hits := make([]apptype.TraversalHit, 0)
	for rows.Next() {
		var id, major, minor, name text
		var depth int
		if err := rows.Scan(&id, &major, &minor, &name, &depth); err != nil {
			return nil, errors.Wrap(err, "failed to scan traversal hit")
		}
		hits = append(hits, apptype.TraversalHit{
			ID:    id.String,
			Kind:  apptype.Kind{Major: major.String, Minor: minor.String},
			Name:  name.String,
			Depth: depth,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating traversal")
	}
	success = true
	return hits, nil
}

// ShortestPath returns the node ids and edges of a shortest path from one
// node to another using breadth-first search bounded by maxDepth hops. If no
// path is found it returns empty slices.
func (s *Store) ShortestPath(ctx context.Context, from, to string, direction apptype.Direction, maxDepth int) ([]string, []Edge, error) {
	done := metrics.TimeOp(storeLabel, "shortest_path")
	success := false
	defer func() { done(success) }()

	if from == "" || to == "" {
		return nil, nil, errors.NewValidationError("path endpoints are required")
	}
	if from == to {
		success = true
		return []string{from}, []Edge{}, nil
	}

	type step struct {
		parent string
		edge   Edge
	}
	parents := make(map[string]step)
	visited := map[string]bool{from: true}
	level := []string{from}
	found := false
	for depth := 0; depth < maxDepth && len(level) > 0 && !found; depth++ {
		edges, err := s.neighbors(ctx, level, direction)
		if err != nil {
			return nil, nil, err
		}
		inLevel := make(map[string]bool, len(level))
		for _, id := range level {
			inLevel[id] = true
		}
		next := make([]string, 0)
		try := func(u, v string, e Edge) {
			if !inLevel[u] || visited[v] {
				return
			}
			visited[v] = true
			parents[v] = step{parent: u, edge: e}
			next = append(next, v)
			if v == to {
				found = true
			}
		}
		for _, e := range edges {
			switch direction {
			case apptype.DirectionOutgoing:
				try(e.Source, e.Target, e)
			case apptype.DirectionIncoming:
				try(e.Target, e.Source, e)
			default:
				try(e.Source, e.Target, e)
				try(e.Target, e.Source, e)
			}
			if found {
				break
			}
		}
		level = next
	}
	if !found {
		success = true
		return []string{}, []Edge{}, nil
	}

	// reconstruct path
	nodes := []string{to}
	edges := make([]Edge, 0)
	for cur := to; cur != from; {
		p := parents[cur]
		nodes = append(nodes, p.parent)
		edges = append(edges, p.edge)
		cur = p.parent
	}
	// reverse to get from->to order
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}
	success = true
	return nodes, edges, nil
}
