package graphstore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/metrics"
)

var nodeColumns = strings.Join([]string{
	raw("id"), raw("kind_major"), raw("kind_minor"), raw("name"), raw("created"), raw("terminated"),
}, ", ")

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var id, major, minor, name, created, terminated text
	if err := row.Scan(&id, &major, &minor, &name, &created, &terminated); err != nil {
		return nil, err
	}
	n := Node{ID: id.String, Kind: apptype.Kind{Major: major.String, Minor: minor.String}, Name: name.String}
	var err error
	if n.Created, err = parseTime(created.String); err != nil {
		return nil, err
	}
	if n.Terminated, err = parseOptional(terminated); err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNode inserts a node and its first name version. It fails with a
// ConflictError if the id is taken.
func (s *Store) CreateNode(ctx context.Context, n Node, name *NameVersion) error {
	done := metrics.TimeOp(storeLabel, "create_node")
	success := false
	defer func() { done(success) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM nodes WHERE id = ?", n.ID).Scan(&one)
	switch {
	case err == nil:
		return errors.NewConflictError("entity %q already exists", n.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return errors.Wrapf(err, "failed to check node %q", n.ID)
	}

	current := ""
	if name != nil {
		current = name.Value
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO nodes (id, kind_major, kind_minor, name, created, terminated) VALUES (?, ?, ?, ?, ?, ?)",
		n.ID, n.Kind.Major, n.Kind.Minor, current, formatTime(n.Created), formatOptional(n.Terminated)); err != nil {
		return errors.Wrapf(err, "failed to insert node %q", n.ID)
	}
	if name != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO node_names (node_id, value, start_time, end_time) VALUES (?, ?, ?, ?)",
			n.ID, name.Value, formatTime(name.Start), formatOptional(name.End)); err != nil {
			return errors.Wrapf(err, "failed to insert name of node %q", n.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit node")
	}
	success = true
	return nil
}

// GetNode returns the node with id, or a NotFoundError.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	done := metrics.TimeOp(storeLabel, "get_node")
	success := false
	defer func() { done(success) }()

	stmt, err := s.prepared(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE id = ?")
	if err != nil {
		return nil, err
	}
	n, err := scanNode(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		success = true
		return nil, errors.NewNotFoundError("entity %q not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get node %q", id)
	}
	success = true
	return n, nil
}

// Exists reports whether a node with id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	stmt, err := s.prepared(ctx, "SELECT 1 FROM nodes WHERE id = ?")
	if err != nil {
		return false, err
	}
	var one int
	err = stmt.QueryRowContext(ctx, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check node %q", id)
	}
	return true, nil
}

// SetTerminated records the termination time of a node.
func (s *Store) SetTerminated(ctx context.Context, id string, at time.Time) error {
	done := metrics.TimeOp(storeLabel, "set_terminated")
	success := false
	defer func() { done(success) }()

	res, err := s.db.ExecContext(ctx, "UPDATE nodes SET terminated = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return errors.Wrapf(err, "failed to terminate node %q", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("entity %q not found", id)
	}
	success = true
	return nil
}

// ListNames returns the name history of a node ordered by start time. With
// activeAt set only the version active at that instant is returned.
func (s *Store) ListNames(ctx context.Context, id string, activeAt *time.Time) ([]NameVersion, error) {
	done := metrics.TimeOp(storeLabel, "list_names")
	success := false
	defer func() { done(success) }()

	query := "SELECT " + raw("value") + ", " + raw("start_time") + ", " + raw("end_time") + " FROM node_names WHERE node_id = ?"
	args := []any{id}
	if activeAt != nil {
		at := formatTime(*activeAt)
		query += " AND start_time <= ? AND (end_time IS NULL OR end_time >= ?)"
		args = append(args, at, at)
	}
	query += " ORDER BY start_time"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query names of node %q", id)
	}
	defer rows.Close()

	var out []NameVersion
	for rows.Next() {
		var value, start, end text
		if err := rows.Scan(&value, &start, &end); err != nil {
			return nil, errors.Wrap(err, "failed to scan name")
		}
		v := NameVersion{Value: value.String}
		if v.Start, err = parseTime(start.String); err != nil {
			return nil, err
		}
		if v.End, err = parseOptional(end); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating names")
	}
	success = true
	return out, nil
}

// PutName closes the version starting at closeStart, when given, and adds v
// to the name history in one transaction. The node's current name follows
// the version with the latest start.
func (s *Store) PutName(ctx context.Context, id string, v NameVersion, closeStart *time.Time, closeAt time.Time) error {
	done := metrics.TimeOp(storeLabel, "put_name")
	success := false
	defer func() { done(success) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if closeStart != nil {
		if _, err := tx.ExecContext(ctx,
			"UPDATE node_names SET end_time = ? WHERE node_id = ? AND start_time = ?",
			formatTime(closeAt), id, formatTime(*closeStart)); err != nil {
			return errors.Wrapf(err, "failed to close name of node %q", id)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO node_names (node_id, value, start_time, end_time) VALUES (?, ?, ?, ?)",
		id, v.Value, formatTime(v.Start), formatOptional(v.End)); err != nil {
		return errors.Wrapf(err, "failed to insert name of node %q", id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET name = (
            SELECT value FROM node_names WHERE node_id = ? ORDER BY start_time DESC LIMIT 1
        ) WHERE id = ?`, id, id); err != nil {
		return errors.Wrapf(err, "failed to refresh name of node %q", id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit name")
	}
	success = true
	return nil
}

// DeleteNode removes a node, its name history and every edge touching it.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	done := metrics.TimeOp(storeLabel, "delete_node")
	success := false
	defer func() { done(success) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE source = ? OR target = ?", id, id); err != nil {
		return errors.Wrapf(err, "failed to delete edges of node %q", id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM node_names WHERE node_id = ?", id); err != nil {
		return errors.Wrapf(err, "failed to delete names of node %q", id)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete node %q", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("entity %q not found", id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit node deletion")
	}
	success = true
	return nil
}

// NodeFilter narrows FindNodes. Zero fields match everything.
type NodeFilter struct {
	Kind        *apptype.Kind
	IDs         []string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	// ActiveAt keeps nodes created at or before the instant and not
	// terminated before it.
	ActiveAt *time.Time
	// Name matches any name version, or the version active at ActiveAt.
	Name string
}

// FindNodes returns the ids of nodes matching f in ascending order.
func (s *Store) FindNodes(ctx context.Context, f NodeFilter) ([]string, error) {
	done := metrics.TimeOp(storeLabel, "find_nodes")
	success := false
	defer func() { done(success) }()

	var where []string
	var args []any
	if f.Kind != nil {
		if f.Kind.Major != "" {
			where = append(where, "n.kind_major = ?")
			args = append(args, f.Kind.Major)
		}
		if f.Kind.Minor != "" {
			where = append(where, "n.kind_minor = ?")
			args = append(args, f.Kind.Minor)
		}
	}
	if len(f.IDs) > 0 {
		where = append(where, "n.id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.CreatedFrom != nil {
		where = append(where, "n.created >= ?")
		args = append(args, formatTime(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		where = append(where, "n.created <= ?")
		args = append(args, formatTime(*f.CreatedTo))
	}
	if f.ActiveAt != nil {
		at := formatTime(*f.ActiveAt)
		where = append(where, "n.created <= ? AND (n.terminated IS NULL OR n.terminated >= ?)")
		args = append(args, at, at)
	}
	if f.Name != "" {
		clause := "EXISTS (SELECT 1 FROM node_names nn WHERE nn.node_id = n.id AND nn.value = ?"
		args = append(args, f.Name)
		if f.ActiveAt != nil {
			at := formatTime(*f.ActiveAt)
			clause += " AND nn.start_time <= ? AND (nn.end_time IS NULL OR nn.end_time >= ?)"
			args = append(args, at, at)
		}
		where = append(where, clause+")")
	}

	query := "SELECT " + raw("n.id") + " FROM nodes n"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY n.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query nodes")
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id text
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan node id")
		}
		ids = append(ids, id.String)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating nodes")
	}
	sort.Strings(ids)
	success = true
	return ids, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
