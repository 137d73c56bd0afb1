package graphstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/metrics"
)

var edgeColumns = strings.Join([]string{
	raw("id"), raw("source"), raw("target"), raw("type"), raw("created_at"), raw("terminated_at"),
}, ", ")

func scanEdge(row interface{ Scan(...any) error }) (*Edge, error) {
	var id, source, target, typ, created, terminated text
	if err := row.Scan(&id, &source, &target, &typ, &created, &terminated); err != nil {
		return nil, err
	}
	e := Edge{ID: id.String, Source: source.String, Target: target.String, Type: typ.String}
	var err error
	if e.CreatedAt, err = parseTime(created.String); err != nil {
		return nil, err
	}
	if e.TerminatedAt, err = parseOptional(terminated); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEdge inserts a directed edge. Both endpoints must exist; a taken
// edge id is a ConflictError.
func (s *Store) CreateEdge(ctx context.Context, e Edge) error {
	done := metrics.TimeOp(storeLabel, "create_edge")
	success := false
	defer func() { done(success) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM edges WHERE id = ?", e.ID).Scan(&one)
	switch {
	case err == nil:
		return errors.NewConflictError("relationship %q already exists", e.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return errors.Wrapf(err, "failed to check edge %q", e.ID)
	}
	for _, end := range []string{e.Source, e.Target} {
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM nodes WHERE id = ?", end).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("entity %q not found", end)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to check node %q", end)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO edges (id, source, target, type, created_at, terminated_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, e.Source, e.Target, e.Type, formatTime(e.CreatedAt), formatOptional(e.TerminatedAt)); err != nil {
		return errors.Wrapf(err, "failed to insert edge (%s -> %s)", e.Source, e.Target)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit edge")
	}
	success = true
	return nil
}

// GetEdge returns the edge with id, or a NotFoundError.
func (s *Store) GetEdge(ctx context.Context, id string) (*Edge, error) {
	stmt, err := s.prepared(ctx, "SELECT "+edgeColumns+" FROM edges WHERE id = ?")
	if err != nil {
		return nil, err
	}
	e, err := scanEdge(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("relationship %q not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get edge %q", id)
	}
	return e, nil
}

// TerminateEdge sets the end of an edge's validity.
func (s *Store) TerminateEdge(ctx context.Context, id string, at time.Time) error {
	done := metrics.TimeOp(storeLabel, "terminate_edge")
	success := false
	defer func() { done(success) }()

	res, err := s.db.ExecContext(ctx, "UPDATE edges SET terminated_at = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return errors.Wrapf(err, "failed to terminate edge %q", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("relationship %q not found", id)
	}
	success = true
	return nil
}

// EdgeFilter selects the edges touching one node.
type EdgeFilter struct {
	NodeID string
	// Direction is relative to NodeID: outgoing edges have it as source,
	// incoming edges as target. Empty means both.
	Direction apptype.Direction
	Type      string
	RelatedID string
	ActiveAt  *time.Time
}

// ListEdges returns the edges matching f ordered by creation time and id.
func (s *Store) ListEdges(ctx context.Context, f EdgeFilter) ([]Edge, error) {
	done := metrics.TimeOp(storeLabel, "list_edges")
	success := false
	defer func() { done(success) }()

	var where []string
	var args []any
	switch f.Direction {
	case apptype.DirectionOutgoing:
		where = append(where, "source = ?")
		args = append(args, f.NodeID)
		if f.RelatedID != "" {
			where = append(where, "target = ?")
			args = append(args, f.RelatedID)
		}
	case apptype.DirectionIncoming:
		where = append(where, "target = ?")
		args = append(args, f.NodeID)
		if f.RelatedID != "" {
			where = append(where, "source = ?")
			args = append(args, f.RelatedID)
		}
	default:
		if f.RelatedID != "" {
			where = append(where, "((source = ? AND target = ?) OR (target = ? AND source = ?))")
			args = append(args, f.NodeID, f.RelatedID, f.NodeID, f.RelatedID)
		} else {
			where = append(where, "(source = ? OR target = ?)")
			args = append(args, f.NodeID, f.NodeID)
		}
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.ActiveAt != nil {
		at := formatTime(*f.ActiveAt)
		where = append(where, "created_at <= ? AND (terminated_at IS NULL OR terminated_at >= ?)")
		args = append(args, at, at)
	}

	query := "SELECT " + edgeColumns + " FROM edges WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at, id"
	edges, err := s.queryEdges(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	success = true
	return edges, nil
}

// neighbors returns every edge touching one of ids in the given direction.
func (s *Store) neighbors(ctx context.Context, ids []string, direction apptype.Direction) ([]Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph := placeholders(len(ids))
	args := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		args = append(args, id)
	}
	var query string
	switch direction {
	case apptype.DirectionOutgoing:
		query = "SELECT " + edgeColumns + " FROM edges WHERE source IN (" + ph + ")"
	case apptype.DirectionIncoming:
		query = "SELECT " + edgeColumns + " FROM edges WHERE target IN (" + ph + ")"
	default:
		query = "SELECT " + edgeColumns + " FROM edges WHERE source IN (" + ph + ") OR target IN (" + ph + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	return s.queryEdges(ctx, query+" ORDER BY id", args...)
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query edges")
	}
	defer rows.Close()

	edges := make([]Edge, 0)
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan edge")
		}
		edges = append(edges, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating edges")
	}
	return edges, nil
}
