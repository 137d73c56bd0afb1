// Package docstore keeps one JSON document of metadata per entity in a
// SQLite collection.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/inference"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/metrics"
)

const storeLabel = string(errors.StoreDocument)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL CHECK (json_valid(body)),
	updated_at TEXT NOT NULL
);
`

// Store is the document collection.
type Store struct {
	db   *sql.DB
	log  *zap.SugaredLogger
	path string
}

// Open initializes the SQLite database at the given path.
func Open(ctx context.Context, path string, log *zap.SugaredLogger) (*Store, error) {
	if path == "" {
		return nil, errors.New("document store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create directory")
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open document database")
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, log: logger.Or(log), path: path}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create documents table")
	}
	s.log.Debugw("opened document store", "path", s.path)
	return s, nil
}

func encode(doc map[string]any) (string, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	v, err := inference.Normalize(doc)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode document")
	}
	return string(b), nil
}

func decode(body string) (map[string]any, error) {
	v, err := apptype.DecodeValue([]byte(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode document")
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Newf("stored document is %T, not an object", v)
	}
	return doc, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Put replaces the document of id.
func (s *Store) Put(ctx context.Context, id string, doc map[string]any) error {
	done := metrics.TimeOp(storeLabel, "put")
	success := false
	defer func() { done(success) }()

	body, err := encode(doc)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, body, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		id, body, now()); err != nil {
		return errors.Wrapf(err, "failed to put document %q", id)
	}
	success = true
	return nil
}

// Merge sets the given top-level keys on the document of id, creating the
// document if needed. Other keys are kept.
func (s *Store) Merge(ctx context.Context, id string, fields map[string]any) error {
	done := metrics.TimeOp(storeLabel, "merge")
	success := false
	defer func() { done(success) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	doc := map[string]any{}
	var body string
	err = tx.QueryRowContext(ctx, "SELECT body FROM documents WHERE id = ?", id).Scan(&body)
	switch {
	case err == nil:
		if doc, err = decode(body); err != nil {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return errors.Wrapf(err, "failed to read document %q", id)
	}
	for k, v := range fields {
		doc[k] = v
	}
	if body, err = encode(doc); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, body, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		id, body, now()); err != nil {
		return errors.Wrapf(err, "failed to write document %q", id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit document")
	}
	success = true
	return nil
}

// Get returns the document of id, or a NotFoundError.
func (s *Store) Get(ctx context.Context, id string) (map[string]any, error) {
	done := metrics.TimeOp(storeLabel, "get")
	success := false
	defer func() { done(success) }()

	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM documents WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		success = true
		return nil, errors.NewNotFoundError("document %q not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get document %q", id)
	}
	doc, err := decode(body)
	if err != nil {
		return nil, err
	}
	success = true
	return doc, nil
}

// Delete removes the document of id. Deleting a missing document is a
// NotFoundError.
func (s *Store) Delete(ctx context.Context, id string) error {
	done := metrics.TimeOp(storeLabel, "delete")
	success := false
	defer func() { done(success) }()

	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete document %q", id)
	}
	success = true
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("document %q not found", id)
	}
	return nil
}

// FindIDs returns, in ascending order, the ids of documents whose top-level
// fields equal every entry of match. Scalars compare by JSON type and value;
// objects and arrays compare by their canonical JSON text.
func (s *Store) FindIDs(ctx context.Context, match map[string]any) ([]string, error) {
	done := metrics.TimeOp(storeLabel, "find_ids")
	success := false
	defer func() { done(success) }()

	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var where []string
	var args []any
	for _, k := range keys {
		clause, cargs, err := matchClause(k, match[k])
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
		args = append(args, cargs...)
	}
	query := "SELECT d.id FROM documents d"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY d.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query documents")
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan document id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating documents")
	}
	success = true
	return ids, nil
}

func matchClause(key string, value any) (string, []any, error) {
	v, err := inference.Normalize(value)
	if err != nil {
		return "", nil, err
	}
	const prefix = "EXISTS (SELECT 1 FROM json_each(d.body) j WHERE j.key = ? AND "
	switch x := v.(type) {
	case nil:
		return prefix + "j.type = 'null')", []any{key}, nil
	case bool:
		if x {
			return prefix + "j.type = 'true')", []any{key}, nil
		}
		return prefix + "j.type = 'false')", []any{key}, nil
	case string:
		return prefix + "j.type = 'text' AND j.value = ?)", []any{key, x}, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return "", nil, errors.NewValidationError("metadata filter %q: %v", key, err)
		}
		return prefix + "j.type IN ('integer', 'real') AND j.value = ?)", []any{key, f}, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", nil, errors.Wrapf(err, "metadata filter %q", key)
		}
		return prefix + "j.type IN ('object', 'array') AND json(j.value) = json(?))", []any{key, string(b)}, nil
	}
}

func (s *Store) Ping(ctx context.Context) error {
	stats := s.db.Stats()
	metrics.ObservePoolStats(storeLabel, stats.InUse, stats.Idle)
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }
