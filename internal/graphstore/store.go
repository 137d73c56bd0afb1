// Package graphstore keeps entity nodes, their name history and the directed
// relationship edges between them in libSQL.
package graphstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/metrics"
)

const storeLabel = string(errors.StoreGraph)

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Node is an entity's projection in the graph store. Name is the latest
// name version.
type Node struct {
	ID         string
	Kind       apptype.Kind
	Name       string
	Created    time.Time
	Terminated *time.Time
}

// NameVersion is one entry of a node's name history.
type NameVersion struct {
	Value string
	Start time.Time
	End   *time.Time
}

// Edge is a relationship stored once, directed from its owner to the
// related entity. Type carries the relationship name.
type Edge struct {
	ID           string
	Source       string
	Target       string
	Type         string
	CreatedAt    time.Time
	TerminatedAt *time.Time
}

// Store handles all graph database operations
type Store struct {
	config *Config
	db     *sql.DB
	log    *zap.SugaredLogger

	stmtMu    sync.RWMutex
	stmtCache map[string]*sql.Stmt
}

// Open connects to the configured libSQL database and creates the schema.
func Open(ctx context.Context, config *Config, log *zap.SugaredLogger) (*Store, error) {
	if config == nil {
		config = NewConfig()
	}
	db, err := sql.Open("libsql", config.dsn())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create graph database connector")
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxIdleSec > 0 {
		db.SetConnMaxIdleTime(config.idleTime())
	}
	if config.ConnMaxLifeSec > 0 {
		db.SetConnMaxLifetime(config.lifeTime())
	}

	s := &Store{
		config:    config,
		db:        db,
		log:       logger.Or(log),
		stmtCache: make(map[string]*sql.Stmt),
	}
	if err := s.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize graph database")
	}
	stats := db.Stats()
	metrics.ObservePoolStats(storeLabel, stats.InUse, stats.Idle)
	return s, nil
}

// initialize creates tables and indexes if they don't exist
func (s *Store) initialize(ctx context.Context) error {
	done := metrics.TimeOp(storeLabel, "initialize")
	success := false
	defer func() { done(success) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction for initialization")
	}
	defer func() { _ = tx.Rollback() }()

	for _, statement := range schema {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return errors.Wrap(err, "failed to execute schema statement")
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}

// prepared returns or prepares and caches a statement.
func (s *Store) prepared(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	stmt, ok := s.stmtCache[sqlText]
	s.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	stmt, err := s.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare statement")
	}
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if existing, ok := s.stmtCache[sqlText]; ok {
		_ = stmt.Close()
		return existing, nil
	}
	s.stmtCache[sqlText] = stmt
	return stmt, nil
}

func (s *Store) Ping(ctx context.Context) error {
	stats := s.db.Stats()
	metrics.ObservePoolStats(storeLabel, stats.InUse, stats.Idle)
	return s.db.PingContext(ctx)
}

// Close releases cached statements and the connection pool.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for text, stmt := range s.stmtCache {
		_ = stmt.Close()
		delete(s.stmtCache, text)
	}
	s.stmtMu.Unlock()
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(timeLayout)
}

func formatOptional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// text scans a column selected through raw. NULL leaves Valid unset.
type text struct {
	String string
	Valid  bool
}

func (t *text) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.String, t.Valid = "", false
	case []byte:
		t.String, t.Valid = string(v), true
	case string:
		t.String, t.Valid = v, true
	case time.Time:
		t.String, t.Valid = formatTime(v), true
	default:
		return errors.Newf("unsupported column value of type %T", src)
	}
	return nil
}

// raw selects a TEXT column as bytes. go-libsql hands back date-like TEXT
// values as time.Time, which would rewrite an id such as "2024-05-06".
func raw(col string) string { return "CAST(" + col + " AS BLOB)" }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, errors.Wrapf(err, "invalid stored time %q", s)
	}
	return t.UTC(), nil
}

func parseOptional(s text) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
