package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/metrics"
)

const storeLabel = string(errors.StoreRelational)

var registryDDL = []string{
	`CREATE TABLE IF NOT EXISTS attribute_schemas (
		id BIGSERIAL PRIMARY KEY,
		kind_major TEXT NOT NULL,
		kind_minor TEXT NOT NULL DEFAULT '',
		attr_name TEXT NOT NULL,
		data_type TEXT NOT NULL,
		storage_type TEXT NOT NULL,
		is_nullable BOOLEAN NOT NULL DEFAULT FALSE,
		table_name TEXT NOT NULL,
		columns JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (kind_major, kind_minor, attr_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attribute_schemas_table ON attribute_schemas(table_name)`,
	`CREATE TABLE IF NOT EXISTS entity_attributes (
		entity_id TEXT NOT NULL,
		attr_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (entity_id, attr_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_attributes_table ON entity_attributes(table_name)`,
}

// Postgres is the Store backed by PostgreSQL through the pgx stdlib driver.
type Postgres struct {
	db  *sql.DB
	log *zap.SugaredLogger

	mu      sync.Mutex
	ensured map[string]int // table -> number of ensured TABULAR columns
}

// OpenPostgres connects to dsn and creates the registry tables.
func OpenPostgres(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	p := NewPostgresFromDB(db, log)
	if err := p.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing handle without touching the schema.
func NewPostgresFromDB(db *sql.DB, log *zap.SugaredLogger) *Postgres {
	return &Postgres{db: db, log: logger.Or(log), ensured: make(map[string]int)}
}

// Initialize creates the schema registry and link tables.
func (p *Postgres) Initialize(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin schema transaction")
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range registryDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to execute registry DDL %q", firstLine(stmt))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit registry DDL")
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func quote(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

func (p *Postgres) Ping(ctx context.Context) error {
	stats := p.db.Stats()
	metrics.ObservePoolStats(storeLabel, stats.InUse, stats.Idle)
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error { return p.db.Close() }

const schemaColumns = `kind_major, kind_minor, attr_name, data_type, storage_type, is_nullable, table_name, columns::text`

func scanSchema(row interface{ Scan(...any) error }) (*apptype.AttributeSchema, error) {
	var s apptype.AttributeSchema
	var dataType, storageType, cols string
	if err := row.Scan(&s.KindMajor, &s.KindMinor, &s.AttrName, &dataType, &storageType, &s.IsNullable, &s.TableName, &cols); err != nil {
		return nil, err
	}
	s.DataType = apptype.DataType(dataType)
	s.StorageType = apptype.StorageType(storageType)
	if cols != "" {
		if err := json.Unmarshal([]byte(cols), &s.Columns); err != nil {
			return nil, errors.Wrap(err, "failed to decode schema columns")
		}
	}
	if len(s.Columns) == 0 {
		s.Columns = nil
	}
	return &s, nil
}

func (p *Postgres) GetSchema(ctx context.Context, kindMajor, kindMinor, attrName string) (*apptype.AttributeSchema, error) {
	done := metrics.TimeOp(storeLabel, "get_schema")
	success := false
	defer func() { done(success) }()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM attribute_schemas WHERE kind_major = $1 AND kind_minor = $2 AND attr_name = $3`,
		kindMajor, kindMinor, attrName)
	s, err := scanSchema(row)
	if errors.Is(err, sql.ErrNoRows) {
		success = true
		return nil, errors.NewNotFoundError("no schema for attribute %q of kind %s/%s", attrName, kindMajor, kindMinor)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schema for %q", attrName)
	}
	success = true
	return s, nil
}

func (p *Postgres) FindSchemaByTable(ctx context.Context, table string) (*apptype.AttributeSchema, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM attribute_schemas WHERE table_name = $1 ORDER BY id LIMIT 1`, table)
	s, err := scanSchema(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no schema bound to table %s", table)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find schema for table %s", table)
	}
	return s, nil
}

func (p *Postgres) CreateSchema(ctx context.Context, s apptype.AttributeSchema) (*apptype.AttributeSchema, error) {
	done := metrics.TimeOp(storeLabel, "create_schema")
	success := false
	defer func() { done(success) }()

	cols, err := json.Marshal(columnsOrEmpty(s.Columns))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode schema columns")
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO attribute_schemas (kind_major, kind_minor, attr_name, data_type, storage_type, is_nullable, table_name, columns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (kind_major, kind_minor, attr_name) DO NOTHING`,
		s.KindMajor, s.KindMinor, s.AttrName, string(s.DataType), string(s.StorageType), s.IsNullable, s.TableName, string(cols))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create schema for %q", s.AttrName)
	}
	stored, err := p.GetSchema(ctx, s.KindMajor, s.KindMinor, s.AttrName)
	if err != nil {
		return nil, err
	}
	success = true
	return stored, nil
}

func columnsOrEmpty(cols []apptype.Column) []apptype.Column {
	if cols == nil {
		return []apptype.Column{}
	}
	return cols
}

func (p *Postgres) UpdateSchema(ctx context.Context, s apptype.AttributeSchema) error {
	cols, err := json.Marshal(columnsOrEmpty(s.Columns))
	if err != nil {
		return errors.Wrap(err, "failed to encode schema columns")
	}
	_, err = p.db.ExecContext(ctx,
		`UPDATE attribute_schemas SET columns = $4::jsonb, is_nullable = $5
		WHERE kind_major = $1 AND kind_minor = $2 AND attr_name = $3`,
		s.KindMajor, s.KindMinor, s.AttrName, string(cols), s.IsNullable)
	if err != nil {
		return errors.Wrapf(err, "failed to update schema for %q", s.AttrName)
	}
	return nil
}

// EnsureTable issues DDL under a transaction-scoped advisory lock keyed by
// the table name. Tables already ensured by this process are skipped.
func (p *Postgres) EnsureTable(ctx context.Context, s apptype.AttributeSchema) error {
	tabular := s.StorageType == apptype.StorageTabular
	want := 0
	if tabular {
		if err := checkColumnNames(s.Columns); err != nil {
			return err
		}
		want = len(s.Columns)
	}
	p.mu.Lock()
	have, ok := p.ensured[s.TableName]
	p.mu.Unlock()
	if ok && have >= want {
		return nil
	}

	done := metrics.TimeOp(storeLabel, "ensure_table")
	success := false
	defer func() { done(success) }()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin DDL transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.TableName); err != nil {
		return errors.Wrapf(err, "failed to lock table %s", s.TableName)
	}

	table := quote(s.TableName)
	var create string
	if tabular {
		create = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			version_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			row_id INTEGER NOT NULL,
			PRIMARY KEY (version_id, row_id)
		)`, table)
	} else {
		create = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			version_id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			value %s
		)`, table, SQLType(s.StorageType, s.DataType))
	}
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return errors.Wrapf(err, "failed to create table %s", s.TableName)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (entity_id, start_time)`,
		quote(truncateIdent(s.TableName+"_entity_idx", s.TableName)), table)
	if _, err := tx.ExecContext(ctx, index); err != nil {
		return errors.Wrapf(err, "failed to index table %s", s.TableName)
	}
	for _, c := range s.Columns {
		if !tabular {
			break
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
			table, quote(ColumnName(c.Name)), SQLType(apptype.StorageScalar, c.Type))
		if _, err := tx.ExecContext(ctx, alter); err != nil {
			return errors.Wrapf(err, "failed to add column %q to %s", c.Name, s.TableName)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit DDL for %s", s.TableName)
	}

	p.mu.Lock()
	p.ensured[s.TableName] = want
	p.mu.Unlock()
	p.log.Debugw("ensured attribute table", "table", s.TableName, "storage", s.StorageType, "columns", want)
	success = true
	return nil
}

func (p *Postgres) LinkAttribute(ctx context.Context, entityID, attrName, table string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO entity_attributes (entity_id, attr_name, table_name) VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, attr_name) DO NOTHING`, entityID, attrName, table)
	if err != nil {
		return errors.Wrapf(err, "failed to link attribute %q to entity %s", attrName, entityID)
	}
	return nil
}

func (p *Postgres) ListEntityAttributes(ctx context.Context, entityID string) ([]AttributeLink, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT attr_name, table_name FROM entity_attributes WHERE entity_id = $1 ORDER BY attr_name`, entityID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list attributes of entity %s", entityID)
	}
	defer rows.Close()
	var links []AttributeLink
	for rows.Next() {
		l := AttributeLink{EntityID: entityID}
		if err := rows.Scan(&l.AttrName, &l.TableName); err != nil {
			return nil, errors.Wrap(err, "failed to scan attribute link")
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate attribute links")
	}
	return links, nil
}

func (p *Postgres) InsertVersion(ctx context.Context, s apptype.AttributeSchema, v Version) error {
	done := metrics.TimeOp(storeLabel, "insert_version")
	success := false
	defer func() { done(success) }()

	start := normaliseTime(v.Start)
	var end any
	if v.End != nil {
		end = normaliseTime(*v.End)
	}
	table := quote(s.TableName)

	if s.StorageType != apptype.StorageTabular {
		var arg any
		var err error
		placeholder := "$5"
		if SQLType(s.StorageType, s.DataType) == "JSONB" {
			arg, err = toJSON(v.Value)
			placeholder = "$5::jsonb"
		} else {
			arg, err = toSQL(s.DataType, v.Value)
		}
		if err != nil {
			return err
		}
		_, err = p.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (version_id, entity_id, start_time, end_time, value) VALUES ($1, $2, $3, $4, %s)`, table, placeholder),
			v.VersionID, v.EntityID, start, end, arg)
		if err != nil {
			return errors.Wrapf(err, "failed to insert value into %s", s.TableName)
		}
		success = true
		return nil
	}

	cols := make([]string, 0, len(s.Columns)+5)
	cols = append(cols, "version_id", "entity_id", "start_time", "end_time", "row_id")
	for _, c := range s.Columns {
		cols = append(cols, quote(ColumnName(c.Name)))
	}
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin insert transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows := v.Rows
	if len(rows) == 0 {
		// an empty table is recorded as a single marker row
		rows = [][]any{nil}
	}
	for i, row := range rows {
		rowID := i
		if row == nil {
			rowID = -1
		}
		args := []any{v.VersionID, v.EntityID, start, end, rowID}
		for j, c := range s.Columns {
			var cell any
			if j < len(row) {
				cell = row[j]
			}
			arg, err := toSQL(c.Type, cell)
			if err != nil {
				return errors.Wrapf(err, "row %d column %q", i, c.Name)
			}
			args = append(args, arg)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrapf(err, "failed to insert row %d into %s", i, s.TableName)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit rows into %s", s.TableName)
	}
	success = true
	return nil
}

func (p *Postgres) CloseVersion(ctx context.Context, s apptype.AttributeSchema, entityID, versionID string, end time.Time) error {
	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET end_time = $1 WHERE entity_id = $2 AND version_id = $3`, quote(s.TableName)),
		normaliseTime(end), entityID, versionID)
	if err != nil {
		return errors.Wrapf(err, "failed to close version %s in %s", versionID, s.TableName)
	}
	return nil
}

func (p *Postgres) ListVersions(ctx context.Context, s apptype.AttributeSchema, entityID string, at *time.Time) ([]Version, error) {
	done := metrics.TimeOp(storeLabel, "list_versions")
	success := false
	defer func() { done(success) }()

	tabular := s.StorageType == apptype.StorageTabular
	jsonValue := !tabular && SQLType(s.StorageType, s.DataType) == "JSONB"

	sel := []string{"version_id", "start_time", "end_time"}
	switch {
	case tabular:
		sel = append(sel, "row_id")
		for _, c := range s.Columns {
			sel = append(sel, quote(ColumnName(c.Name)))
		}
	case jsonValue:
		sel = append(sel, "value::text")
	default:
		sel = append(sel, "value")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE entity_id = $1`, strings.Join(sel, ", "), quote(s.TableName))
	args := []any{entityID}
	if at != nil {
		query += ` AND start_time <= $2 AND (end_time IS NULL OR end_time >= $2)`
		args = append(args, normaliseTime(*at))
	}
	query += ` ORDER BY start_time, version_id`
	if tabular {
		query += `, row_id`
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query versions in %s", s.TableName)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var (
			versionID string
			start     time.Time
			end       sql.NullTime
		)
		dest := []any{&versionID, &start, &end}
		var rowID int
		cells := make([]any, len(sel)-3)
		if tabular {
			dest = append(dest, &rowID)
			cells = cells[1:]
		}
		for i := range cells {
			dest = append(dest, &cells[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrapf(err, "failed to scan version in %s", s.TableName)
		}

		if tabular && len(out) > 0 && out[len(out)-1].VersionID == versionID {
			last := &out[len(out)-1]
			if rowID >= 0 {
				row, err := scannedRow(s.Columns, cells)
				if err != nil {
					return nil, err
				}
				last.Rows = append(last.Rows, row)
			}
			continue
		}

		v := Version{VersionID: versionID, EntityID: entityID, Start: start.UTC()}
		if end.Valid {
			t := end.Time.UTC()
			v.End = &t
		}
		switch {
		case tabular:
			v.Rows = [][]any{}
			if rowID >= 0 {
				row, err := scannedRow(s.Columns, cells)
				if err != nil {
					return nil, err
				}
				v.Rows = append(v.Rows, row)
			}
		case jsonValue:
			if v.Value, err = fromJSON(cells[0]); err != nil {
				return nil, errors.Wrapf(err, "failed to decode value in %s", s.TableName)
			}
		default:
			if v.Value, err = fromSQL(s.DataType, cells[0]); err != nil {
				return nil, err
			}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate versions in %s", s.TableName)
	}
	success = true
	return out, nil
}

func scannedRow(cols []apptype.Column, cells []any) ([]any, error) {
	row := make([]any, len(cols))
	for j, c := range cols {
		v, err := fromSQL(c.Type, cells[j])
		if err != nil {
			return nil, err
		}
		row[j] = v
	}
	return row, nil
}

func (p *Postgres) DeleteEntity(ctx context.Context, entityID string) error {
	done := metrics.TimeOp(storeLabel, "delete_entity")
	success := false
	defer func() { done(success) }()

	links, err := p.ListEntityAttributes(ctx, entityID)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin delete transaction")
	}
	defer func() { _ = tx.Rollback() }()

	seen := make(map[string]bool, len(links))
	for _, l := range links {
		if seen[l.TableName] {
			continue
		}
		seen[l.TableName] = true
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE entity_id = $1`, quote(l.TableName)), entityID); err != nil {
			return errors.Wrapf(err, "failed to delete values from %s", l.TableName)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_attributes WHERE entity_id = $1`, entityID); err != nil {
		return errors.Wrap(err, "failed to delete attribute links")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit delete")
	}
	success = true
	return nil
}
