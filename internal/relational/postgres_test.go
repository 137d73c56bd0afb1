package relational

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db, zaptest.NewLogger(t).Sugar()), mock
}

var schemaCols = []string{"kind_major", "kind_minor", "attr_name", "data_type", "storage_type", "is_nullable", "table_name", "columns"}

func salarySchema() apptype.AttributeSchema {
	return apptype.AttributeSchema{
		KindMajor:   "Person",
		KindMinor:   "Employee",
		AttrName:    "salary",
		DataType:    apptype.TypeInt,
		StorageType: apptype.StorageScalar,
		TableName:   TableName("Person", "salary"),
	}
}

func TestPostgresInitialize(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	for range registryDDL {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, p.Initialize(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSchema(t *testing.T) {
	p, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM attribute_schemas WHERE kind_major = $1 AND kind_minor = $2 AND attr_name = $3")).
		WithArgs("Person", "Employee", "salary").
		WillReturnRows(sqlmock.NewRows(schemaCols).
			AddRow("Person", "Employee", "salary", "int", "SCALAR", false, "attr_person_salary", "[]"))

	s, err := p.GetSchema(ctx, "Person", "Employee", "salary")
	require.NoError(t, err)
	assert.Equal(t, apptype.TypeInt, s.DataType)
	assert.Equal(t, apptype.StorageScalar, s.StorageType)
	assert.Nil(t, s.Columns)

	mock.ExpectQuery(regexp.QuoteMeta("FROM attribute_schemas WHERE kind_major = $1")).
		WithArgs("Person", "Employee", "bonus").
		WillReturnRows(sqlmock.NewRows(schemaCols))

	_, err = p.GetSchema(ctx, "Person", "Employee", "bonus")
	assert.True(t, errors.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateSchemaIsGetOrCreate(t *testing.T) {
	p, mock := newMockStore(t)
	s := salarySchema()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (kind_major, kind_minor, attr_name) DO NOTHING")).
		WithArgs("Person", "Employee", "salary", "int", "SCALAR", false, "attr_person_salary", "[]").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// another writer registered the attribute first with a different type
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribute_schemas WHERE kind_major = $1")).
		WillReturnRows(sqlmock.NewRows(schemaCols).
			AddRow("Person", "Employee", "salary", "string", "SCALAR", false, "attr_person_salary", "[]"))

	stored, err := p.CreateSchema(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, apptype.TypeString, stored.DataType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureTableLocksAndCaches(t *testing.T) {
	p, mock := newMockStore(t)
	ctx := context.Background()
	s := salarySchema()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("attr_person_salary").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "attr_person_salary"`) + "(?s).*" + regexp.QuoteMeta("value BIGINT")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "attr_person_salary_entity_idx" ON "attr_person_salary"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, p.EnsureTable(ctx, s))
	// cached: no further statements
	require.NoError(t, p.EnsureTable(ctx, s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureTableAddsTabularColumns(t *testing.T) {
	p, mock := newMockStore(t)
	s := apptype.AttributeSchema{
		KindMajor:   "Organisation",
		AttrName:    "expenses",
		DataType:    apptype.TypeMap,
		StorageType: apptype.StorageTabular,
		TableName:   TableName("Organisation", "expenses"),
		Columns:     []apptype.Column{{Name: "Month", Type: apptype.TypeString}, {Name: "Amount", Type: apptype.TypeFloat}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("row_id INTEGER NOT NULL")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "attr_organisation_expenses" ADD COLUMN IF NOT EXISTS "c_month" TEXT`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ADD COLUMN IF NOT EXISTS "c_amount" DOUBLE PRECISION`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, p.EnsureTable(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertAndListScalar(t *testing.T) {
	p, mock := newMockStore(t)
	ctx := context.Background()
	s := salarySchema()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "attr_person_salary" (version_id, entity_id, start_time, end_time, value) VALUES ($1, $2, $3, $4, $5)`)).
		WithArgs("v1", "e1", start, nil, int64(100000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.InsertVersion(ctx, s, Version{
		VersionID: "v1", EntityID: "e1", Start: start, Value: json.Number("100000"),
	}))

	at := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version_id, start_time, end_time, value FROM "attr_person_salary" WHERE entity_id = $1 AND start_time <= $2 AND (end_time IS NULL OR end_time >= $2) ORDER BY start_time, version_id`)).
		WithArgs("e1", at).
		WillReturnRows(sqlmock.NewRows([]string{"version_id", "start_time", "end_time", "value"}).
			AddRow("v1", start, nil, int64(100000)))

	versions, err := p.ListVersions(ctx, s, "e1", &at)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, json.Number("100000"), versions[0].Value)
	assert.Nil(t, versions[0].End)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertRejectsMismatchedValue(t *testing.T) {
	p, mock := newMockStore(t)
	err := p.InsertVersion(context.Background(), salarySchema(), Version{
		VersionID: "v1", EntityID: "e1", Start: time.Now(), Value: "not a number",
	})
	assert.True(t, errors.IsValidation(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJSONValueRoundTrip(t *testing.T) {
	p, mock := newMockStore(t)
	ctx := context.Background()
	s := apptype.AttributeSchema{
		KindMajor: "Person", AttrName: "skills",
		DataType: apptype.TypeString, StorageType: apptype.StorageList,
		TableName: TableName("Person", "skills"),
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5::jsonb)`)).
		WithArgs("v1", "e1", start, nil, `["go","sql"]`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.InsertVersion(ctx, s, Version{
		VersionID: "v1", EntityID: "e1", Start: start, Value: []any{"go", "sql"},
	}))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version_id, start_time, end_time, value::text FROM "attr_person_skills" WHERE entity_id = $1 ORDER BY start_time, version_id`)).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"version_id", "start_time", "end_time", "value"}).
			AddRow("v1", start, nil, `["go", "sql"]`))
	versions, err := p.ListVersions(ctx, s, "e1", nil)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, []any{"go", "sql"}, versions[0].Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTabularRowsGroupByVersion(t *testing.T) {
	p, mock := newMockStore(t)
	ctx := context.Background()
	s := apptype.AttributeSchema{
		KindMajor: "Organisation", AttrName: "expenses",
		DataType: apptype.TypeMap, StorageType: apptype.StorageTabular,
		TableName: TableName("Organisation", "expenses"),
		Columns:   []apptype.Column{{Name: "Month", Type: apptype.TypeString}, {Name: "Amount", Type: apptype.TypeInt}},
	}
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version_id, start_time, end_time, row_id, "c_month", "c_amount" FROM "attr_organisation_expenses"`)).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"version_id", "start_time", "end_time", "row_id", "c_month", "c_amount"}).
			AddRow("v1", t1, t2, 0, "Jan", int64(10)).
			AddRow("v1", t1, t2, 1, "Feb", int64(12)).
			AddRow("v2", t2, nil, -1, nil, nil))

	versions, err := p.ListVersions(ctx, s, "org-1", nil)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, [][]any{{"Jan", json.Number("10")}, {"Feb", json.Number("12")}}, versions[0].Rows)
	require.NotNil(t, versions[0].End)
	assert.Empty(t, versions[1].Rows, "marker row carries no cells")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteEntity(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT attr_name, table_name FROM entity_attributes WHERE entity_id = $1")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"attr_name", "table_name"}).
			AddRow("salary", "attr_person_salary").
			AddRow("skills", "attr_person_skills"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "attr_person_salary" WHERE entity_id = $1`)).WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "attr_person_skills" WHERE entity_id = $1`)).WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM entity_attributes WHERE entity_id = $1")).WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, p.DeleteEntity(context.Background(), "e1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableNaming(t *testing.T) {
	assert.Equal(t, "attr_person_salary", TableName("Person", "salary"))
	assert.Equal(t, "attr_person_base_salary", TableName("Person", "Base Salary"))
	assert.Equal(t, "attr_person_drop_table_x", TableName("Person", `"; DROP TABLE x; --`))

	long := TableName("Organisation", "an extremely long attribute name that keeps going well past the limit")
	assert.LessOrEqual(t, len(long), 63)
	other := TableName("Organisation", "an extremely long attribute name that keeps going well past the limit!")
	assert.NotEqual(t, long, other)

	assert.Equal(t, "c_month", ColumnName("Month"))
	assert.True(t, errors.IsValidation(checkColumnNames([]apptype.Column{{Name: "A b"}, {Name: "a_b"}})))
}
