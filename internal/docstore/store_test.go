package docstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "docs.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestPutGetMergeDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "e1", map[string]any{"department": "engineering", "level": 3}))
	doc, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"department": "engineering", "level": json.Number("3")}, doc)

	require.NoError(t, s.Merge(ctx, "e1", map[string]any{"level": 4, "remote": true}))
	doc, err = s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "engineering", doc["department"])
	assert.Equal(t, json.Number("4"), doc["level"])
	assert.Equal(t, true, doc["remote"])

	// merge creates missing documents
	require.NoError(t, s.Merge(ctx, "e2", map[string]any{"a": "b"}))
	_, err = s.Get(ctx, "e2")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "e1", nil))
	doc, err = s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, doc)

	require.NoError(t, s.Delete(ctx, "e1"))
	_, err = s.Get(ctx, "e1")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.Delete(ctx, "e1")))
}

func TestFindIDs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "e2", map[string]any{"department": "engineering", "level": 3, "remote": true}))
	require.NoError(t, s.Put(ctx, "e1", map[string]any{"department": "engineering", "level": 2.5, "tags": []any{"go", "sql"}}))
	require.NoError(t, s.Put(ctx, "e3", map[string]any{"department": "sales", "level": 3, "manager": nil}))

	ids, err := s.FindIDs(ctx, map[string]any{"department": "engineering"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)

	ids, err = s.FindIDs(ctx, map[string]any{"level": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e3"}, ids)

	ids, err = s.FindIDs(ctx, map[string]any{"level": 3.0, "department": "sales"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, ids)

	ids, err = s.FindIDs(ctx, map[string]any{"remote": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, ids)

	ids, err = s.FindIDs(ctx, map[string]any{"manager": nil})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, ids)

	ids, err = s.FindIDs(ctx, map[string]any{"tags": []any{"go", "sql"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids)

	// a string never matches a number
	ids, err = s.FindIDs(ctx, map[string]any{"level": "3"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.FindIDs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids)
}
