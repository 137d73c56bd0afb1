package graphstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	config := NewConfig()
	// A named shared in-memory database per test; shared cache lets every
	// pooled connection see the same data.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	config.URL = "file:" + name + "?mode=memory&cache=shared"
	s, err := Open(context.Background(), config, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func addNode(t *testing.T, s *Store, id, major, minor, name string) {
	t.Helper()
	n := Node{ID: id, Kind: apptype.Kind{Major: major, Minor: minor}, Created: day(2024, 1, 1)}
	require.NoError(t, s.CreateNode(context.Background(), n, &NameVersion{Value: name, Start: day(2024, 1, 1)}))
}

func addEdge(t *testing.T, s *Store, id, from, to, typ string) {
	t.Helper()
	require.NoError(t, s.CreateEdge(context.Background(), Edge{ID: id, Source: from, Target: to, Type: typ, CreatedAt: day(2024, 1, 1)}))
}

func TestNodeLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	addNode(t, s, "e1", "Person", "Employee", "Alice")

	n, err := s.GetNode(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, apptype.Kind{Major: "Person", Minor: "Employee"}, n.Kind)
	assert.Equal(t, "Alice", n.Name)
	assert.True(t, n.Created.Equal(day(2024, 1, 1)))
	assert.Nil(t, n.Terminated)

	err = s.CreateNode(ctx, Node{ID: "e1", Kind: n.Kind, Created: day(2024, 1, 1)}, nil)
	assert.True(t, errors.IsConflict(err))

	ok, err := s.Exists(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.SetTerminated(ctx, "e1", day(2025, 1, 1)))
	n, err = s.GetNode(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, n.Terminated)
	assert.True(t, n.Terminated.Equal(day(2025, 1, 1)))

	require.NoError(t, s.DeleteNode(ctx, "e1"))
	_, err = s.GetNode(ctx, "e1")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.DeleteNode(ctx, "e1")))
}

func TestNameHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	addNode(t, s, "e1", "Person", "Employee", "Alice")
	first := day(2024, 1, 1)
	closeAt := day(2024, 6, 1).Add(-time.Microsecond)
	require.NoError(t, s.PutName(ctx, "e1", NameVersion{Value: "Alice Smith", Start: day(2024, 6, 1)}, &first, closeAt))

	names, err := s.ListNames(ctx, "e1", nil)
	require.NoError(t, err)
	require.Len(t, names, 2)
	require.NotNil(t, names[0].End)
	assert.True(t, names[0].End.Equal(closeAt))
	assert.Nil(t, names[1].End)

	at := day(2024, 3, 1)
	names, err = s.ListNames(ctx, "e1", &at)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "Alice", names[0].Value)

	n, err := s.GetNode(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", n.Name)
}

func TestEdgesAreStoredOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	addNode(t, s, "a", "Person", "Employee", "A")
	addNode(t, s, "b", "Person", "Employee", "B")
	addEdge(t, s, "r1", "a", "b", "reports_to")

	out, err := s.ListEdges(ctx, EdgeFilter{NodeID: "a", Direction: apptype.DirectionOutgoing})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].ID)

	in, err := s.ListEdges(ctx, EdgeFilter{NodeID: "b", Direction: apptype.DirectionIncoming})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "r1", in[0].ID)

	none, err := s.ListEdges(ctx, EdgeFilter{NodeID: "b", Direction: apptype.DirectionOutgoing})
	require.NoError(t, err)
	assert.Empty(t, none)

	both, err := s.ListEdges(ctx, EdgeFilter{NodeID: "b", RelatedID: "a"})
	require.NoError(t, err)
	assert.Len(t, both, 1)

	err = s.CreateEdge(ctx, Edge{ID: "r1", Source: "a", Target: "b", Type: "reports_to", CreatedAt: day(2024, 1, 1)})
	assert.True(t, errors.IsConflict(err))
	err = s.CreateEdge(ctx, Edge{ID: "r2", Source: "a", Target: "missing", Type: "reports_to", CreatedAt: day(2024, 1, 1)})
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.TerminateEdge(ctx, "r1", day(2024, 6, 30)))
	at := day(2024, 8, 1)
	active, err := s.ListEdges(ctx, EdgeFilter{NodeID: "a", ActiveAt: &at})
	require.NoError(t, err)
	assert.Empty(t, active)

	// deleting the target removes the edge from its owner too
	require.NoError(t, s.DeleteNode(ctx, "b"))
	out, err = s.ListEdges(ctx, EdgeFilter{NodeID: "a"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFindNodes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	addNode(t, s, "e2", "Person", "Employee", "Bob")
	addNode(t, s, "e1", "Person", "Employee", "Alice")
	addNode(t, s, "c1", "Person", "Contractor", "Carol")
	addNode(t, s, "o1", "Organisation", "Company", "Acme")

	ids, err := s.FindNodes(ctx, NodeFilter{Kind: &apptype.Kind{Major: "Person"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "e1", "e2"}, ids)

	ids, err = s.FindNodes(ctx, NodeFilter{Kind: &apptype.Kind{Major: "Person", Minor: "Employee"}, Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, ids)

	ids, err = s.FindNodes(ctx, NodeFilter{IDs: []string{"o1", "e1", "zz"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "o1"}, ids)

	before := day(2023, 1, 1)
	ids, err = s.FindNodes(ctx, NodeFilter{ActiveAt: &before})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTraverseAndShortestPath(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// a -> b -> c, a -> d, c -> a
	for _, id := range []string{"a", "b", "c"} {
		addNode(t, s, id, "Person", "Employee", strings.ToUpper(id))
	}
	addNode(t, s, "d", "Organisation", "Team", "D")
	addEdge(t, s, "ab", "a", "b", "reports_to")
	addEdge(t, s, "bc", "b", "c", "reports_to")
	addEdge(t, s, "ad", "a", "d", "member_of")
	addEdge(t, s, "ca", "c", "a", "reports_to")

	hits, err := s.Traverse(ctx, "a", 1, apptype.DirectionOutgoing, "", nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "d", hits[1].ID)
	assert.Equal(t, 1, hits[0].Depth)

	hits, err = s.Traverse(ctx, "a", 5, apptype.DirectionOutgoing, "reports_to", nil)
	require.NoError(t, err)
	require.Len(t, hits, 2, "cycle back to the seed is not followed")
	assert.Equal(t, "c", hits[1].ID)
	assert.Equal(t, 2, hits[1].Depth)

	hits, err = s.Traverse(ctx, "a", 3, apptype.DirectionBoth, "", &apptype.Kind{Major: "Organisation"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d", hits[0].ID)

	_, err = s.Traverse(ctx, "a", 0, apptype.DirectionBoth, "", nil)
	assert.True(t, errors.IsValidation(err))

	nodes, edges, err := s.ShortestPath(ctx, "a", "c", apptype.DirectionOutgoing, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, nodes)
	require.Len(t, edges, 2)
	assert.Equal(t, "ab", edges[0].ID)
	assert.Equal(t, "bc", edges[1].ID)

	nodes, _, err = s.ShortestPath(ctx, "a", "c", apptype.DirectionBoth, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, nodes)

	nodes, _, err = s.ShortestPath(ctx, "a", "c", apptype.DirectionOutgoing, 1)
	require.NoError(t, err)
	assert.Empty(t, nodes, "depth bound stops the search")

	nodes, _, err = s.ShortestPath(ctx, "d", "a", apptype.DirectionOutgoing, 5)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestStoredTimesReadBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	created := time.Date(2024, 3, 5, 12, 30, 15, 123456000, time.UTC)
	require.NoError(t, s.CreateNode(ctx, Node{ID: "e1", Kind: apptype.Kind{Major: "Person"}, Created: created},
		&NameVersion{Value: "Alice", Start: day(2024, 1, 1)}))
	addNode(t, s, "e2", "Person", "", "Bob")
	addEdge(t, s, "r1", "e1", "e2", "knows")

	n, err := s.GetNode(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, n.Created.Equal(created), n.Created)

	names, err := s.ListNames(ctx, "e1", nil)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.True(t, names[0].Start.Equal(day(2024, 1, 1)))
	assert.Nil(t, names[0].End)

	e, err := s.GetEdge(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, e.CreatedAt.Equal(day(2024, 1, 1)))
	assert.Nil(t, e.TerminatedAt)
}

func TestDateLikeValuesReadBackVerbatim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	addNode(t, s, "2024-05-06", "Event", "", "2024-05-06")
	addNode(t, s, "2024-05-07", "Event", "", "12:00:00")
	addEdge(t, s, "2024-06-01", "2024-05-06", "2024-05-07", "precedes")

	ids, err := s.FindNodes(ctx, NodeFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-06", "2024-05-07"}, ids)

	n, err := s.GetNode(ctx, "2024-05-06")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-06", n.ID)
	assert.Equal(t, "2024-05-06", n.Name)

	names, err := s.ListNames(ctx, "2024-05-07", nil)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "12:00:00", names[0].Value)

	in, err := s.ListEdges(ctx, EdgeFilter{NodeID: "2024-05-07", Direction: apptype.DirectionIncoming})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "2024-06-01", in[0].ID)
	assert.Equal(t, "2024-05-06", in[0].Source)
	assert.Equal(t, "2024-05-07", in[0].Target)
	assert.Equal(t, "precedes", in[0].Type)

	hits, err := s.Traverse(ctx, "2024-05-06", 1, apptype.DirectionOutgoing, "", nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "2024-05-07", hits[0].ID)
	assert.Equal(t, "12:00:00", hits[0].Name)

	nodes, edges, err := s.ShortestPath(ctx, "2024-05-07", "2024-05-06", apptype.DirectionBoth, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-07", "2024-05-06"}, nodes)
	assert.Len(t, edges, 1)
}
