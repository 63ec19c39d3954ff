package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/mend/internal/faults"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()

	db, err := Open(t.TempDir(), opts...)
	require.NoError(t, err, "failed to open database")
	t.Cleanup(func() { db.Close() })
	return db
}

func addNode(t *testing.T, db *DB, id, nodeType, content string, created time.Time) *Node {
	t.Helper()
	n := &Node{ID: id, Type: nodeType, Content: content, CreatedAt: created}
	_, err := db.CreateNode(context.Background(), n)
	require.NoError(t, err)
	return n
}

func link(t *testing.T, db *DB, from, to string) {
	t.Helper()
	created, err := db.CreateEdge(context.Background(), EdgeSpec{
		FromID: from, ToID: to, Type: EdgeSimilarTo,
		Provenance: Provenance{Subsystem: "test", Reason: "fixture"},
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestCreateNodeAssignsID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id, err := db.CreateNode(ctx, &Node{Type: TypeObservation, Content: "saw a heron by the river",
		Properties: Properties{"confidence": 0.9, "tags": []string{"bird", "river"}}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := db.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TypeObservation, got.Type)
	assert.Equal(t, "saw a heron by the river", got.Content)
	conf, ok := got.Properties.Float("confidence")
	assert.True(t, ok)
	assert.Equal(t, 0.9, conf)
	assert.Equal(t, []string{"bird", "river"}, got.Properties.Strings("tags"))
	assert.False(t, got.IsArchived())

	_, err = db.CreateNode(ctx, &Node{Content: "no type"})
	assert.True(t, errors.Is(err, faults.ErrMalformed))
}

func TestGetNodeMissing(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetNode(context.Background(), "nope")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestCreateEdgeIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	addNode(t, db, "a", TypeObservation, "first node content here", now)
	addNode(t, db, "b", TypeObservation, "second node content here", now)

	spec := EdgeSpec{FromID: "a", ToID: "b", Type: EdgeSameType,
		Provenance: Provenance{Subsystem: "reconcile", Strategy: "type_cluster", Reason: "same type"}}

	created, err := db.CreateEdge(ctx, spec)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.CreateEdge(ctx, spec)
	require.NoError(t, err)
	assert.False(t, created, "second insert should report already connected")

	// A different type between the same pair is a different edge
	spec.Type = EdgeTemporallyColocated
	created, err = db.CreateEdge(ctx, spec)
	require.NoError(t, err)
	assert.True(t, created)

	edges, err := db.EdgesOf(ctx, "a")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, 1.0, edges[0].Weight)
	prov, ok := edges[0].Properties["provenance"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "reconcile", prov["subsystem"])
	assert.Equal(t, "type_cluster", prov["strategy"])
}

func TestCreateEdgeMissingEndpoint(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addNode(t, db, "a", TypeObservation, "only node in the graph", time.Now())

	_, err := db.CreateEdge(ctx, EdgeSpec{FromID: "a", ToID: "ghost", Type: EdgeSameType})
	assert.True(t, errors.Is(err, faults.ErrNotFound))

	_, err = db.CreateEdge(ctx, EdgeSpec{FromID: "a", ToID: "a", Type: EdgeSameType})
	assert.True(t, errors.Is(err, faults.ErrMalformed))

	require.NoError(t, db.ArchiveNode(ctx, "a", "test"))
	addNode(t, db, "b", TypeObservation, "another node in the graph", time.Now())
	_, err = db.CreateEdge(ctx, EdgeSpec{FromID: "b", ToID: "a", Type: EdgeSameType})
	assert.True(t, errors.Is(err, faults.ErrNotFound), "archived endpoint behaves as missing")
}

func TestFindOrphans(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Hour)

	addNode(t, db, "old", TypeObservation, "oldest orphan observation", base)
	addNode(t, db, "mid", TypeBelief, "a belief without support", base.Add(time.Hour))
	addNode(t, db, "new", TypeObservation, "newest orphan observation", base.Add(2*time.Hour))
	addNode(t, db, "x", TypeObservation, "connected node one", base)
	addNode(t, db, "y", TypeObservation, "connected node two", base)
	addNode(t, db, "gone", TypeObservation, "archived orphan", base)
	_, err := db.EnsureNode(ctx, &Node{ID: ForceHubID, Type: TypeHub, Content: "force hub"})
	require.NoError(t, err)
	link(t, db, "x", "y")
	require.NoError(t, db.ArchiveNode(ctx, "gone", "test"))

	orphans, err := db.FindOrphans(ctx, 10)
	require.NoError(t, err)
	var ids []string
	for _, n := range orphans {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"old", "mid", "new"}, ids, "oldest first, no hubs, no archived, no connected")

	count, err := db.CountOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	limited, err := db.FindOrphans(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	byType, err := db.FindOrphansByType(ctx, TypeObservation, "old", 10)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "new", byType[0].ID)

	window, err := db.FindOrphansCreatedBetween(ctx, base.Add(-time.Minute), base.Add(90*time.Minute), "old", 10)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "mid", window[0].ID)

	older, err := db.FindOrphansOlderThan(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "old", older[0].ID)
}

func TestIsOrphan(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addNode(t, db, "a", TypeObservation, "node a has some content", time.Now())
	addNode(t, db, "b", TypeObservation, "node b has some content", time.Now())

	orphan, err := db.IsOrphan(ctx, "a")
	require.NoError(t, err)
	assert.True(t, orphan)

	link(t, db, "b", "a")
	orphan, err = db.IsOrphan(ctx, "a")
	require.NoError(t, err)
	assert.False(t, orphan, "incoming edge counts")

	_, err = db.IsOrphan(ctx, "missing")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestCountRecentEdges(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	db := setupTestDB(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		addNode(t, db, fmt.Sprintf("n%d", i), TypeObservation, "some content for the node", now)
	}

	clock = now.Add(-2 * time.Hour)
	link(t, db, "n0", "n1")
	clock = now.Add(-10 * time.Minute)
	link(t, db, "n1", "n2")
	link(t, db, "n2", "n3")
	clock = now

	count, err := db.CountRecentEdges(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = db.CountRecentEdges(ctx, 3*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMostConnectedOfType(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	addNode(t, db, "goal-a", TypeGoal, "learn to play the cello", now)
	addNode(t, db, "goal-b", TypeGoal, "run a half marathon", now)
	addNode(t, db, "goal-new", TypeGoal, "write a novel this year", now)
	addNode(t, db, "o1", TypeObservation, "practised scales today", now)
	addNode(t, db, "o2", TypeObservation, "ran five kilometres", now)
	addNode(t, db, "o3", TypeObservation, "bought new strings", now)
	link(t, db, "o1", "goal-a")
	link(t, db, "o3", "goal-a")
	link(t, db, "o2", "goal-b")

	hub, err := db.MostConnectedOfType(ctx, TypeGoal, "goal-new")
	require.NoError(t, err)
	assert.Equal(t, "goal-a", hub.ID)

	_, err = db.MostConnectedOfType(ctx, "Desire", "x")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestDeleteNodeCascades(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addNode(t, db, "a", TypeObservation, "node a has some content", time.Now())
	addNode(t, db, "b", TypeObservation, "node b has some content", time.Now())
	link(t, db, "a", "b")

	require.NoError(t, db.DeleteNode(ctx, "a"))
	orphan, err := db.IsOrphan(ctx, "b")
	require.NoError(t, err)
	assert.True(t, orphan)

	err = db.DeleteNode(ctx, "a")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestApplyIsAtomic(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addNode(t, db, "a", TypeObservation, "node a has some content", time.Now())
	addNode(t, db, "b", TypeObservation, "node b has some content", time.Now())

	crystal := &Node{ID: "crystal-1", Type: TypeCrystal, Content: "outdoor activities"}
	_, err := db.Apply(ctx, Mutation{
		Nodes: []*Node{crystal},
		Edges: []EdgeSpec{
			{FromID: "a", ToID: crystal.ID, Type: EdgeMemberOf},
			{FromID: "ghost", ToID: crystal.ID, Type: EdgeMemberOf},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrNotFound))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats["crystals"], "failed mutation must not leave the crystal behind")
	assert.Equal(t, 0, stats["edges"])

	crystal = &Node{ID: "crystal-2", Type: TypeCrystal, Content: "outdoor activities"}
	res, err := db.Apply(ctx, Mutation{
		Nodes: []*Node{crystal},
		Edges: []EdgeSpec{
			{FromID: "a", ToID: crystal.ID, Type: EdgeMemberOf},
			{FromID: "b", ToID: crystal.ID, Type: EdgeMemberOf},
		},
		Updates: []PropertyUpdate{{ID: "a", Set: Properties{"crystallized": true}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.EdgesCreated)
	require.Len(t, res.NodeIDs, 1)

	members, err := db.MemberIDs(ctx, res.NodeIDs[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	a, err := db.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.Properties.Bool("crystallized"))
}

func TestEnsureNodeRevivesArchivedHub(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	hub := &Node{ID: RescueHubID, Type: TypeHub, Content: "rescue hub"}

	created, err := db.EnsureNode(ctx, hub)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.EnsureNode(ctx, hub)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, db.ArchiveNode(ctx, RescueHubID, "test"))
	_, err = db.EnsureNode(ctx, hub)
	require.NoError(t, err)
	got, err := db.GetNode(ctx, RescueHubID)
	require.NoError(t, err)
	assert.False(t, got.IsArchived())
}

func TestPureGoDriver(t *testing.T) {
	db := setupTestDB(t, WithDriver(DriverPureGo))
	ctx := context.Background()
	addNode(t, db, "a", TypeObservation, "node a has some content", time.Now())
	addNode(t, db, "b", TypeObservation, "node b has some content", time.Now())

	created, err := db.CreateEdge(ctx, EdgeSpec{FromID: "a", ToID: "b", Type: EdgeSameType})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = db.CreateEdge(ctx, EdgeSpec{FromID: "a", ToID: "b", Type: EdgeSameType})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(t.TempDir(), WithDriver("postgres"))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.True(t, errors.Is(classify("op", errors.New("database is locked")), faults.ErrBusy))
	assert.True(t, errors.Is(classify("op", errors.New("sql: database is closed")), faults.ErrUnavailable))
	assert.True(t, errors.Is(classify("op", context.DeadlineExceeded), faults.ErrTimeout))
	assert.Nil(t, classify("op", nil))
}
