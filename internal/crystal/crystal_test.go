package crystal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/entropy"
	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/graph"
)

func setupTestDB(t *testing.T) *graph.DB {
	t.Helper()
	db, err := graph.Open(t.TempDir())
	require.NoError(t, err, "failed to open database")
	t.Cleanup(func() { db.Close() })
	return db
}

func addNode(t *testing.T, db *graph.DB, n *graph.Node) {
	t.Helper()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().Add(-72 * time.Hour)
	}
	_, err := db.CreateNode(context.Background(), n)
	require.NoError(t, err)
}

// addCrystal creates a crystal with the given members, all in one mutation
func addCrystal(t *testing.T, db *graph.DB, id string, facets []string, members ...string) {
	t.Helper()
	m := graph.Mutation{Nodes: []*graph.Node{{
		ID:         id,
		Type:       graph.TypeCrystal,
		Content:    "crystal " + id,
		CreatedAt:  time.Now().Add(-time.Hour),
		Properties: graph.Properties{PropEssence: "crystal " + id, PropFacets: facets, PropConfidence: 0.6},
	}}}
	for _, member := range members {
		m.Nodes = append(m.Nodes, &graph.Node{
			ID:        member,
			Type:      "Observation",
			Content:   "member " + member + " of a crystal",
			CreatedAt: time.Now().Add(-100 * time.Hour),
		})
		m.Edges = append(m.Edges, graph.EdgeSpec{FromID: member, ToID: id, Type: graph.EdgeMemberOf})
	}
	_, err := db.Apply(context.Background(), m)
	require.NoError(t, err)
}

type scriptedOracle struct {
	responses []string
	err       error
	calls     atomic.Int32
}

func (s *scriptedOracle) Propose(ctx context.Context, summary string) (string, error) {
	i := int(s.calls.Add(1)) - 1
	if s.err != nil {
		return "", s.err
	}
	return s.responses[i%len(s.responses)], nil
}

type fixedEntropy float64

func (f fixedEntropy) Float(ctx context.Context) (float64, string) {
	return float64(f), "fixed"
}

func singleStream() Config {
	cfg := DefaultConfig()
	cfg.ProposalStreams = 1
	return cfg
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		op   Operation
		ok   bool
	}{
		{"create", `{"operation":"CREATE","node_ids":["a","b"],"essence":"boats","facets":["sea"],"confidence":0.8}`, OpCreate, true},
		{"fenced", "```json\n{\"operation\":\"PRUNE\",\"node_ids\":[\"a\"],\"reason\":\"stale\"}\n```", OpPrune, true},
		{"lowercase operation", `{"operation":"none","reason":"nothing"}`, OpNone, true},
		{"merge", `{"operation":"MERGE","crystal_ids":["c1","c2"],"new_essence":"both"}`, OpMerge, true},
		{"unknown field", `{"operation":"NONE","mood":"happy"}`, "", false},
		{"create without essence", `{"operation":"CREATE","node_ids":["a","b"]}`, "", false},
		{"absorb without crystal", `{"operation":"ABSORB","node_ids":["a"]}`, "", false},
		{"merge single crystal", `{"operation":"MERGE","crystal_ids":["c1"],"new_essence":"x"}`, "", false},
		{"confidence out of range", `{"operation":"CREATE","node_ids":["a","b"],"essence":"x","confidence":1.5}`, "", false},
		{"unknown operation", `{"operation":"EXPLODE"}`, "", false},
		{"trailing data", `{"operation":"NONE"} {"operation":"NONE"}`, "", false},
		{"prose", `Sure! Here is my answer: {"operation":"NONE"}`, "", false},
		{"empty id", `{"operation":"PRUNE","node_ids":[""]}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw)
			if !tt.ok {
				require.Error(t, err)
				assert.True(t, errors.Is(err, faults.ErrMalformed), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.op, p.Operation)
		})
	}
}

func TestParseDedupesIDs(t *testing.T) {
	p, err := Parse(`{"operation":"PRUNE","node_ids":["a","b","a"," b "]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.NodeIDs)
}

func TestSelectionSkipsNone(t *testing.T) {
	now := time.Now()
	c := &candidates{byID: map[string]*graph.Node{}}
	for _, id := range []string{"o1", "o2", "o3"} {
		n := &graph.Node{ID: id, Type: "Observation", Content: "a reasonably long orphan note", CreatedAt: now.Add(-48 * time.Hour)}
		c.orphans = append(c.orphans, n)
		c.byID[id] = n
	}
	crystal := &graph.Node{ID: "c1", Type: graph.TypeCrystal, Content: "existing"}
	c.crystals = append(c.crystals, crystal)
	c.byID["c1"] = crystal

	props := []*proposal{
		{raw: `{"operation":"CREATE","node_ids":["o1","o2"],"essence":"pair"}`},
		{raw: `{"operation":"ABSORB","crystal_id":"c1","node_ids":["o3"],"reason":"fits"}`},
		{raw: `{"operation":"NONE","reason":"nothing to do"}`},
	}
	e := New(nil, nil, fixedEntropy(0.5), DefaultConfig())
	valid := e.screen(props, c)
	require.Len(t, valid, 2)

	idx := Select(len(valid), 0.5)
	assert.Equal(t, 1, idx)
	assert.Equal(t, OpAbsorb, valid[idx].parsed.Operation)
}

func TestSelectClamps(t *testing.T) {
	assert.Equal(t, 0, Select(0, 0.7))
	assert.Equal(t, 0, Select(1, 0.99))
	assert.Equal(t, 0, Select(3, -0.2))
	assert.Equal(t, 2, Select(3, 0.9999999))
	assert.Equal(t, 2, Select(3, 1.0))
	assert.Equal(t, 1, Select(3, 0.34))
}

func TestSelectFairness(t *testing.T) {
	src := entropy.NewPRNG(42)
	const n, draws = 3, 3000
	counts := make([]int, n)
	for i := 0; i < draws; i++ {
		v, _ := src.Float(context.Background())
		counts[Select(n, v)]++
	}

	expected := float64(draws) / n
	chi2 := 0.0
	for _, c := range counts {
		d := float64(c) - expected
		chi2 += d * d / expected
	}
	// 2 degrees of freedom, p = 0.001
	assert.Less(t, chi2, 13.82, "counts %v", counts)
}

func TestRunCycleCreate(t *testing.T) {
	db := setupTestDB(t)
	for _, id := range []string{"o1", "o2", "o3"} {
		addNode(t, db, &graph.Node{ID: id, Type: "Observation", Content: "harbour note " + id + " about sailing boats"})
	}
	audit := activity.New(t.TempDir())
	o := &scriptedOracle{responses: []string{`{"operation":"CREATE","node_ids":["o1","o2"],"essence":"sailing","facets":["sea","boats"],"confidence":0.9}`}}
	e := New(db, o, fixedEntropy(0.5), singleStream(), WithAudit(audit))

	out, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, out.NoOp)
	assert.Equal(t, OpCreate, out.Operation)
	assert.Equal(t, 3, out.Candidates)
	assert.ElementsMatch(t, []string{"o1", "o2"}, out.AffectedNodeIDs)
	require.NotEmpty(t, out.CrystalID)
	assert.Equal(t, StateIdle, e.State())

	members, err := db.MemberIDs(context.Background(), out.CrystalID)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, members)

	crystal, err := db.GetNode(context.Background(), out.CrystalID)
	require.NoError(t, err)
	assert.Equal(t, graph.TypeCrystal, crystal.Type)
	assert.Equal(t, "sailing", crystal.Properties.String(PropEssence))
	assert.Equal(t, []string{"sea", "boats"}, crystal.Properties.Strings(PropFacets))

	orphan, err := db.IsOrphan(context.Background(), "o3")
	require.NoError(t, err)
	assert.True(t, orphan)

	entries, err := audit.ByType(activity.TypeCrystallize, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.ElementsMatch(t, []string{"o1", "o2"}, entries[0].NodeIDs)
}

func TestRunCycleCreateBelowMinimum(t *testing.T) {
	db := setupTestDB(t)
	addNode(t, db, &graph.Node{ID: "o1", Type: "Observation", Content: "a lonely note about sailing boats"})
	addNode(t, db, &graph.Node{ID: "o2", Type: "Observation", Content: "another note about harbour cranes"})
	o := &scriptedOracle{responses: []string{`{"operation":"CREATE","node_ids":["o1"],"essence":"just one"}`}}
	e := New(db, o, fixedEntropy(0.5), singleStream())

	out, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.Equal(t, 1, out.Discarded)

	crystals, err := db.ListNodes(context.Background(), graph.NodeFilter{Types: []string{graph.TypeCrystal}})
	require.NoError(t, err)
	assert.Empty(t, crystals)
}

func TestRunCycleAbsorb(t *testing.T) {
	db := setupTestDB(t)
	addCrystal(t, db, "c1", []string{"sea"}, "m1")
	addNode(t, db, &graph.Node{ID: "o1", Type: "Observation", Content: "the tide was unusually high today"})
	o := &scriptedOracle{responses: []string{`{"operation":"ABSORB","crystal_id":"c1","node_ids":["o1"],"facets":["tides","sea"],"reason":"same theme"}`}}
	e := New(db, o, fixedEntropy(0.5), singleStream())

	out, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OpAbsorb, out.Operation)
	assert.Equal(t, "c1", out.CrystalID)

	members, err := db.MemberIDs(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "o1"}, members)

	crystal, err := db.GetNode(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sea", "tides"}, crystal.Properties.Strings(PropFacets))
}

func TestRunCycleMerge(t *testing.T) {
	db := setupTestDB(t)
	addCrystal(t, db, "c1", []string{"sea"}, "m1", "m2")
	addCrystal(t, db, "c2", []string{"wind"}, "m3")
	o := &scriptedOracle{responses: []string{`{"operation":"MERGE","crystal_ids":["c1","c2"],"new_essence":"weather at sea"}`}}
	e := New(db, o, fixedEntropy(0.5), singleStream())

	out, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OpMerge, out.Operation)
	require.NotEmpty(t, out.CrystalID)

	members, err := db.MemberIDs(context.Background(), out.CrystalID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, members)

	for _, id := range []string{"c1", "c2"} {
		n, err := db.GetNode(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, n.IsArchived(), "%s archived", id)
	}
	merged, err := db.GetNode(context.Background(), out.CrystalID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sea", "wind"}, merged.Properties.Strings(PropFacets))
}

func TestRunCyclePrune(t *testing.T) {
	db := setupTestDB(t)
	addNode(t, db, &graph.Node{ID: "o1", Type: "Observation", Content: "an outdated reminder about last year"})
	o := &scriptedOracle{responses: []string{`{"operation":"PRUNE","node_ids":["o1"],"reason":"stale"}`}}
	e := New(db, o, fixedEntropy(0.5), singleStream())

	out, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OpPrune, out.Operation)

	n, err := db.GetNode(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, n.IsArchived())
}

func TestRunCycleForgetOnlyNoise(t *testing.T) {
	t.Run("real content is kept", func(t *testing.T) {
		db := setupTestDB(t)
		addNode(t, db, &graph.Node{ID: "o1", Type: "Observation", Content: "an important meeting note about budgets"})
		o := &scriptedOracle{responses: []string{`{"operation":"FORGET","node_ids":["o1"],"reason":"noise"}`}}
		e := New(db, o, fixedEntropy(0.5), singleStream())

		out, err := e.RunCycle(context.Background())
		require.NoError(t, err)
		assert.True(t, out.NoOp)
		_, err = db.GetNode(context.Background(), "o1")
		assert.NoError(t, err)
	})

	t.Run("noise and flagged nodes are deleted", func(t *testing.T) {
		db := setupTestDB(t)
		addNode(t, db, &graph.Node{ID: "short", Type: "Observation", Content: "ok"})
		addNode(t, db, &graph.Node{ID: "flagged", Type: "Observation", Content: "a long node someone flagged as junk",
			Properties: graph.Properties{"flagged_noise": true}})
		o := &scriptedOracle{responses: []string{`{"operation":"FORGET","node_ids":["short","flagged"],"reason":"noise"}`}}
		e := New(db, o, fixedEntropy(0.5), singleStream())

		out, err := e.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OpForget, out.Operation)
		for _, id := range []string{"short", "flagged"} {
			_, err := db.GetNode(context.Background(), id)
			assert.True(t, errors.Is(err, faults.ErrNotFound), "%s deleted", id)
		}
	})
}

func TestRunCycleNoOps(t *testing.T) {
	t.Run("no candidates", func(t *testing.T) {
		o := &scriptedOracle{responses: []string{`{"operation":"NONE"}`}}
		e := New(setupTestDB(t), o, fixedEntropy(0.5), DefaultConfig())
		out, err := e.RunCycle(context.Background())
		require.NoError(t, err)
		assert.True(t, out.NoOp)
		assert.Equal(t, "no candidates", out.Reason)
		assert.Equal(t, int32(0), o.calls.Load())
	})

	t.Run("young orphans are not candidates", func(t *testing.T) {
		db := setupTestDB(t)
		addNode(t, db, &graph.Node{ID: "fresh", Type: "Observation", Content: "written a few minutes ago", CreatedAt: time.Now()})
		o := &scriptedOracle{responses: []string{`{"operation":"NONE"}`}}
		out, err := New(db, o, fixedEntropy(0.5), DefaultConfig()).RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, out.Candidates)
	})

	t.Run("all none", func(t *testing.T) {
		db := setupTestDB(t)
		addNode(t, db, &graph.Node{ID: "o1", Type: "Observation", Content: "nothing to consolidate here"})
		o := &scriptedOracle{responses: []string{`{"operation":"NONE","reason":"no"}`}}
		e := New(db, o, fixedEntropy(0.5), DefaultConfig())
		out, err := e.RunCycle(context.Background())
		require.NoError(t, err)
		assert.True(t, out.NoOp)
		assert.Equal(t, OpNone, out.Operation)
		assert.Equal(t, "all proposals were NONE", out.Reason)
		assert.Equal(t, 3, out.Requested)
		assert.Len(t, out.Alternatives, 3)
	})
}

func TestRunCycleRecordsSelection(t *testing.T) {
	db := setupTestDB(t)
	for _, id := range []string{"o1", "o2"} {
		addNode(t, db, &graph.Node{ID: id, Type: "Observation", Content: "harbour note " + id + " about sailing"})
	}
	// Every stream answers the same PRUNE, so any selection is a PRUNE
	o := &scriptedOracle{responses: []string{`{"operation":"PRUNE","node_ids":["o1"],"reason":"stale"}`}}
	e := New(db, o, fixedEntropy(0.7), DefaultConfig())

	out, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OpPrune, out.Operation)
	assert.Equal(t, 3, out.Valid)
	assert.Equal(t, "fixed", out.EntropySource)
	assert.Equal(t, 0.7, out.EntropyValue)
	assert.Equal(t, 2, out.SelectedIndex)
	assert.Len(t, out.Alternatives, 2)
	for _, d := range out.Alternatives {
		assert.Len(t, d, 12)
	}
}

func TestRunCycleFailures(t *testing.T) {
	t.Run("all streams fail", func(t *testing.T) {
		db := setupTestDB(t)
		addNode(t, db, &graph.Node{ID: "o1", Type: "Observation", Content: "an orphan waiting for a proposal"})
		o := &scriptedOracle{err: fmt.Errorf("propose: %w", faults.ErrRateLimited)}
		e := New(db, o, fixedEntropy(0.5), DefaultConfig())

		out, err := e.RunCycle(context.Background())
		require.Error(t, err)
		assert.Nil(t, out)
		assert.True(t, faults.Transient(err))
		assert.Equal(t, StateIdle, e.State())
	})

	t.Run("catastrophic", func(t *testing.T) {
		db := setupTestDB(t)
		addNode(t, db, &graph.Node{ID: "o1", Type: "Observation", Content: "an orphan waiting for a proposal"})
		o := &scriptedOracle{err: faults.ErrUnavailable}
		e := New(db, o, fixedEntropy(0.5), DefaultConfig())

		_, err := e.RunCycle(context.Background())
		require.Error(t, err)
		assert.True(t, faults.Catastrophic(err))
	})
}

// blockingOracle holds every Propose call until release is closed
type blockingOracle struct {
	started chan struct{}
	release chan struct{}
	once    atomic.Bool
}

func (b *blockingOracle) Propose(ctx context.Context, summary string) (string, error) {
	if b.once.CompareAndSwap(false, true) {
		close(b.started)
	}
	<-b.release
	return `{"operation":"NONE"}`, nil
}

func TestRunCycleRefusesOverlap(t *testing.T) {
	db := setupTestDB(t)
	addNode(t, db, &graph.Node{ID: "o1", Type: "Observation", Content: "an orphan waiting for a proposal"})
	o := &blockingOracle{started: make(chan struct{}), release: make(chan struct{})}
	e := New(db, o, fixedEntropy(0.5), singleStream())

	done := make(chan error, 1)
	go func() {
		_, err := e.RunCycle(context.Background())
		done <- err
	}()
	<-o.started

	out, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.Equal(t, "cycle already running", out.Reason)

	close(o.release)
	require.NoError(t, <-done)
}
