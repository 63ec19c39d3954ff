package activity

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper: create a Log backed by a temp directory
func newTestLog(t *testing.T) *Log {
	t.Helper()
	return New(t.TempDir())
}

func TestLogCreatesFile(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Log(Entry{Type: TypeCrystallize, Summary: "CREATE crystal", NodeIDs: []string{"a", "b"}}))

	_, err := os.Stat(l.Path())
	require.NoError(t, err)

	entries, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TypeCrystallize, entries[0].Type)
	assert.Equal(t, []string{"a", "b"}, entries[0].NodeIDs)
	assert.False(t, entries[0].Timestamp.IsZero(), "timestamp is filled in")
}

func TestRecentOnMissingFile(t *testing.T) {
	l := newTestLog(t)
	entries, err := l.Recent(5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecentReturnsTail(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(Entry{Type: TypeHeuristic, Summary: fmt.Sprintf("pass %d", i)}))
	}
	entries, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pass 3", entries[0].Summary)
	assert.Equal(t, "pass 4", entries[1].Summary)
}

func TestByType(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Log(Entry{Type: TypeForceMode, Summary: "force 1"}))
	require.NoError(t, l.Log(Entry{Type: TypeHeuristic, Summary: "heuristic"}))
	require.NoError(t, l.Log(Entry{Type: TypeForceMode, Summary: "force 2"}))

	entries, err := l.ByType(TypeForceMode, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "force 2", entries[0].Summary, "most recent first")

	entries, err = l.ByType(TypeForceMode, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSearch(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Log(Entry{Type: TypeCrystallize, Summary: "MERGE", Data: map[string]any{"essence": "Sailing Trips"}}))
	require.NoError(t, l.Log(Entry{Type: TypeCrystallize, Summary: "PRUNE", NodeIDs: []string{"node-42"}}))
	require.NoError(t, l.Log(Entry{Type: TypeHeuristic, Summary: "linked 3 orphans"}))

	hits, err := l.Search("sailing", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "MERGE", hits[0].Summary)

	hits, err = l.Search("node-42", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "PRUNE", hits[0].Summary)
}

func TestRange(t *testing.T) {
	l := newTestLog(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Log(Entry{Timestamp: base.Add(time.Duration(i) * time.Hour), Type: TypeReconcile, Summary: "run"}))
	}
	entries, err := l.Range(base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLogError(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.LogError("cycle failed", "crystal", errors.New("oracle down"), nil))
	entries, err := l.ByType(TypeError, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "oracle down", entries[0].Data["error"])
	assert.Equal(t, "crystal", entries[0].Source)
}

func TestConcurrentWrites(t *testing.T) {
	l := newTestLog(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Log(Entry{Type: TypeHeuristic, Summary: fmt.Sprintf("pass %d", i)}))
		}(i)
	}
	wg.Wait()

	entries, err := l.Recent(100)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}
