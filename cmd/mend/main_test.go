package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "state_path: " + filepath.Join(dir, "state") + `
oracle:
  backend: lexical
  rate_per_second: 0
entropy:
  qrng_url: ""
  seed: 11
budget:
  cpu_watch: false
reconcile:
  backoff_base: 1ms
  backoff_max: 2ms
`
	path := filepath.Join(dir, "mend.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func TestAddNodeThenStats(t *testing.T) {
	cfg := writeTestConfig(t)

	id := strings.TrimSpace(run(t, "-c", cfg, "add-node", "--type", "Observation", "--content", "the porch light flickers at night"))
	require.NotEmpty(t, id)
	run(t, "-c", cfg, "add-node", "--type", "Belief", "--content", "the porch wiring is old", "--link", id,
		"--props", `{"confidence":0.8}`)

	var stats struct {
		Graph map[string]int `json:"graph"`
	}
	require.NoError(t, json.Unmarshal([]byte(run(t, "-c", cfg, "stats")), &stats))
	assert.Equal(t, 2, stats.Graph["nodes"])
	assert.Equal(t, 1, stats.Graph["edges"])
}

func TestReconcileCommand(t *testing.T) {
	cfg := writeTestConfig(t)
	run(t, "-c", cfg, "add-node", "--type", "Observation", "--content", "porch light bulb replaced today")
	run(t, "-c", cfg, "add-node", "--type", "Observation", "--content", "porch light bulb flickers again")

	var rep struct {
		OrphansBefore int      `json:"orphans_before"`
		OrphansAfter  int      `json:"orphans_after"`
		Errors        []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(run(t, "-c", cfg, "reconcile")), &rep))
	assert.Equal(t, 2, rep.OrphansBefore)
	assert.Equal(t, 0, rep.OrphansAfter)
	assert.Empty(t, rep.Errors)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(run(t, "-c", cfg, "activity", "--type", "reconcile")), &entries))
	assert.NotNil(t, entries)
}

func TestDeadlockCommand(t *testing.T) {
	cfg := writeTestConfig(t)
	var a map[string]any
	require.NoError(t, json.Unmarshal([]byte(run(t, "-c", cfg, "deadlock")), &a))
	assert.Equal(t, "none", a["severity"])
}

func TestBadConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconcile:\n  batch_size: 0\n"), 0644))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"-c", path, "stats"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}
