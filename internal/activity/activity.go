// Package activity is the append-only audit log of consolidation actions.
package activity

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Type identifies what kind of activity this is
type Type string

const (
	TypeReconcile     Type = "reconcile"      // Reconciliation run finished
	TypeForceMode     Type = "force_mode"     // Batch connected to the force hub
	TypeEmergency     Type = "emergency"      // Emergency consolidation or purge
	TypeCrystallize   Type = "crystallize"    // Crystallization operation committed
	TypeCrystalNoop   Type = "crystal_noop"   // Crystallization cycle ended without a change
	TypeHeuristic     Type = "heuristic"      // Connection heuristic pass
	TypeDeadlockAlert Type = "deadlock_alert" // Severity crossed into high or critical
	TypeError         Type = "error"          // Something went wrong
)

// Entry represents a single activity log entry
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Type      Type           `json:"type"`
	Summary   string         `json:"summary"`
	Source    string         `json:"source,omitempty"`   // Subsystem that acted
	NodeIDs   []string       `json:"node_ids,omitempty"` // Nodes affected
	Reasoning string         `json:"reasoning,omitempty"`
	Data      map[string]any `json:"data,omitempty"` // Structured details
}

// Log is the activity logger
type Log struct {
	path string
	mu   sync.Mutex
}

// New creates an activity logger under statePath/system/activity.jsonl
func New(statePath string) *Log {
	return &Log{
		path: filepath.Join(statePath, "system", "activity.jsonl"),
	}
}

// Path returns the log file path
func (l *Log) Path() string {
	return l.path
}

// Log appends an entry to the activity log
func (l *Log) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// LogError logs an error
func (l *Log) LogError(summary, source string, err error, data map[string]any) error {
	if data == nil {
		data = make(map[string]any)
	}
	data["error"] = err.Error()
	return l.Log(Entry{
		Type:    TypeError,
		Summary: summary,
		Source:  source,
		Data:    data,
	})
}

// Recent returns the last n entries, oldest first
func (l *Log) Recent(n int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// ByType returns up to limit entries of a type, most recent first
func (l *Log) ByType(t Type, limit int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var result []Entry
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		if entries[i].Type == t {
			result = append(result, entries[i])
		}
	}
	return result, nil
}

// Range returns entries in a time range
func (l *Log) Range(start, end time.Time) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var result []Entry
	for _, e := range entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			result = append(result, e)
		}
	}
	return result, nil
}

// Search finds entries whose summary, reasoning, node ids or data mention
// query, most recent first
func (l *Log) Search(query string, limit int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var result []Entry
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		if matches(entries[i], query) {
			result = append(result, entries[i])
		}
	}
	return result, nil
}

func matches(e Entry, query string) bool {
	if strings.Contains(strings.ToLower(e.Summary), query) ||
		strings.Contains(strings.ToLower(e.Reasoning), query) {
		return true
	}
	for _, id := range e.NodeIDs {
		if strings.ToLower(id) == query {
			return true
		}
	}
	if e.Data != nil {
		dataJSON, _ := json.Marshal(e.Data)
		return strings.Contains(strings.ToLower(string(dataJSON)), query)
	}
	return false
}

// readAll reads all entries from the log file
func (l *Log) readAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
