package reconcile

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vthunder/mend/internal/orphan"
)

// Batch outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeRecovered = "recovered" // succeeded after at least one failed attempt
	OutcomeForced    = "forced"
	OutcomeAbandoned = "abandoned"
)

// BatchResult summarizes one batch
type BatchResult struct {
	Index     int             `json:"index"`
	Priority  orphan.Priority `json:"priority"`
	Size      int             `json:"size"`
	Attempts  int             `json:"attempts"`
	Connected int             `json:"connected"`
	Outcome   string          `json:"outcome"`
	LastError string          `json:"last_error,omitempty"`
}

// Tuning records the parameters a run actually used
type Tuning struct {
	BatchSize  int  `json:"batch_size"`
	MaxRetries int  `json:"max_retries"`
	Workers    int  `json:"workers"`
	ForceMode  bool `json:"force_mode"`
}

// Report is the result of one reconciliation run. Safe for concurrent
// updates from batch workers; read it only after Reconcile returns.
type Report struct {
	Severity      Severity `json:"severity"`
	Tuning        Tuning   `json:"tuning"`
	OrphansBefore int      `json:"orphans_before"`
	OrphansAfter  int      `json:"orphans_after"`
	Considered    int      `json:"orphans_considered"`

	BatchesProcessed     int `json:"batches_processed"`
	BatchesAbandoned     int `json:"batches_abandoned"`
	ConnectionsCreated   int `json:"connections_created"`
	AlreadyConnected     int `json:"already_connected"`
	Skipped              int `json:"skipped"`
	Unresolved           int `json:"unresolved"`
	Retries              int `json:"retries"`
	DeadlockCyclesBroken int `json:"deadlock_cycles_broken"`

	ForceModeUsed         bool `json:"force_mode_used"`
	ForceConnections      int  `json:"force_connections"`
	EmergencyConsolidated int  `json:"emergency_consolidated"`
	EmergencyPurged       int  `json:"emergency_purged"`

	ByStrategy map[string]int `json:"by_strategy"`
	Batches    []BatchResult  `json:"batches"`

	TimedOut      bool     `json:"timed_out"`
	DurationMS    int64    `json:"duration_ms"`
	Errors        []string `json:"errors"`
	ErrorsDropped int      `json:"errors_dropped"`

	mu        sync.Mutex
	maxErrors int
}

func newReport(maxErrors int) *Report {
	if maxErrors <= 0 {
		maxErrors = 50
	}
	return &Report{
		Severity:   SeverityNone,
		ByStrategy: map[string]int{},
		Batches:    []BatchResult{},
		Errors:     []string{},
		maxErrors:  maxErrors,
	}
}

// Aggressive reports whether the run used force mode or an emergency action
func (r *Report) Aggressive() bool {
	return r.ForceModeUsed || r.EmergencyConsolidated > 0 || r.EmergencyPurged > 0
}

func (r *Report) addError(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Errors) >= r.maxErrors {
		r.ErrorsDropped++
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) connected(strategy string, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if created {
		r.ConnectionsCreated++
		r.ByStrategy[strategy]++
	} else {
		r.AlreadyConnected++
	}
}

func (r *Report) update(fn func(r *Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *Report) finishBatch(res BatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BatchesProcessed++
	if res.Outcome == OutcomeAbandoned {
		r.BatchesAbandoned++
	}
	if res.Outcome == OutcomeRecovered {
		r.DeadlockCyclesBroken++
	}
	r.Batches = append(r.Batches, res)
}

func (r *Report) sortBatches() {
	sort.Slice(r.Batches, func(i, j int) bool {
		return r.Batches[i].Index < r.Batches[j].Index
	})
}
