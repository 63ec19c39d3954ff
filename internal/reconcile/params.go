package reconcile

import "time"

// Hard ceilings for tuned parameters
const (
	MaxBatchSize  = 200
	MaxRetriesCap = 30
	MaxWorkers    = 10
)

// Params are the knobs of a reconciliation run. Tune derives the effective
// values for one run from the configured baseline and the current severity.
type Params struct {
	BatchSize  int
	MaxRetries int
	Workers    int

	// ForceMode connects exhausted batches to the force hub. AutoForce turns
	// it on by itself when severity is critical.
	ForceMode bool
	AutoForce bool

	SimilarityThreshold float64
	ThresholdFloor      float64
	TemporalWindow      time.Duration
	CandidatePool       int // recent nodes compared per orphan

	BackoffBase time.Duration
	BackoffMax  time.Duration
	RunTimeout  time.Duration // 0 means no run deadline

	MaxErrors int // error strings kept in the report

	// WriteBackTags stores category and priority on each classified node
	WriteBackTags bool

	Emergency Emergency
}

// Emergency actions. Both are off by default.
type Emergency struct {
	Consolidate          bool
	ConsolidateThreshold int

	AllowPurge     bool
	PurgeThreshold int
	PurgeAgeDays   int
}

// DefaultParams returns the baseline configuration
func DefaultParams() Params {
	return Params{
		BatchSize:           5,
		MaxRetries:          7,
		Workers:             1,
		SimilarityThreshold: 0.3,
		ThresholdFloor:      0.05,
		TemporalWindow:      24 * time.Hour,
		CandidatePool:       25,
		BackoffBase:         500 * time.Millisecond,
		BackoffMax:          30 * time.Second,
		RunTimeout:          10 * time.Minute,
		MaxErrors:           50,
		WriteBackTags:       true,
		Emergency: Emergency{
			ConsolidateThreshold: 500,
			PurgeThreshold:       1000,
			PurgeAgeDays:         90,
		},
	}
}

// WorkerCap limits parallelism to what the host can afford
type WorkerCap interface {
	Workers(requested int) int
}

// Tune scales the baseline for severity. Batch size grows ×1/2/4/10, retries
// rise to 15 under high and 30 under critical, workers to 2/5/10. The worker
// count is then capped by the host (host may be nil) and by the backlog.
func Tune(base Params, sev Severity, backlog int, host WorkerCap) Params {
	p := base
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 1
	}
	if p.Workers <= 0 {
		p.Workers = 1
	}

	switch sev {
	case SeverityMedium:
		p.BatchSize *= 2
		p.Workers = max(p.Workers, 2)
	case SeverityHigh:
		p.BatchSize *= 4
		p.MaxRetries = max(p.MaxRetries, 15)
		p.Workers = max(p.Workers, 5)
	case SeverityCritical:
		p.BatchSize *= 10
		p.MaxRetries = max(p.MaxRetries, MaxRetriesCap)
		p.Workers = MaxWorkers
	}

	p.BatchSize = min(p.BatchSize, MaxBatchSize)
	p.MaxRetries = min(p.MaxRetries, MaxRetriesCap)
	p.Workers = min(p.Workers, MaxWorkers)
	if host != nil {
		p.Workers = host.Workers(p.Workers)
	}
	if backlog > 0 {
		batches := (backlog + p.BatchSize - 1) / p.BatchSize
		p.Workers = min(p.Workers, batches)
	}
	p.Workers = max(p.Workers, 1)

	p.ForceMode = base.ForceMode || (base.AutoForce && sev == SeverityCritical)
	return p
}

// thresholdLadder is the similarity threshold for the main pass followed by
// the relaxation steps, ending at floor.
func thresholdLadder(start, floor float64) []float64 {
	ladder := []float64{start}
	for _, step := range []float64{0.2, 0.1, 0.05} {
		if step < start && step >= floor {
			ladder = append(ladder, step)
		}
	}
	if last := ladder[len(ladder)-1]; floor < last && floor > 0 {
		ladder = append(ladder, floor)
	}
	return ladder
}
