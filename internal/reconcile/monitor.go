package reconcile

import (
	"context"
	"time"

	"github.com/vthunder/mend/internal/metrics"
)

// Severity of a connectivity deadlock
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Level maps severity to 0..3
func (s Severity) Level() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Degraded reports whether reconciliation should run on its own accord
func (s Severity) Degraded() bool {
	return s.Level() >= SeverityMedium.Level()
}

// Counter is the slice of the graph store the monitor reads
type Counter interface {
	CountOrphans(ctx context.Context) (int, error)
	CountRecentEdges(ctx context.Context, window time.Duration) (int, error)
}

// Assessment is one deadlock check
type Assessment struct {
	OrphanCount       int       `json:"orphan_count"`
	RecentConnections int       `json:"recent_connections"`
	WindowMinutes     float64   `json:"window_minutes"`
	Severity          Severity  `json:"severity"`
	CheckedAt         time.Time `json:"checked_at"`
}

// Monitor computes deadlock severity from two cheap counts. It holds no state
// between calls.
type Monitor struct {
	store   Counter
	window  time.Duration
	metrics *metrics.Metrics
}

// NewMonitor creates a monitor over the trailing window (default 1h)
func NewMonitor(store Counter, window time.Duration, m *metrics.Metrics) *Monitor {
	if window <= 0 {
		window = time.Hour
	}
	return &Monitor{store: store, window: window, metrics: m}
}

// Detect counts orphans and recent edges and classifies the result
func (m *Monitor) Detect(ctx context.Context) (Assessment, error) {
	orphans, err := m.store.CountOrphans(ctx)
	if err != nil {
		return Assessment{Severity: SeverityNone}, err
	}
	recent, err := m.store.CountRecentEdges(ctx, m.window)
	if err != nil {
		return Assessment{OrphanCount: orphans, Severity: SeverityNone}, err
	}

	a := Assessment{
		OrphanCount:       orphans,
		RecentConnections: recent,
		WindowMinutes:     m.window.Minutes(),
		Severity:          Classify(orphans, recent),
		CheckedAt:         time.Now(),
	}
	m.metrics.Deadlock(orphans, a.Severity.Level())
	return a, nil
}

// Classify maps an orphan count and a connection rate to a severity
func Classify(orphans, recentConnections int) Severity {
	switch {
	case orphans > 500:
		return SeverityCritical
	case orphans > 100 && recentConnections < 10:
		return SeverityHigh
	case orphans > 50:
		return SeverityMedium
	}
	return SeverityNone
}
