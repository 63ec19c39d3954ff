// Package budget limits how much background consolidation work runs: a
// daily cap on oracle calls and a CPU-aware cap on worker counts.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/vthunder/mend/internal/logging"
)

// Budget manages limits on autonomous consolidation work
type Budget struct {
	mu  sync.Mutex
	cpu *CPUWatcher
	now func() time.Time

	// DailyOracleCalls is the max oracle calls per day; 0 means unlimited
	DailyOracleCalls int

	day   string
	calls int
}

// New creates a budget. cpu may be nil.
func New(cpu *CPUWatcher, dailyOracleCalls int) *Budget {
	return &Budget{
		cpu:              cpu,
		now:              time.Now,
		DailyOracleCalls: dailyOracleCalls,
	}
}

// Spend records n oracle calls against today's allowance
func (b *Budget) Spend(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkDayRollover()
	b.calls += n
}

// CanDoBackgroundWork checks if optional work (crystallization, scheduled
// reconciliation) is allowed right now
func (b *Budget) CanDoBackgroundWork() (bool, string) {
	b.mu.Lock()
	b.checkDayRollover()
	calls, limit := b.calls, b.DailyOracleCalls
	b.mu.Unlock()

	if limit > 0 && calls >= limit {
		return false, fmt.Sprintf("daily oracle budget exceeded (%d/%d)", calls, limit)
	}
	if b.cpu != nil && b.cpu.Saturated() {
		return false, fmt.Sprintf("cpu saturated (%.0f%%)", b.cpu.Load())
	}
	return true, ""
}

// Workers caps a requested worker count by CPU load
func (b *Budget) Workers(requested int) int {
	if b == nil || b.cpu == nil {
		return max(1, requested)
	}
	return b.cpu.Workers(requested)
}

// Status is a snapshot of the budget
type Status struct {
	TodayOracleCalls int     `json:"today_oracle_calls"`
	DailyLimit       int     `json:"daily_limit"`
	CPULoad          float64 `json:"cpu_load"`
	CanDoBackground  bool    `json:"can_do_background"`
}

// GetStatus returns current budget status
func (b *Budget) GetStatus() Status {
	can, _ := b.CanDoBackgroundWork()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		TodayOracleCalls: b.calls,
		DailyLimit:       b.DailyOracleCalls,
		CanDoBackground:  can,
	}
	if b.cpu != nil {
		s.CPULoad = b.cpu.Load()
	}
	return s
}

// LogStatus logs the current budget status
func (b *Budget) LogStatus() {
	s := b.GetStatus()
	logging.Info("budget", "today: %d/%d oracle calls | cpu %.0f%% | background allowed: %v",
		s.TodayOracleCalls, s.DailyLimit, s.CPULoad, s.CanDoBackground)
}

func (b *Budget) checkDayRollover() {
	today := b.now().Format("2006-01-02")
	if b.day != today {
		b.day = today
		b.calls = 0
	}
}
