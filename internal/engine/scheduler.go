package engine

import (
	"context"
	"errors"
	"time"

	"github.com/vthunder/mend/internal/heuristic"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/reconcile"
)

// CycleResult summarizes one scheduler cycle
type CycleResult struct {
	Heuristic    heuristic.Result   `json:"heuristic"`
	Severity     reconcile.Severity `json:"severity"`
	Reconciled   bool               `json:"reconciled"`
	Crystallized bool               `json:"crystallized"`
	Deferred     string             `json:"deferred,omitempty"` // why optional work was skipped
}

// Run drives the engine until ctx is cancelled: the heuristic and the
// deadlock check every cycle, reconciliation when connectivity is degraded or
// its interval has elapsed, crystallization on its own interval. Interval
// work that is not urgent waits for the budget.
func (e *Engine) Run(ctx context.Context) error {
	if e.cpu != nil {
		e.cpu.Start()
	}

	interval := e.cfg.Scheduler.CycleInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info("engine", "scheduler started (cycle %v, reconcile %v, crystal %v)",
		interval, e.cfg.Scheduler.ReconcileInterval, e.cfg.Scheduler.CrystalInterval)

	e.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.budget.LogStatus()
			logging.Info("engine", "scheduler stopped")
			return nil
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one scheduler pass. Subsystem errors are logged, not returned,
// so one failing subsystem does not stall the others.
func (e *Engine) Cycle(ctx context.Context) CycleResult {
	var res CycleResult
	sc := e.cfg.Scheduler

	if e.cfg.Heuristic.MaxConnections > 0 {
		h, err := e.ApplyConnectionHeuristic(ctx, e.cfg.Heuristic.Threshold, e.cfg.Heuristic.MaxConnections)
		if err != nil {
			e.cycleError("heuristic", err)
		}
		res.Heuristic = h
	}
	if ctx.Err() != nil {
		return res
	}

	a, err := e.DetectDeadlock(ctx)
	if err != nil {
		e.cycleError("deadlock check", err)
		return res
	}
	res.Severity = a.Severity

	now := e.now()
	e.mu.Lock()
	reconcileDue := sc.ReconcileInterval > 0 && now.Sub(e.lastReconcile) >= sc.ReconcileInterval
	crystalDue := sc.CrystalInterval > 0 && now.Sub(e.lastCrystal) >= sc.CrystalInterval
	e.mu.Unlock()

	if a.Severity.Degraded() || reconcileDue {
		ok, why := true, ""
		if !a.Severity.Degraded() {
			ok, why = e.budget.CanDoBackgroundWork()
		}
		if ok {
			rep, err := e.Reconcile(ctx, 0)
			if err != nil {
				e.cycleError("reconcile", err)
			}
			res.Reconciled = rep != nil && err == nil
		} else {
			res.Deferred = why
		}
	}

	if crystalDue && ctx.Err() == nil {
		if ok, why := e.budget.CanDoBackgroundWork(); ok {
			out, err := e.RunCrystallizationCycle(ctx)
			if err != nil {
				e.cycleError("crystallization", err)
			}
			res.Crystallized = out != nil && err == nil && !out.NoOp
		} else {
			res.Deferred = why
		}
	}

	if res.Deferred != "" {
		logging.Debug("engine", "deferred background work: %s", res.Deferred)
	}
	return res
}

func (e *Engine) cycleError(what string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	logging.Error("engine", err, "%s failed", what)
}
