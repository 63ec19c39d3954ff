package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/graph"
	"github.com/vthunder/mend/internal/logging"
)

// runBatch attempts a batch until it completes, fails catastrophically or
// runs out of attempts. Only a catastrophic error is returned.
func (r *run) runBatch(ctx context.Context, b *batch) error {
	res := BatchResult{Index: b.index, Priority: b.priority, Size: len(b.items)}
	pending := b.items
	var lastErr error

	for attempt := 0; attempt < r.params.MaxRetries; attempt++ {
		if attempt > 0 {
			r.report.update(func(rep *Report) { rep.Retries++ })
			r.engine.metrics.Retry()
			if err := sleep(ctx, r.backoff(ctx, attempt-1)); err != nil {
				break
			}
		}

		res.Attempts = attempt + 1
		var connected int
		pending, connected, lastErr = r.attempt(ctx, pending)
		res.Connected += connected
		if lastErr == nil {
			res.Outcome = OutcomeCompleted
			if attempt > 0 {
				res.Outcome = OutcomeRecovered
				logging.Info("reconcile", "batch %d recovered after %d failed attempts", b.index, attempt)
			}
			r.finish(res)
			return nil
		}
		if abort(lastErr) {
			res.Outcome = OutcomeAbandoned
			res.LastError = lastErr.Error()
			r.finish(res)
			return lastErr
		}
		if ctx.Err() != nil {
			break
		}
		logging.Debug("reconcile", "batch %d attempt %d: %v", b.index, attempt+1, lastErr)
	}

	if lastErr == nil && ctx.Err() != nil {
		lastErr = ctx.Err()
	}
	res.LastError = errString(lastErr)

	if r.params.ForceMode && ctx.Err() == nil {
		forced, err := r.force(ctx, b, pending)
		res.Connected += forced
		if err != nil && abort(err) {
			res.Outcome = OutcomeAbandoned
			r.finish(res)
			return err
		}
		res.Outcome = OutcomeForced
		r.finish(res)
		return nil
	}

	res.Outcome = OutcomeAbandoned
	r.report.addError("batch %d abandoned after %d attempts: %v", b.index, res.Attempts, lastErr)
	r.finish(res)
	return nil
}

func (r *run) finish(res BatchResult) {
	r.report.finishBatch(res)
	r.engine.metrics.Batch(res.Outcome)
}

// attempt walks pending through the strategy chain. A transient or
// catastrophic error stops the attempt and returns the items not yet handled.
func (r *run) attempt(ctx context.Context, pending []*work) ([]*work, int, error) {
	connected := 0
	for i, w := range pending {
		if err := ctx.Err(); err != nil {
			return pending[i:], connected, err
		}

		orphaned, err := r.engine.store.IsOrphan(ctx, w.rec.NodeID)
		switch {
		case err == nil:
		case faults.Structural(err):
			r.report.update(func(rep *Report) { rep.Skipped++ })
			continue
		case faults.Transient(err) || abort(err):
			return pending[i:], connected, err
		default:
			r.report.addError("check %s: %v", w.rec.NodeID, err)
			continue
		}
		if !orphaned {
			r.report.update(func(rep *Report) { rep.Skipped++ })
			continue
		}

		applied, err := r.connect(ctx, w)
		if err != nil {
			if faults.Transient(err) || abort(err) {
				return pending[i:], connected, err
			}
			r.report.addError("connect %s: %v", w.rec.NodeID, err)
			continue
		}
		if applied {
			connected++
		} else {
			r.leaveUnresolved(w)
		}
	}
	return nil, connected, nil
}

// force links whatever is still pending to the force hub
func (r *run) force(ctx context.Context, b *batch, pending []*work) (int, error) {
	if len(pending) == 0 {
		return 0, nil
	}
	e := r.engine
	if _, err := e.store.EnsureNode(ctx, hubNode(graph.ForceHubID, "Force-connected orphans")); err != nil {
		r.report.addError("force hub: %v", err)
		return 0, err
	}

	forced := 0
	var ids []string
	for _, w := range pending {
		orphaned, err := e.store.IsOrphan(ctx, w.rec.NodeID)
		if err != nil || !orphaned {
			if err != nil && abort(err) {
				return forced, err
			}
			continue
		}
		created, err := e.store.CreateEdge(ctx, graph.EdgeSpec{
			FromID: w.rec.NodeID,
			ToID:   graph.ForceHubID,
			Type:   graph.EdgeForceConnected,
			Weight: 0.1,
			Provenance: graph.Provenance{
				Subsystem: "reconcile",
				Strategy:  "force",
				Reason:    fmt.Sprintf("batch %d exhausted %d attempts", b.index, r.params.MaxRetries),
				ForceMode: true,
			},
		})
		if err != nil {
			if abort(err) {
				return forced, err
			}
			r.report.addError("force %s: %v", w.rec.NodeID, err)
			continue
		}
		if created {
			forced++
			ids = append(ids, w.rec.NodeID)
		}
	}

	r.report.update(func(rep *Report) {
		rep.ForceModeUsed = true
		rep.ForceConnections += forced
	})
	e.metrics.Connection("force", forced)
	logging.Warn("reconcile", "force mode connected %d nodes of batch %d to %s", forced, b.index, graph.ForceHubID)
	e.record(activity.Entry{
		Type:    activity.TypeForceMode,
		Summary: fmt.Sprintf("Force-connected %d orphans after batch %d exhausted retries", forced, b.index),
		NodeIDs: ids,
		Data:    map[string]any{"batch": b.index, "priority": string(b.priority)},
	})
	return forced, nil
}

// backoff returns base·2^attempt·(0.5+u) capped at BackoffMax, with u drawn
// from the entropy source.
func (r *run) backoff(ctx context.Context, attempt int) time.Duration {
	u := 0.5
	if r.engine.entropy != nil {
		u, _ = r.engine.entropy.Float(ctx)
	}
	return Backoff(r.params.BackoffBase, r.params.BackoffMax, attempt, u)
}

// Backoff computes a jittered exponential delay
func Backoff(base, limit time.Duration, attempt int, u float64) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt)) * (0.5 + u)
	if limit > 0 && d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hubNode(id, content string) *graph.Node {
	return &graph.Node{
		ID:      id,
		Type:    graph.TypeHub,
		Content: content,
		Properties: graph.Properties{
			"provenance": map[string]any{"subsystem": "reconcile", "reason": "hub"},
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
