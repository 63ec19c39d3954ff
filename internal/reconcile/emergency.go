package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/graph"
	"github.com/vthunder/mend/internal/logging"
)

// emergency runs the purge and then the rescue-hub consolidation, each only
// when enabled and the orphan count is over its threshold
func (r *run) emergency(ctx context.Context) error {
	cfg := r.params.Emergency
	if !cfg.AllowPurge && !cfg.Consolidate {
		return nil
	}
	e := r.engine

	count, err := e.store.CountOrphans(ctx)
	if err != nil {
		return fmt.Errorf("count orphans: %w", err)
	}

	if cfg.AllowPurge && count > cfg.PurgeThreshold {
		purged, err := r.purge(ctx, count)
		if err != nil {
			return err
		}
		if purged > 0 {
			if count, err = e.store.CountOrphans(ctx); err != nil {
				return fmt.Errorf("count orphans: %w", err)
			}
		}
	}

	if cfg.Consolidate && count > cfg.ConsolidateThreshold {
		return r.consolidate(ctx, count)
	}
	return nil
}

// purge hard-deletes orphans older than the purge age
func (r *run) purge(ctx context.Context, count int) (int, error) {
	e := r.engine
	days := r.params.Emergency.PurgeAgeDays
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)

	stale, err := e.store.FindOrphansOlderThan(ctx, cutoff, count)
	if err != nil {
		return 0, fmt.Errorf("find stale orphans: %w", err)
	}

	purged := 0
	var ids []string
	for _, n := range stale {
		if err := e.store.DeleteNode(ctx, n.ID); err != nil {
			if abort(err) {
				return purged, err
			}
			if !faults.Structural(err) {
				r.report.addError("purge %s: %v", n.ID, err)
			}
			continue
		}
		purged++
		ids = append(ids, n.ID)
	}

	r.report.update(func(rep *Report) { rep.EmergencyPurged += purged })
	e.metrics.Purged(purged)
	logging.Warn("reconcile", "emergency purge deleted %d orphans older than %d days (%d orphans before)", purged, days, count)
	e.record(activity.Entry{
		Type:    activity.TypeEmergency,
		Summary: fmt.Sprintf("Emergency purge deleted %d orphans older than %d days", purged, days),
		NodeIDs: ids,
		Data:    map[string]any{"action": "purge", "orphans_before": count},
	})
	return purged, nil
}

// consolidate links every remaining orphan to the rescue hub
func (r *run) consolidate(ctx context.Context, count int) error {
	e := r.engine
	if _, err := e.store.EnsureNode(ctx, hubNode(graph.RescueHubID, "Emergency rescue hub")); err != nil {
		return fmt.Errorf("rescue hub: %w", err)
	}
	orphans, err := e.store.FindOrphans(ctx, count)
	if err != nil {
		return fmt.Errorf("find orphans: %w", err)
	}

	linked := 0
	for _, n := range orphans {
		created, err := e.store.CreateEdge(ctx, graph.EdgeSpec{
			FromID: n.ID,
			ToID:   graph.RescueHubID,
			Type:   graph.EdgeEmergencyConsolidate,
			Weight: 0.1,
			Provenance: graph.Provenance{
				Subsystem: "reconcile",
				Strategy:  StrategyEmergency,
				Reason:    fmt.Sprintf("%d orphans over emergency threshold %d", count, r.params.Emergency.ConsolidateThreshold),
				ForceMode: true,
			},
		})
		if err != nil {
			if abort(err) {
				return err
			}
			if !faults.Structural(err) {
				r.report.addError("consolidate %s: %v", n.ID, err)
			}
			continue
		}
		if created {
			linked++
		}
	}

	r.report.update(func(rep *Report) { rep.EmergencyConsolidated += linked })
	e.metrics.Connection(StrategyEmergency, linked)
	logging.Warn("reconcile", "emergency consolidation linked %d orphans to %s", linked, graph.RescueHubID)
	e.record(activity.Entry{
		Type:    activity.TypeEmergency,
		Summary: fmt.Sprintf("Emergency consolidation linked %d orphans to the rescue hub", linked),
		Data:    map[string]any{"action": "consolidate", "orphans_before": count},
	})
	return nil
}
