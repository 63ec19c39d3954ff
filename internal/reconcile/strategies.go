package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/graph"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/orphan"
)

// Strategy names, as reported in Report.ByStrategy and edge provenance
const (
	StrategySemantic  = "semantic"
	StrategyType      = "type_cluster"
	StrategyTemporal  = "temporal"
	StrategyHub       = "hub"
	StrategyRelaxed   = "relaxed_semantic"
	StrategyEmergency = "emergency"
)

// strategy tries to link one orphan. applied is true once the node has an
// edge, whether newly created or already present.
type strategy func(ctx context.Context, w *work) (applied bool, err error)

// strategies returns the chain for one orphan. Hub connection is reserved for
// critical-priority orphans whatever the run's severity.
func (r *run) strategies(w *work) []strategy {
	chain := []strategy{r.semantic, r.typeCluster, r.temporal}
	if w.rec.Priority == orphan.PriorityCritical {
		chain = append(chain, r.hub)
	}
	return chain
}

// connect runs the strategy chain; the first strategy that applies wins
func (r *run) connect(ctx context.Context, w *work) (bool, error) {
	for _, s := range r.strategies(w) {
		applied, err := s(ctx, w)
		if err != nil {
			return false, err
		}
		if applied {
			return true, nil
		}
	}
	return false, nil
}

// semantic compares the orphan with recent nodes and links the best match
// when it clears the similarity threshold
func (r *run) semantic(ctx context.Context, w *work) (bool, error) {
	e := r.engine
	candidates, err := e.store.RecentNodes(ctx, w.rec.NodeID, r.params.CandidatePool)
	if err != nil {
		return false, err
	}

	w.bestID, w.bestScore = "", 0
	for _, c := range candidates {
		score, err := e.oracle.Similarity(ctx, w.rec.Node.Content, c.Content)
		if err != nil {
			if faults.Structural(err) {
				continue
			}
			return false, err
		}
		if score > w.bestScore {
			w.bestID, w.bestScore = c.ID, score
		}
	}
	if w.bestID == "" || w.bestScore < r.params.SimilarityThreshold {
		return false, nil
	}
	return r.link(ctx, w.rec.NodeID, w.bestID, graph.EdgeSemanticallyRelated, w.bestScore, StrategySemantic,
		fmt.Sprintf("similarity %.3f >= %.2f", w.bestScore, r.params.SimilarityThreshold))
}

// typeCluster pairs the orphan with another orphan of the same type
func (r *run) typeCluster(ctx context.Context, w *work) (bool, error) {
	if w.rec.Node.Type == "" {
		return false, nil
	}
	peers, err := r.engine.store.FindOrphansByType(ctx, w.rec.Node.Type, w.rec.NodeID, 1)
	if err != nil || len(peers) == 0 {
		return false, err
	}
	return r.link(ctx, w.rec.NodeID, peers[0].ID, graph.EdgeSameType, 0.5, StrategyType,
		"orphans of type "+w.rec.Node.Type)
}

// temporal pairs the orphan with another orphan created within the window
func (r *run) temporal(ctx context.Context, w *work) (bool, error) {
	window := r.params.TemporalWindow
	if window <= 0 {
		return false, nil
	}
	created := w.rec.Node.CreatedAt
	peers, err := r.engine.store.FindOrphansCreatedBetween(ctx, created.Add(-window), created.Add(window), w.rec.NodeID, 1)
	if err != nil || len(peers) == 0 {
		return false, err
	}
	return r.link(ctx, w.rec.NodeID, peers[0].ID, graph.EdgeTemporallyColocated, 0.3, StrategyTemporal,
		fmt.Sprintf("created within %s", window))
}

// hub links the orphan to the best-connected node of its type
func (r *run) hub(ctx context.Context, w *work) (bool, error) {
	target, err := r.engine.store.MostConnectedOfType(ctx, w.rec.Node.Type, w.rec.NodeID)
	if errors.Is(err, faults.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.link(ctx, w.rec.NodeID, target.ID, graph.EdgeLinkedToHub, 0.4, StrategyHub,
		"most connected "+w.rec.Node.Type)
}

// link creates one edge. A vanished endpoint is a miss, not an error.
func (r *run) link(ctx context.Context, from, to string, typ graph.EdgeType, weight float64, strategy, reason string) (bool, error) {
	created, err := r.engine.store.CreateEdge(ctx, graph.EdgeSpec{
		FromID: from,
		ToID:   to,
		Type:   typ,
		Weight: weight,
		Provenance: graph.Provenance{
			Subsystem: "reconcile",
			Strategy:  strategy,
			Reason:    reason,
		},
	})
	if err != nil {
		if faults.Structural(err) {
			return false, nil
		}
		return false, err
	}
	r.report.connected(strategy, created)
	if created {
		r.engine.metrics.Connection(strategy, 1)
		logging.Debug("reconcile", "%s: %s -[%s]-> %s", strategy, from, typ, to)
	}
	return true, nil
}

// relax retries unresolved orphans against their cached best match with a
// lower threshold at each step. No oracle calls are made.
func (r *run) relax(ctx context.Context) {
	pending := r.unresolved
	ladder := thresholdLadder(r.params.SimilarityThreshold, r.params.ThresholdFloor)

	for _, threshold := range ladder[1:] {
		if len(pending) == 0 || ctx.Err() != nil {
			break
		}
		var next []*work
		for _, w := range pending {
			if w.bestID == "" || w.bestScore < threshold {
				next = append(next, w)
				continue
			}
			orphaned, err := r.engine.store.IsOrphan(ctx, w.rec.NodeID)
			if err != nil || !orphaned {
				continue
			}
			applied, err := r.link(ctx, w.rec.NodeID, w.bestID, graph.EdgeSemanticallyRelated, w.bestScore, StrategyRelaxed,
				fmt.Sprintf("similarity %.3f >= relaxed %.2f", w.bestScore, threshold))
			if err != nil {
				r.report.addError("relax %s: %v", w.rec.NodeID, err)
				continue
			}
			if !applied {
				next = append(next, w)
			}
		}
		pending = next
	}
	r.unresolved = pending
	r.report.Unresolved = len(pending)
}
