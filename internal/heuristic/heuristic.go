// Package heuristic links fresh orphans to trusted anchor nodes by keyword
// overlap. It never calls the oracle, so it is cheap enough to run every
// processing cycle.
package heuristic

import (
	"context"
	"fmt"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/graph"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/metrics"
	"github.com/vthunder/mend/internal/textsim"
)

// Store is the slice of the graph store the heuristic needs
type Store interface {
	FindOrphans(ctx context.Context, limit int) ([]*graph.Node, error)
	ListNodes(ctx context.Context, f graph.NodeFilter) ([]*graph.Node, error)
	CreateEdge(ctx context.Context, spec graph.EdgeSpec) (bool, error)
}

// Auditor records passes that created links
type Auditor interface {
	Log(entry activity.Entry) error
}

// Result of one pass
type Result struct {
	ConnectionsCreated int `json:"connections_created"`
	OrphansFound       int `json:"orphans_found"`
	AnchorsConsidered  int `json:"anchors_considered"`
}

// Defaults
const (
	DefaultAnchorConfidence = 0.7
	DefaultMaxAnchors       = 200
)

// DefaultAnchorTypes are the belief-like node types orphans may attach to
var DefaultAnchorTypes = []string{graph.TypeBelief, graph.TypeCrystal, "Concept"}

// Heuristic is safe for concurrent use; it keeps no state between passes
type Heuristic struct {
	store         Store
	anchorTypes   []string
	minConfidence float64
	maxAnchors    int
	metrics       *metrics.Metrics
	audit         Auditor
}

// Option configures a Heuristic
type Option func(*Heuristic)

// WithAnchorTypes replaces the anchor node types
func WithAnchorTypes(types ...string) Option {
	return func(h *Heuristic) { h.anchorTypes = types }
}

// WithMinConfidence sets the anchor confidence floor
func WithMinConfidence(c float64) Option {
	return func(h *Heuristic) { h.minConfidence = c }
}

// WithMetrics counts links
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Heuristic) { h.metrics = m }
}

// WithAudit records passes that linked something
func WithAudit(a Auditor) Option {
	return func(h *Heuristic) { h.audit = a }
}

// New creates a heuristic over store
func New(store Store, opts ...Option) *Heuristic {
	h := &Heuristic{
		store:         store,
		anchorTypes:   DefaultAnchorTypes,
		minConfidence: DefaultAnchorConfidence,
		maxAnchors:    DefaultMaxAnchors,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type anchor struct {
	node     *graph.Node
	keywords map[string]bool
}

// Apply pulls up to maxConnections orphans and links each one to every anchor
// whose keyword Jaccard score is at least threshold, stopping once
// maxConnections edges have been created.
func (h *Heuristic) Apply(ctx context.Context, threshold float64, maxConnections int) (Result, error) {
	var res Result
	if maxConnections <= 0 {
		return res, nil
	}
	if threshold <= 0 || threshold > 1 {
		return res, fmt.Errorf("heuristic threshold %v: %w: must be in (0, 1]", threshold, faults.ErrMalformed)
	}

	orphans, err := h.store.FindOrphans(ctx, maxConnections)
	if err != nil {
		return res, fmt.Errorf("find orphans: %w", err)
	}
	res.OrphansFound = len(orphans)
	if len(orphans) == 0 {
		return res, nil
	}

	anchors, err := h.anchors(ctx)
	if err != nil {
		return res, err
	}
	res.AnchorsConsidered = len(anchors)
	if len(anchors) == 0 {
		return res, nil
	}

	var linked []string
	for _, o := range orphans {
		if res.ConnectionsCreated >= maxConnections || ctx.Err() != nil {
			break
		}
		words := textsim.Keywords(o.Content)
		if len(words) == 0 {
			continue
		}
		for _, a := range anchors {
			if res.ConnectionsCreated >= maxConnections {
				break
			}
			if a.node.ID == o.ID {
				continue
			}
			score := textsim.Jaccard(words, a.keywords)
			if score < threshold {
				continue
			}
			created, err := h.store.CreateEdge(ctx, graph.EdgeSpec{
				FromID: o.ID,
				ToID:   a.node.ID,
				Type:   graph.EdgeSimilarTo,
				Weight: score,
				Provenance: graph.Provenance{
					Subsystem: "heuristic",
					Reason:    fmt.Sprintf("keyword overlap %.2f", score),
				},
			})
			if err != nil {
				if faults.Structural(err) {
					continue
				}
				return res, fmt.Errorf("link %s: %w", o.ID, err)
			}
			if created {
				res.ConnectionsCreated++
				linked = append(linked, o.ID)
			}
		}
	}

	if res.ConnectionsCreated > 0 {
		h.metrics.Heuristic(res.ConnectionsCreated)
		logging.Info("heuristic", "linked %d edges for %d orphans against %d anchors",
			res.ConnectionsCreated, res.OrphansFound, res.AnchorsConsidered)
		if h.audit != nil {
			if err := h.audit.Log(activity.Entry{
				Type:    activity.TypeHeuristic,
				Summary: fmt.Sprintf("Heuristic linked %d edges", res.ConnectionsCreated),
				Source:  "heuristic",
				NodeIDs: linked,
				Data:    map[string]any{"threshold": threshold, "orphans_found": res.OrphansFound},
			}); err != nil {
				logging.Warn("heuristic", "audit log: %v", err)
			}
		}
	}
	return res, nil
}

// anchors returns live anchor nodes at or above the confidence floor
func (h *Heuristic) anchors(ctx context.Context) ([]anchor, error) {
	nodes, err := h.store.ListNodes(ctx, graph.NodeFilter{Types: h.anchorTypes, Limit: h.maxAnchors})
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	out := make([]anchor, 0, len(nodes))
	for _, n := range nodes {
		if n.IsArchived() {
			continue
		}
		if c, ok := n.Properties.Float("confidence"); !ok || c < h.minConfidence {
			continue
		}
		text := n.Content
		if essence := n.Properties.String("essence"); essence != "" {
			text = essence
		}
		kw := textsim.Keywords(text)
		if len(kw) == 0 {
			continue
		}
		out = append(out, anchor{node: n, keywords: kw})
	}
	return out, nil
}
