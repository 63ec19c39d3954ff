package crystal

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/graph"
)

// Crystal node property keys
const (
	PropEssence    = "essence"
	PropFacets     = "facets"
	PropSources    = "source_node_ids"
	PropConfidence = "confidence"
)

// execute builds the mutation for p and commits it in one transaction
func (e *Engine) execute(ctx context.Context, p Proposal, c *candidates, out *Outcome) error {
	var (
		m   graph.Mutation
		err error
	)
	switch p.Operation {
	case OpCreate:
		m, err = e.create(p, out)
	case OpAbsorb:
		m, err = e.absorb(p, c, out)
	case OpMerge:
		m, err = e.merge(ctx, p, c, out)
	case OpPrune:
		m = graph.Mutation{}
		for _, id := range p.NodeIDs {
			m.Archive = append(m.Archive, graph.Archival{ID: id, Reason: "pruned: " + p.Reason})
		}
		out.AffectedNodeIDs = append(out.AffectedNodeIDs, p.NodeIDs...)
	case OpForget:
		m = graph.Mutation{Delete: p.NodeIDs}
		out.AffectedNodeIDs = append(out.AffectedNodeIDs, p.NodeIDs...)
	default:
		err = fmt.Errorf("execute %s: %w: unsupported operation", p.Operation, faults.ErrMalformed)
	}
	if err != nil {
		return err
	}

	if _, err := e.store.Apply(ctx, m); err != nil {
		return fmt.Errorf("execute %s: %w", p.Operation, err)
	}
	return nil
}

func (e *Engine) create(p Proposal, out *Outcome) (graph.Mutation, error) {
	if len(p.NodeIDs) < e.cfg.MinNodes {
		return graph.Mutation{}, fmt.Errorf("CREATE: %w: %d nodes, need %d", faults.ErrMalformed, len(p.NodeIDs), e.cfg.MinNodes)
	}
	crystal := e.newCrystal(p.Essence, p.Facets, p.NodeIDs, p.Confidence, out)
	m := graph.Mutation{Nodes: []*graph.Node{crystal}}
	m.Edges = e.memberEdges(p.NodeIDs, crystal.ID, "created with crystal")

	out.CrystalID = crystal.ID
	out.AffectedNodeIDs = append(out.AffectedNodeIDs, p.NodeIDs...)
	return m, nil
}

func (e *Engine) absorb(p Proposal, c *candidates, out *Outcome) (graph.Mutation, error) {
	crystal := c.byID[p.CrystalID]
	set := graph.Properties{
		PropFacets:  union(crystal.Properties.Strings(PropFacets), p.Facets),
		PropSources: union(crystal.Properties.Strings(PropSources), p.NodeIDs),
	}
	m := graph.Mutation{
		Updates: []graph.PropertyUpdate{{ID: crystal.ID, Set: set}},
		Edges:   e.memberEdges(p.NodeIDs, crystal.ID, "absorbed: "+p.Reason),
	}

	out.CrystalID = crystal.ID
	out.AffectedNodeIDs = append(out.AffectedNodeIDs, p.NodeIDs...)
	return m, nil
}

// merge creates a crystal over the union of the inputs' members and archives
// the inputs
func (e *Engine) merge(ctx context.Context, p Proposal, c *candidates, out *Outcome) (graph.Mutation, error) {
	var members, facets []string
	var confidence float64
	for _, id := range p.CrystalIDs {
		ids, err := e.store.MemberIDs(ctx, id)
		if err != nil {
			return graph.Mutation{}, fmt.Errorf("MERGE members of %s: %w", id, err)
		}
		members = union(members, ids)
		in := c.byID[id]
		facets = union(facets, in.Properties.Strings(PropFacets))
		if v, ok := in.Properties.Float(PropConfidence); ok {
			confidence = max(confidence, v)
		}
	}
	if p.Confidence > 0 {
		confidence = p.Confidence
	}

	crystal := e.newCrystal(p.NewEssence, union(facets, p.Facets), members, confidence, out)
	crystal.Properties["merged_from"] = p.CrystalIDs
	m := graph.Mutation{Nodes: []*graph.Node{crystal}}
	m.Edges = e.memberEdges(members, crystal.ID, "merged")
	for _, id := range p.CrystalIDs {
		m.Archive = append(m.Archive, graph.Archival{ID: id, Reason: "merged into " + crystal.ID})
	}

	out.CrystalID = crystal.ID
	out.AffectedNodeIDs = append(out.AffectedNodeIDs, p.CrystalIDs...)
	out.AffectedNodeIDs = append(out.AffectedNodeIDs, members...)
	return m, nil
}

// newCrystal builds a crystal node with a pre-assigned id so member edges can
// reference it inside the same mutation
func (e *Engine) newCrystal(essence string, facets, sources []string, confidence float64, out *Outcome) *graph.Node {
	if facets == nil {
		facets = []string{}
	}
	return &graph.Node{
		ID:        uuid.NewString(),
		Type:      graph.TypeCrystal,
		Content:   essence,
		CreatedAt: e.now(),
		Properties: graph.Properties{
			PropEssence:    essence,
			PropFacets:     facets,
			PropSources:    sources,
			PropConfidence: confidence,
			"provenance": map[string]any{
				"subsystem":      "crystal",
				"operation":      string(out.Operation),
				"reason":         out.Reason,
				"entropy_source": out.EntropySource,
				"entropy_value":  out.EntropyValue,
				"discarded":      out.Alternatives,
			},
		},
	}
}

func (e *Engine) memberEdges(from []string, crystalID, reason string) []graph.EdgeSpec {
	edges := make([]graph.EdgeSpec, 0, len(from))
	for _, id := range from {
		edges = append(edges, graph.EdgeSpec{
			FromID: id,
			ToID:   crystalID,
			Type:   graph.EdgeMemberOf,
			Provenance: graph.Provenance{
				Subsystem: "crystal",
				Reason:    reason,
				CreatedAt: e.now(),
			},
		})
	}
	return edges
}

// union appends the values of b missing from a, keeping order
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
