package graph

import (
	"time"
)

// EdgeType defines the type of relationship between nodes. Open-ended:
// callers may use any string, the constants below are the ones the engine
// writes itself.
type EdgeType string

const (
	// Reconciliation strategies
	EdgeSemanticallyRelated  EdgeType = "SEMANTICALLY_RELATED"
	EdgeSameType             EdgeType = "SAME_TYPE"
	EdgeTemporallyColocated  EdgeType = "TEMPORALLY_COLOCATED"
	EdgeLinkedToHub          EdgeType = "LINKED_TO_HUB"
	EdgeForceConnected       EdgeType = "FORCE_CONNECTED"
	EdgeEmergencyConsolidate EdgeType = "EMERGENCY_CONSOLIDATED"

	// Connection heuristic
	EdgeSimilarTo EdgeType = "SIMILAR_TO"

	// Crystallization
	EdgeMemberOf EdgeType = "MEMBER_OF"

	// Written by callers adding nodes by hand
	EdgeRelated EdgeType = "RELATED"
)

// Node types the engine reads or writes. Node.Type is an open string; these
// are only the well-known values.
const (
	TypeObservation    = "Observation"
	TypeReflection     = "Reflection"
	TypeSystemMetadata = "SystemMetadata"
	TypeBelief         = "Belief"
	TypeGoal           = "Goal"
	TypeCrystal        = "CrystalConcept" // reserved
	TypeHub            = "Hub"            // reserved, never reported as orphan
)

// Well-known hub node ids.
const (
	ForceHubID  = "hub:force-mode"
	RescueHubID = "hub:emergency-rescue"
)

// Node is a record in the knowledge graph.
type Node struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Content       string     `json:"content"`
	CreatedAt     time.Time  `json:"created_at"`
	Properties    Properties `json:"properties,omitempty"`
	ArchivedAt    time.Time  `json:"archived_at,omitempty"`
	ArchiveReason string     `json:"archive_reason,omitempty"`
}

// IsArchived returns true if the node was soft-deleted
func (n *Node) IsArchived() bool {
	return !n.ArchivedAt.IsZero()
}

// Age returns how long ago the node was created relative to now
func (n *Node) Age(now time.Time) time.Duration {
	return now.Sub(n.CreatedAt)
}

// Edge represents a relationship between nodes
type Edge struct {
	ID         int64      `json:"id,omitempty"`
	FromID     string     `json:"from_id"`
	ToID       string     `json:"to_id"`
	Type       EdgeType   `json:"type"`
	Weight     float64    `json:"weight"`
	Properties Properties `json:"properties,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
}

// EdgeSpec describes an edge to create.
type EdgeSpec struct {
	FromID     string
	ToID       string
	Type       EdgeType
	Weight     float64 // 0 means 1.0
	Provenance Provenance
}

// Provenance records which subsystem created an edge or node and why.
// It is flattened into the properties under the "provenance" key.
type Provenance struct {
	Subsystem string    `json:"subsystem"`
	Strategy  string    `json:"strategy,omitempty"`
	Reason    string    `json:"reason"`
	ForceMode bool      `json:"force_mode,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (p Provenance) properties() Properties {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	prov := map[string]any{
		"subsystem":  p.Subsystem,
		"reason":     p.Reason,
		"created_at": created.UTC().Format(time.RFC3339Nano),
	}
	if p.Strategy != "" {
		prov["strategy"] = p.Strategy
	}
	if p.ForceMode {
		prov["force_mode"] = true
	}
	return Properties{"provenance": prov}
}

// Archival marks a node for soft deletion.
type Archival struct {
	ID     string
	Reason string
}

// PropertyUpdate merges Set into a node's properties.
type PropertyUpdate struct {
	ID  string
	Set Properties
}

// Mutation is a set of writes applied in one transaction by DB.Apply.
// Order of application: nodes, property updates, edges, archivals, deletes.
type Mutation struct {
	Nodes   []*Node
	Updates []PropertyUpdate
	Edges   []EdgeSpec
	Archive []Archival
	Delete  []string
}

// MutationResult reports what Apply changed.
type MutationResult struct {
	NodeIDs       []string
	EdgesCreated  int
	EdgesExisting int
	Archived      int
	Deleted       int
}

// NodeFilter narrows ListNodes.
type NodeFilter struct {
	Types           []string
	Limit           int
	IncludeArchived bool
}
