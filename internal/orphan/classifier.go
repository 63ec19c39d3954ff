// Package orphan classifies disconnected graph nodes so reconciliation can
// decide what to attempt first and what to leave alone.
package orphan

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vthunder/mend/internal/graph"
	"github.com/vthunder/mend/internal/textsim"
)

// Category is the structural reason a node is likely disconnected
type Category string

const (
	IsolatedObservation Category = "isolated_observation"
	DreamOutput         Category = "dream_output"
	NoiseArtifact       Category = "noise_artifact"
	SemanticOrphan      Category = "semantic_orphan"
	TemporalIsland      Category = "temporal_island"
	SystemMetadata      Category = "system_metadata"
	Unknown             Category = "unknown"
)

// Feasibility estimates how likely a connection attempt is to succeed
type Feasibility string

const (
	FeasibilityHigh       Feasibility = "high"
	FeasibilityMedium     Feasibility = "medium"
	FeasibilityLow        Feasibility = "low"
	FeasibilityImpossible Feasibility = "impossible"
)

// Priority orders orphans for reconciliation
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityIgnore   Priority = "ignore"
)

// Rank returns 0 for critical up to 4 for ignore. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Property keys written back onto classified nodes
const (
	PropCategory = "orphan_category"
	PropPriority = "orphan_priority"
)

const (
	minContentLength  = 20
	highDensity       = 0.6
	temporalIslandAge = 720 * time.Hour
)

// Record is a classified orphan. It is recomputed on every pass.
type Record struct {
	Node            *graph.Node `json:"-"`
	NodeID          string      `json:"node_id"`
	Category        Category    `json:"category"`
	Feasibility     Feasibility `json:"feasibility"`
	Priority        Priority    `json:"priority"`
	SemanticDensity float64     `json:"semantic_density"`
	AgeHours        float64     `json:"age_hours"`
}

// Classifier maps nodes to orphan records. The zero value is ready to use.
type Classifier struct{}

// NewClassifier returns a Classifier
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify is a pure function of the node and now. The first matching rule
// decides the category.
func (c *Classifier) Classify(n *graph.Node, now time.Time) Record {
	content := strings.TrimSpace(n.Content)
	length := utf8.RuneCountInString(content)
	age := n.Age(now)
	if age < 0 {
		age = 0
	}

	rec := Record{
		Node:            n,
		NodeID:          n.ID,
		SemanticDensity: textsim.Density(content),
		AgeHours:        age.Hours(),
	}

	if length < minContentLength {
		rec.Category = NoiseArtifact
		rec.Feasibility = FeasibilityImpossible
		rec.Priority = PriorityIgnore
		return rec
	}

	typ := strings.ToLower(n.Type)

	switch {
	case isDreamType(typ):
		rec.Category = DreamOutput
	case isSystemType(typ):
		rec.Category = SystemMetadata
	case age > temporalIslandAge:
		rec.Category = TemporalIsland
	case isObservationType(typ):
		rec.Category = IsolatedObservation
	case typ == "":
		rec.Category = Unknown
	default:
		rec.Category = SemanticOrphan
	}

	switch {
	case rec.SemanticDensity >= highDensity:
		rec.Feasibility = FeasibilityHigh
	case length >= minContentLength:
		rec.Feasibility = FeasibilityMedium
	default:
		rec.Feasibility = FeasibilityLow
	}

	switch {
	case isGoalType(typ):
		rec.Priority = PriorityCritical
	case rec.Category == SystemMetadata:
		rec.Priority = PriorityMedium
	case rec.Feasibility == FeasibilityHigh || rec.Category == DreamOutput:
		rec.Priority = PriorityHigh
	default:
		rec.Priority = PriorityMedium
	}
	return rec
}

// WriteBack returns the properties to persist for rec, or nil when the node
// already carries the same category and priority.
func WriteBack(n *graph.Node, rec Record) graph.Properties {
	if n.Properties.String(PropCategory) == string(rec.Category) &&
		n.Properties.String(PropPriority) == string(rec.Priority) {
		return nil
	}
	return graph.Properties{
		PropCategory: string(rec.Category),
		PropPriority: string(rec.Priority),
	}
}

func isDreamType(typ string) bool {
	return strings.Contains(typ, "reflection") || strings.Contains(typ, "dream")
}

func isSystemType(typ string) bool {
	return strings.Contains(typ, "systemmetadata") || strings.Contains(typ, "system_metadata") ||
		strings.HasPrefix(typ, "system") || strings.Contains(typ, "metadata")
}

func isObservationType(typ string) bool {
	for _, s := range []string{"observation", "experience", "perception", "event", "episode"} {
		if strings.Contains(typ, s) {
			return true
		}
	}
	return false
}

func isGoalType(typ string) bool {
	for _, s := range []string{"goal", "desire", "intention"} {
		if strings.Contains(typ, s) {
			return true
		}
	}
	return false
}
