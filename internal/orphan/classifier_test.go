package orphan

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vthunder/mend/internal/graph"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fresh := now.Add(-2 * time.Hour)
	ancient := now.Add(-800 * time.Hour)

	tests := []struct {
		name        string
		node        graph.Node
		category    Category
		feasibility Feasibility
		priority    Priority
	}{
		{
			name:        "short content is noise",
			node:        graph.Node{Type: "Observation", Content: "   ok thanks   ", CreatedAt: fresh},
			category:    NoiseArtifact,
			feasibility: FeasibilityImpossible,
			priority:    PriorityIgnore,
		},
		{
			name:        "noise wins over reflection type",
			node:        graph.Node{Type: "Reflection", Content: "hmm", CreatedAt: fresh},
			category:    NoiseArtifact,
			feasibility: FeasibilityImpossible,
			priority:    PriorityIgnore,
		},
		{
			name:        "reflection is dream output",
			node:        graph.Node{Type: "Reflection", Content: "it is what it is and that was all of it", CreatedAt: fresh},
			category:    DreamOutput,
			feasibility: FeasibilityMedium,
			priority:    PriorityHigh,
		},
		{
			name:        "dream output even when ancient",
			node:        graph.Node{Type: "DreamFragment", Content: "flying over glaciers toward distant lighthouses", CreatedAt: ancient},
			category:    DreamOutput,
			feasibility: FeasibilityHigh,
			priority:    PriorityHigh,
		},
		{
			name:        "system metadata stays medium even when dense",
			node:        graph.Node{Type: "SystemMetadata", Content: "scheduler heartbeat recorded successfully", CreatedAt: fresh},
			category:    SystemMetadata,
			feasibility: FeasibilityHigh,
			priority:    PriorityMedium,
		},
		{
			name:        "old node is temporal island",
			node:        graph.Node{Type: "Observation", Content: "it was there and then it was not there", CreatedAt: ancient},
			category:    TemporalIsland,
			feasibility: FeasibilityMedium,
			priority:    PriorityMedium,
		},
		{
			name:        "observation",
			node:        graph.Node{Type: "Observation", Content: "neighbour repainted fence bright yellow yesterday", CreatedAt: fresh},
			category:    IsolatedObservation,
			feasibility: FeasibilityHigh,
			priority:    PriorityHigh,
		},
		{
			name:        "experience-like type",
			node:        graph.Node{Type: "user_experience", Content: "it was what it was and we had it", CreatedAt: fresh},
			category:    IsolatedObservation,
			feasibility: FeasibilityMedium,
			priority:    PriorityMedium,
		},
		{
			name:        "default semantic orphan",
			node:        graph.Node{Type: "Belief", Content: "it is what it is and that was all of it", CreatedAt: fresh},
			category:    SemanticOrphan,
			feasibility: FeasibilityMedium,
			priority:    PriorityMedium,
		},
		{
			name:        "goal is critical",
			node:        graph.Node{Type: "Goal", Content: "finish restoring grandfather's sailboat", CreatedAt: fresh},
			category:    SemanticOrphan,
			feasibility: FeasibilityHigh,
			priority:    PriorityCritical,
		},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := tt.node
			rec := c.Classify(&node, now)
			assert.Equal(t, tt.category, rec.Category)
			assert.Equal(t, tt.feasibility, rec.Feasibility)
			assert.Equal(t, tt.priority, rec.Priority)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	node := &graph.Node{
		ID:        "n1",
		Type:      "Observation",
		Content:   strings.Repeat("the quick brown fox jumps over the lazy dog ", 3),
		CreatedAt: now.Add(-36 * time.Hour),
	}
	c := NewClassifier()
	first := c.Classify(node, now)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, c.Classify(node, now))
	}
	assert.InDelta(t, 36.0, first.AgeHours, 1e-9)
	assert.Greater(t, first.SemanticDensity, 0.0)
	assert.LessOrEqual(t, first.SemanticDensity, 1.0)
}

func TestPriorityRank(t *testing.T) {
	ordered := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityIgnore}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1].Rank(), ordered[i].Rank())
	}
}

func TestWriteBack(t *testing.T) {
	node := &graph.Node{ID: "n1", Type: "Observation", Properties: graph.Properties{}}
	rec := Record{Category: IsolatedObservation, Priority: PriorityHigh}

	props := WriteBack(node, rec)
	assert.Equal(t, graph.Properties{
		PropCategory: "isolated_observation",
		PropPriority: "high",
	}, props)

	node.Properties = node.Properties.Merge(props)
	assert.Nil(t, WriteBack(node, rec), "unchanged tags are not rewritten")

	rec.Priority = PriorityMedium
	assert.NotNil(t, WriteBack(node, rec))
}
