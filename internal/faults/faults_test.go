package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		transient    bool
		structural   bool
		catastrophic bool
	}{
		{"nil", nil, false, false, false},
		{"rate limit", fmt.Errorf("similarity: %w", ErrRateLimited), true, false, false},
		{"busy", fmt.Errorf("insert edge: %w", ErrBusy), true, false, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true, false, false},
		{"canceled", context.Canceled, false, false, false},
		{"not found", fmt.Errorf("node x: %w", ErrNotFound), false, true, false},
		{"malformed", fmt.Errorf("proposal: %w", ErrMalformed), false, true, false},
		{"unavailable", fmt.Errorf("open: %w", ErrUnavailable), false, false, true},
		{"plain", errors.New("boom"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, Transient(tt.err))
			assert.Equal(t, tt.structural, Structural(tt.err))
			assert.Equal(t, tt.catastrophic, Catastrophic(tt.err))
		})
	}
}
