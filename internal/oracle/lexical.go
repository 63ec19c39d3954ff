package oracle

import (
	"context"

	"github.com/vthunder/mend/internal/textsim"
)

// Lexical is an oracle without a model: keyword Jaccard for similarity and
// a NONE proposal for every request. Lets the engine run offline.
type Lexical struct{}

// Similarity implements Oracle
func (Lexical) Similarity(ctx context.Context, a, b string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return textsim.Similarity(a, b), nil
}

// Propose implements Oracle
func (Lexical) Propose(ctx context.Context, summary string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return `{"operation":"NONE","reason":"lexical oracle does not propose"}`, nil
}
