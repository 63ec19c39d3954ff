package oracle

import "strings"

const proposalInstructions = `You maintain a knowledge graph. Below are disconnected nodes and existing
concept crystals. Propose exactly ONE consolidation operation.

Operations (respond with a single JSON object, no prose):
  {"operation":"CREATE","node_ids":[...],"essence":"...","facets":["..."],"confidence":0.0-1.0}
  {"operation":"ABSORB","crystal_id":"...","node_ids":[...],"facets":["..."],"reason":"..."}
  {"operation":"MERGE","crystal_ids":[...],"new_essence":"...","reason":"..."}
  {"operation":"PRUNE","node_ids":[...],"reason":"..."}
  {"operation":"FORGET","node_ids":[...],"reason":"..."}   (only for meaningless noise)
  {"operation":"NONE","reason":"..."}

Rules:
- Use only ids that appear below.
- CREATE needs at least two related nodes.
- Prefer NONE over a weak grouping.

`

func proposalPrompt(summary string) string {
	var b strings.Builder
	b.WriteString(proposalInstructions)
	b.WriteString(summary)
	b.WriteString("\n\nJSON:")
	return b.String()
}
