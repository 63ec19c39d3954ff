// Package crystal consolidates related nodes into concept crystals. Each
// cycle gathers candidates, asks the oracle for several independent
// proposals, picks one with a value from the entropy source and commits it in
// a single store transaction.
package crystal

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/entropy"
	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/graph"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/metrics"
	"github.com/vthunder/mend/internal/orphan"
)

// State of the crystallization cycle
type State int32

const (
	StateIdle State = iota
	StateCandidatesGathered
	StateProposalsRequested
	StateProposalSelected
	StateExecuted
)

func (s State) String() string {
	switch s {
	case StateCandidatesGathered:
		return "candidates_gathered"
	case StateProposalsRequested:
		return "proposals_requested"
	case StateProposalSelected:
		return "proposal_selected"
	case StateExecuted:
		return "executed"
	}
	return "idle"
}

// Store is the slice of the graph store crystallization needs
type Store interface {
	FindOrphansOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*graph.Node, error)
	ListNodes(ctx context.Context, f graph.NodeFilter) ([]*graph.Node, error)
	MemberIDs(ctx context.Context, crystalID string) ([]string, error)
	Apply(ctx context.Context, m graph.Mutation) (*graph.MutationResult, error)
}

// Oracle proposes consolidation operations
type Oracle interface {
	Propose(ctx context.Context, summary string) (string, error)
}

// Auditor records committed and skipped cycles
type Auditor interface {
	Log(entry activity.Entry) error
}

// Config for the crystallization engine
type Config struct {
	MinAge          time.Duration // orphans younger than this are left for reconciliation
	ProposalStreams int
	MinNodes        int // sources required by CREATE
	MaxCandidates   int
	MaxCrystals     int
}

// DefaultConfig returns the standard configuration
func DefaultConfig() Config {
	return Config{
		MinAge:          24 * time.Hour,
		ProposalStreams: 3,
		MinNodes:        2,
		MaxCandidates:   50,
		MaxCrystals:     15,
	}
}

// Outcome of one cycle
type Outcome struct {
	Operation       Operation `json:"operation"`
	AffectedNodeIDs []string  `json:"affected_node_ids"`
	CrystalID       string    `json:"crystal_id,omitempty"`
	NoOp            bool      `json:"no_op"`
	Reason          string    `json:"reason,omitempty"`

	Candidates int `json:"candidates"`
	Requested  int `json:"proposals_requested"`
	Valid      int `json:"proposals_valid"`
	Discarded  int `json:"proposals_discarded"`

	EntropySource string   `json:"entropy_source,omitempty"`
	EntropyValue  float64  `json:"entropy_value,omitempty"`
	SelectedIndex int      `json:"selected_index"`
	Alternatives  []string `json:"alternatives,omitempty"` // digests of proposals not selected
}

// Engine runs crystallization cycles. Only one cycle runs at a time;
// overlapping calls return a no-op outcome immediately.
type Engine struct {
	store      Store
	oracle     Oracle
	entropy    entropy.Source
	classifier *orphan.Classifier
	cfg        Config
	metrics    *metrics.Metrics
	audit      Auditor
	now        func() time.Time

	running sync.Mutex
	state   atomic.Int32
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics records committed operations
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudit records outcomes in the activity log
func WithAudit(a Auditor) Option {
	return func(e *Engine) { e.audit = a }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a crystallization engine
func New(store Store, oracle Oracle, src entropy.Source, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.ProposalStreams <= 0 {
		cfg.ProposalStreams = def.ProposalStreams
	}
	if cfg.MinNodes <= 0 {
		cfg.MinNodes = def.MinNodes
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.MaxCrystals <= 0 {
		cfg.MaxCrystals = def.MaxCrystals
	}
	e := &Engine{
		store:      store,
		oracle:     oracle,
		entropy:    src,
		classifier: orphan.NewClassifier(),
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current cycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) enter(s State) {
	e.state.Store(int32(s))
}

// candidates is what a cycle may operate on
type candidates struct {
	orphans  []*graph.Node
	crystals []*graph.Node
	byID     map[string]*graph.Node
}

func (c *candidates) isOrphan(id string) bool {
	n, ok := c.byID[id]
	return ok && n.Type != graph.TypeCrystal
}

func (c *candidates) isCrystal(id string) bool {
	n, ok := c.byID[id]
	return ok && n.Type == graph.TypeCrystal
}

// proposal is one stream's result
type proposal struct {
	raw      string
	parsed   Proposal
	err      error
	rejected bool
}

// RunCycle performs one crystallization cycle. A failure at any step returns
// the engine to idle and is returned; the next cycle starts fresh.
func (e *Engine) RunCycle(ctx context.Context) (*Outcome, error) {
	if !e.running.TryLock() {
		return &Outcome{Operation: OpNone, NoOp: true, Reason: "cycle already running", AffectedNodeIDs: []string{}}, nil
	}
	defer e.running.Unlock()
	defer e.enter(StateIdle)

	out, err := e.cycle(ctx)
	if err != nil {
		logging.Error("crystal", err, "cycle failed in state %s", e.State())
		if e.audit != nil {
			if lerr := e.audit.Log(activity.Entry{
				Type:    activity.TypeError,
				Summary: "Crystallization cycle failed",
				Source:  "crystal",
				Data:    map[string]any{"error": err.Error(), "state": e.State().String()},
			}); lerr != nil {
				logging.Warn("crystal", "audit log: %v", lerr)
			}
		}
		return nil, err
	}
	e.record(out)
	return out, nil
}

func (e *Engine) cycle(ctx context.Context) (*Outcome, error) {
	cands, err := e.gather(ctx)
	if err != nil {
		return nil, err
	}
	e.enter(StateCandidatesGathered)

	out := &Outcome{Operation: OpNone, AffectedNodeIDs: []string{}, Candidates: len(cands.byID)}
	if len(cands.byID) == 0 {
		out.NoOp = true
		out.Reason = "no candidates"
		return out, nil
	}

	props, err := e.request(ctx, summarize(cands))
	if err != nil {
		return nil, err
	}
	e.enter(StateProposalsRequested)
	out.Requested = len(props)

	valid := e.screen(props, cands)
	out.Valid = len(valid)
	for _, p := range props {
		if p.rejected {
			out.Discarded++
		}
	}

	if len(valid) == 0 {
		out.NoOp = true
		out.Reason = noOpReason(props)
		out.Alternatives = digests(props, -1)
		return out, nil
	}

	idx := 0
	if len(valid) > 1 {
		v, tag := e.entropy.Float(ctx)
		idx = Select(len(valid), v)
		out.EntropySource = tag
		out.EntropyValue = v
	}
	chosen := valid[idx]
	out.SelectedIndex = idx
	out.Alternatives = digests(props, indexOf(props, chosen))
	out.Operation = chosen.parsed.Operation
	out.Reason = chosen.parsed.Reason
	e.enter(StateProposalSelected)

	if err := e.execute(ctx, chosen.parsed, cands, out); err != nil {
		return nil, err
	}
	e.enter(StateExecuted)
	return out, nil
}

// gather collects recent crystals and aged orphans, capped at MaxCandidates
func (e *Engine) gather(ctx context.Context) (*candidates, error) {
	crystals, err := e.store.ListNodes(ctx, graph.NodeFilter{
		Types: []string{graph.TypeCrystal},
		Limit: min(e.cfg.MaxCrystals, e.cfg.MaxCandidates),
	})
	if err != nil {
		return nil, fmt.Errorf("list crystals: %w", err)
	}

	c := &candidates{crystals: crystals, byID: make(map[string]*graph.Node)}
	for _, n := range crystals {
		c.byID[n.ID] = n
	}

	room := e.cfg.MaxCandidates - len(crystals)
	if room > 0 {
		orphans, err := e.store.FindOrphansOlderThan(ctx, e.now().Add(-e.cfg.MinAge), room)
		if err != nil {
			return nil, fmt.Errorf("find orphans: %w", err)
		}
		for _, n := range orphans {
			if n.Type == graph.TypeCrystal {
				continue
			}
			c.orphans = append(c.orphans, n)
			c.byID[n.ID] = n
		}
	}
	return c, nil
}

// request runs ProposalStreams independent Propose calls. Per-stream
// failures are kept with the stream; a catastrophic failure ends the cycle.
func (e *Engine) request(ctx context.Context, summary string) ([]*proposal, error) {
	props := make([]*proposal, e.cfg.ProposalStreams)
	g, gctx := errgroup.WithContext(ctx)
	for i := range props {
		g.Go(func() error {
			raw, err := e.oracle.Propose(gctx, summary)
			props[i] = &proposal{raw: raw, err: err}
			if err != nil && faults.Catastrophic(err) {
				return fmt.Errorf("propose stream %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for i, p := range props {
		if p.err != nil {
			failed++
			logging.Debug("crystal", "stream %d: %v", i, p.err)
		}
	}
	if failed == len(props) {
		return nil, fmt.Errorf("all %d proposal streams failed: %w", failed, props[0].err)
	}
	return props, nil
}

// screen parses each proposal and checks its ids against the candidates.
// NONE proposals are dropped; malformed ones are marked rejected.
func (e *Engine) screen(props []*proposal, c *candidates) []*proposal {
	var valid []*proposal
	for i, p := range props {
		if p.err != nil {
			continue
		}
		parsed, err := Parse(p.raw)
		if err == nil {
			err = e.checkRefs(parsed, c)
		}
		if err != nil {
			p.rejected = true
			logging.Debug("crystal", "discarding proposal %d: %v", i, err)
			continue
		}
		p.parsed = parsed
		if parsed.Operation != OpNone {
			valid = append(valid, p)
		}
	}
	return valid
}

// checkRefs rejects proposals that name nodes outside the candidate set or
// break an operation's preconditions
func (e *Engine) checkRefs(p Proposal, c *candidates) error {
	unknown := func(ids []string, ok func(string) bool) error {
		for _, id := range ids {
			if !ok(id) {
				return fmt.Errorf("%s: %w: unknown id %q", p.Operation, faults.ErrMalformed, id)
			}
		}
		return nil
	}
	anyCandidate := func(id string) bool {
		_, ok := c.byID[id]
		return ok
	}

	switch p.Operation {
	case OpCreate:
		if len(p.NodeIDs) < e.cfg.MinNodes {
			return fmt.Errorf("CREATE: %w: %d nodes, need %d", faults.ErrMalformed, len(p.NodeIDs), e.cfg.MinNodes)
		}
		return unknown(p.NodeIDs, c.isOrphan)
	case OpAbsorb:
		if err := unknown([]string{p.CrystalID}, c.isCrystal); err != nil {
			return err
		}
		return unknown(p.NodeIDs, c.isOrphan)
	case OpMerge:
		return unknown(p.CrystalIDs, c.isCrystal)
	case OpPrune:
		return unknown(p.NodeIDs, anyCandidate)
	case OpForget:
		if err := unknown(p.NodeIDs, c.isOrphan); err != nil {
			return err
		}
		now := e.now()
		for _, id := range p.NodeIDs {
			n := c.byID[id]
			if n.Properties.Bool("flagged_noise") {
				continue
			}
			if e.classifier.Classify(n, now).Category != orphan.NoiseArtifact {
				return fmt.Errorf("FORGET: %w: %s is not noise", faults.ErrMalformed, id)
			}
		}
	}
	return nil
}

// Select maps an entropy value in [0, 1) to an index in [0, n)
func Select(n int, v float64) int {
	if n <= 1 {
		return 0
	}
	idx := int(math.Floor(v * float64(n)))
	return max(0, min(idx, n-1))
}

func indexOf(props []*proposal, p *proposal) int {
	for i := range props {
		if props[i] == p {
			return i
		}
	}
	return -1
}

// digests fingerprints every answered proposal except the selected one
func digests(props []*proposal, selected int) []string {
	var out []string
	for i, p := range props {
		if i == selected || p.err != nil {
			continue
		}
		out = append(out, Digest(p.raw))
	}
	return out
}

func noOpReason(props []*proposal) string {
	answered, none := 0, 0
	for _, p := range props {
		if p.err != nil || p.rejected {
			continue
		}
		answered++
		if p.parsed.Operation == OpNone {
			none++
		}
	}
	switch {
	case answered == 0:
		return "no valid proposals"
	case none == answered:
		return "all proposals were NONE"
	}
	return "no actionable proposals"
}

// summarize renders the candidate set for the proposal prompt
func summarize(c *candidates) string {
	var b strings.Builder
	if len(c.orphans) > 0 {
		b.WriteString("Disconnected nodes:\n")
		for _, n := range c.orphans {
			fmt.Fprintf(&b, "- %s [%s]: %s\n", n.ID, n.Type, logging.Truncate(oneLine(n.Content), 160))
		}
	}
	if len(c.crystals) > 0 {
		b.WriteString("\nExisting crystals:\n")
		for _, n := range c.crystals {
			essence := n.Properties.String("essence")
			if essence == "" {
				essence = n.Content
			}
			fmt.Fprintf(&b, "- %s: %s", n.ID, logging.Truncate(oneLine(essence), 160))
			if facets := n.Properties.Strings("facets"); len(facets) > 0 {
				fmt.Fprintf(&b, " (facets: %s)", strings.Join(facets, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (e *Engine) record(out *Outcome) {
	source := out.EntropySource
	if source == "" {
		source = "single"
	}
	if !out.NoOp {
		e.metrics.Crystal(string(out.Operation), source)
		logging.Info("crystal", "%s committed on %d nodes (selected %d of %d valid, source %s)",
			out.Operation, len(out.AffectedNodeIDs), out.SelectedIndex, out.Valid, source)
	} else {
		logging.Debug("crystal", "no-op: %s", out.Reason)
	}
	if e.audit == nil {
		return
	}

	entry := activity.Entry{
		Type:      activity.TypeCrystallize,
		Summary:   fmt.Sprintf("Crystallization %s on %d nodes", out.Operation, len(out.AffectedNodeIDs)),
		Source:    "crystal",
		NodeIDs:   out.AffectedNodeIDs,
		Reasoning: out.Reason,
		Data: map[string]any{
			"crystal_id":     out.CrystalID,
			"entropy_source": out.EntropySource,
			"entropy_value":  out.EntropyValue,
			"selected_index": out.SelectedIndex,
			"valid":          out.Valid,
			"discarded":      out.Discarded,
			"alternatives":   out.Alternatives,
		},
	}
	if out.NoOp {
		entry.Type = activity.TypeCrystalNoop
		entry.Summary = "Crystallization no-op: " + out.Reason
	}
	if err := e.audit.Log(entry); err != nil {
		logging.Warn("crystal", "audit log: %v", err)
	}
}
