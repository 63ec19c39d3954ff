// Package engine wires the graph store, oracle, entropy source and the
// consolidation subsystems into one object exposing the four engine
// operations, and runs them on a schedule.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/budget"
	"github.com/vthunder/mend/internal/config"
	"github.com/vthunder/mend/internal/crystal"
	"github.com/vthunder/mend/internal/entropy"
	"github.com/vthunder/mend/internal/graph"
	"github.com/vthunder/mend/internal/heuristic"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/metrics"
	"github.com/vthunder/mend/internal/oracle"
	"github.com/vthunder/mend/internal/reconcile"
)

// Engine is safe for concurrent use. Reconcile runs are serialized inside the
// reconciler; overlapping crystallization cycles return a no-op.
type Engine struct {
	cfg *config.Config
	now func() time.Time

	store        *graph.DB
	reconciler   *reconcile.Engine
	crystallizer *crystal.Engine
	heuristic    *heuristic.Heuristic
	audit        *activity.Log
	metrics      *metrics.Metrics
	budget       *budget.Budget
	cpu          *budget.CPUWatcher

	mu            sync.Mutex
	lastReconcile time.Time
	lastCrystal   time.Time
	lastSeverity  reconcile.Severity
}

// Option overrides a component New would otherwise build from config
type Option func(*options)

type options struct {
	registry prometheus.Registerer
	oracle   oracle.Oracle
	entropy  entropy.Source
	sampler  budget.Sampler
	now      func() time.Time
}

// WithRegistry registers the engine metrics on reg (default: a private registry)
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithOracle replaces the configured oracle backend
func WithOracle(or oracle.Oracle) Option {
	return func(o *options) { o.oracle = or }
}

// WithEntropy replaces the configured entropy source
func WithEntropy(src entropy.Source) Option {
	return func(o *options) { o.entropy = src }
}

// WithCPUSampler replaces the gopsutil CPU sampler
func WithCPUSampler(s budget.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithClock overrides the clock for the store and all subsystems
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens the store and builds every subsystem from cfg
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	store, err := graph.OpenFile(cfg.DBPath(), graph.WithDriver(cfg.Store.Driver), graph.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}

	m := metrics.New(o.registry)
	audit := activity.New(cfg.StatePath)

	var cpu *budget.CPUWatcher
	if cfg.Budget.CPUWatch || o.sampler != nil {
		sampler := o.sampler
		if sampler == nil {
			sampler = budget.SystemSampler(cfg.Budget.SampleInterval)
		}
		cpu = budget.NewCPUWatcher(sampler)
		cpu.SetThresholds(cfg.Budget.CPUHighWater, cfg.Budget.CPUSaturated)
	}
	b := budget.New(cpu, cfg.Budget.DailyOracleCalls)

	or := o.oracle
	if or == nil {
		or = newOracle(cfg)
	}
	or = &metered{inner: oracle.NewGuard(or, cfg.GuardConfig(), m), budget: b}

	src := o.entropy
	if src == nil {
		src = newEntropy(cfg)
	}

	e := &Engine{
		cfg:           cfg,
		now:           o.now,
		store:         store,
		audit:         audit,
		metrics:       m,
		budget:        b,
		cpu:           cpu,
		lastReconcile: o.now(),
		lastCrystal:   o.now(),
		lastSeverity:  reconcile.SeverityNone,
	}
	e.reconciler = reconcile.New(store, or, src, cfg.ReconcileParams(),
		reconcile.WithMetrics(m),
		reconcile.WithAudit(audit),
		reconcile.WithWorkerCap(b),
		reconcile.WithClock(o.now),
		reconcile.WithMonitorWindow(cfg.Reconcile.MonitorWindow),
	)
	e.crystallizer = crystal.New(store, or, src, cfg.CrystalConfig(),
		crystal.WithMetrics(m),
		crystal.WithAudit(audit),
		crystal.WithClock(o.now),
	)
	hopts := []heuristic.Option{
		heuristic.WithMinConfidence(cfg.Heuristic.MinConfidence),
		heuristic.WithMetrics(m),
		heuristic.WithAudit(audit),
	}
	if len(cfg.Heuristic.AnchorTypes) > 0 {
		hopts = append(hopts, heuristic.WithAnchorTypes(cfg.Heuristic.AnchorTypes...))
	}
	e.heuristic = heuristic.New(store, hopts...)

	logging.Info("engine", "opened %s (driver %s, oracle %s)", store.Path(), cfg.Store.Driver, cfg.Oracle.Backend)
	return e, nil
}

func newOracle(cfg *config.Config) oracle.Oracle {
	if cfg.Oracle.Backend == "lexical" {
		return oracle.Lexical{}
	}
	client := oracle.NewClient(cfg.Oracle.URL, cfg.Oracle.EmbedModel, cfg.Oracle.GenerateModel)
	sem := oracle.NewSemantic(client, client)
	sem.SetTemperature(cfg.Oracle.Temperature)
	return sem
}

func newEntropy(cfg *config.Config) entropy.Source {
	var primary entropy.Generator = entropy.System{}
	if cfg.Entropy.QRNGURL != "" {
		primary = entropy.NewFeed(cfg.Entropy.QRNGURL, cfg.Entropy.Timeout)
	}
	var fallback entropy.Source
	if cfg.Entropy.Seed != 0 {
		fallback = entropy.NewPRNG(cfg.Entropy.Seed)
	}
	return entropy.WithFallback(primary, fallback)
}

// metered counts every oracle call against the daily budget
type metered struct {
	inner  oracle.Oracle
	budget *budget.Budget
}

func (m *metered) Similarity(ctx context.Context, a, b string) (float64, error) {
	m.budget.Spend(1)
	return m.inner.Similarity(ctx, a, b)
}

func (m *metered) Propose(ctx context.Context, summary string) (string, error) {
	m.budget.Spend(1)
	return m.inner.Propose(ctx, summary)
}

// Close stops the CPU watcher and closes the store
func (e *Engine) Close() error {
	if e.cpu != nil {
		e.cpu.Stop()
	}
	return e.store.Close()
}

// Store exposes the underlying graph for seeding and inspection
func (e *Engine) Store() *graph.DB {
	return e.store
}

// Activity exposes the audit log
func (e *Engine) Activity() *activity.Log {
	return e.audit
}

// Budget returns the current budget snapshot
func (e *Engine) Budget() budget.Status {
	return e.budget.GetStatus()
}

// Reconcile runs one reconciliation pass over at most limit orphans. A
// non-positive limit uses the configured one.
func (e *Engine) Reconcile(ctx context.Context, limit int) (*reconcile.Report, error) {
	if limit <= 0 {
		limit = e.cfg.Reconcile.Limit
	}
	rep, err := e.reconciler.Reconcile(ctx, limit)
	e.mu.Lock()
	e.lastReconcile = e.now()
	e.mu.Unlock()
	return rep, err
}

// DetectDeadlock assesses connectivity. Crossing into high or critical is
// recorded in the activity log once per escalation.
func (e *Engine) DetectDeadlock(ctx context.Context) (reconcile.Assessment, error) {
	a, err := e.reconciler.Monitor().Detect(ctx)
	if err != nil {
		return a, err
	}

	e.mu.Lock()
	prev := e.lastSeverity
	e.lastSeverity = a.Severity
	e.mu.Unlock()

	if a.Severity.Level() >= reconcile.SeverityHigh.Level() && a.Severity.Level() > prev.Level() {
		logging.Warn("engine", "deadlock %s: %d orphans, %d connections in the last %.0f minutes",
			a.Severity, a.OrphanCount, a.RecentConnections, a.WindowMinutes)
		if err := e.audit.Log(activity.Entry{
			Type:    activity.TypeDeadlockAlert,
			Summary: fmt.Sprintf("Deadlock severity %s with %d orphans", a.Severity, a.OrphanCount),
			Source:  "monitor",
			Data: map[string]any{
				"orphan_count":       a.OrphanCount,
				"recent_connections": a.RecentConnections,
				"previous":           string(prev),
			},
		}); err != nil {
			logging.Warn("engine", "audit log: %v", err)
		}
	}
	return a, nil
}

// RunCrystallizationCycle runs one crystallization cycle
func (e *Engine) RunCrystallizationCycle(ctx context.Context) (*crystal.Outcome, error) {
	out, err := e.crystallizer.RunCycle(ctx)
	e.mu.Lock()
	e.lastCrystal = e.now()
	e.mu.Unlock()
	return out, err
}

// ApplyConnectionHeuristic runs one keyword-overlap linking pass
func (e *Engine) ApplyConnectionHeuristic(ctx context.Context, threshold float64, maxConnections int) (heuristic.Result, error) {
	return e.heuristic.Apply(ctx, threshold, maxConnections)
}

// Stats returns node, edge, crystal and orphan counts
func (e *Engine) Stats(ctx context.Context) (map[string]int, error) {
	return e.store.Stats(ctx)
}

// NodeInput describes a node written through AddNode
type NodeInput struct {
	ID         string           `json:"id,omitempty"`
	Type       string           `json:"type"`
	Content    string           `json:"content"`
	Properties graph.Properties `json:"properties,omitempty"`
	LinkTo     []string         `json:"link_to,omitempty"`
}

// AddNode writes a node and optional RELATED edges to existing nodes in one
// transaction
func (e *Engine) AddNode(ctx context.Context, in NodeInput) (string, error) {
	n := &graph.Node{ID: in.ID, Type: in.Type, Content: in.Content, Properties: in.Properties}
	m := graph.Mutation{Nodes: []*graph.Node{n}}
	if len(in.LinkTo) > 0 && n.ID == "" {
		n.ID = uuid.NewString()
	}
	for _, to := range in.LinkTo {
		m.Edges = append(m.Edges, graph.EdgeSpec{
			FromID: n.ID,
			ToID:   to,
			Type:   graph.EdgeRelated,
			Provenance: graph.Provenance{
				Subsystem: "manual",
				Reason:    "added with node",
			},
		})
	}
	if _, err := e.store.Apply(ctx, m); err != nil {
		return "", fmt.Errorf("add node: %w", err)
	}
	return n.ID, nil
}
