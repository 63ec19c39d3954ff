// Package reconcile connects orphaned nodes back into the graph. A run
// classifies the current orphans, batches them by priority and walks each
// node through an ordered list of linking strategies, retrying batches that
// hit transient oracle or store failures.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/entropy"
	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/graph"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/metrics"
	"github.com/vthunder/mend/internal/orphan"
)

// Store is the slice of the graph store a run needs. *graph.DB satisfies it.
type Store interface {
	Counter
	FindOrphans(ctx context.Context, limit int) ([]*graph.Node, error)
	FindOrphansOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*graph.Node, error)
	FindOrphansByType(ctx context.Context, nodeType, excludeID string, limit int) ([]*graph.Node, error)
	FindOrphansCreatedBetween(ctx context.Context, from, to time.Time, excludeID string, limit int) ([]*graph.Node, error)
	IsOrphan(ctx context.Context, id string) (bool, error)
	RecentNodes(ctx context.Context, excludeID string, limit int) ([]*graph.Node, error)
	MostConnectedOfType(ctx context.Context, nodeType, excludeID string) (*graph.Node, error)
	CreateEdge(ctx context.Context, spec graph.EdgeSpec) (bool, error)
	EnsureNode(ctx context.Context, n *graph.Node) (bool, error)
	UpdateProperties(ctx context.Context, id string, set graph.Properties) error
	DeleteNode(ctx context.Context, id string) error
}

// Oracle scores how related two texts are, in [0, 1]
type Oracle interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// Auditor records notable actions. *activity.Log satisfies it.
type Auditor interface {
	Log(entry activity.Entry) error
}

// Engine runs reconciliation. Runs are serialized; concurrent callers wait.
type Engine struct {
	store      Store
	oracle     Oracle
	entropy    entropy.Source
	classifier *orphan.Classifier
	monitor    *Monitor
	params     Params
	host       WorkerCap
	metrics    *metrics.Metrics
	audit      Auditor
	now        func() time.Time

	runMu sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics records run metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudit records force and emergency actions
func WithAudit(a Auditor) Option {
	return func(e *Engine) { e.audit = a }
}

// WithWorkerCap caps parallel batches by host load
func WithWorkerCap(c WorkerCap) Option {
	return func(e *Engine) { e.host = c }
}

// WithClock overrides time.Now for classification and temporal windows
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMonitorWindow sets the trailing window for the connection rate
func WithMonitorWindow(d time.Duration) Option {
	return func(e *Engine) { e.monitor.window = d }
}

// New creates an engine. src supplies backoff jitter.
func New(store Store, oracle Oracle, src entropy.Source, params Params, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		oracle:     oracle,
		entropy:    src,
		classifier: orphan.NewClassifier(),
		params:     params,
		now:        time.Now,
	}
	e.monitor = NewMonitor(store, time.Hour, nil)
	for _, opt := range opts {
		opt(e)
	}
	e.monitor.metrics = e.metrics
	return e
}

// Monitor returns the deadlock monitor reading the engine's store
func (e *Engine) Monitor() *Monitor {
	return e.monitor
}

// Params returns the configured baseline
func (e *Engine) Params() Params {
	return e.params
}

// Reconcile connects up to limit orphans. Per-node and per-batch failures
// are recorded in the report; only catastrophic errors are returned, along
// with the partial report.
func (e *Engine) Reconcile(ctx context.Context, limit int) (*Report, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	rep := newReport(e.params.MaxErrors)
	err := e.reconcile(ctx, limit, rep)
	rep.DurationMS = time.Since(start).Milliseconds()
	rep.sortBatches()

	result := "ok"
	switch {
	case err != nil:
		result = "aborted"
	case rep.TimedOut:
		result = "timeout"
	}
	e.metrics.Run(result, time.Since(start))

	if err != nil {
		logging.Error("reconcile", err, "run aborted after %d connections", rep.ConnectionsCreated)
		return rep, err
	}
	logging.Info("reconcile", "severity=%s orphans %d -> %d, %d connections (%d retries, %d deadlocks broken, %d abandoned)",
		rep.Severity, rep.OrphansBefore, rep.OrphansAfter, rep.ConnectionsCreated,
		rep.Retries, rep.DeadlockCyclesBroken, rep.BatchesAbandoned)
	if rep.Aggressive() {
		e.record(activity.Entry{
			Type:    activity.TypeReconcile,
			Summary: fmt.Sprintf("Reconciliation used aggressive actions (%d forced, %d consolidated, %d purged)", rep.ForceConnections, rep.EmergencyConsolidated, rep.EmergencyPurged),
			Data: map[string]any{
				"severity":            string(rep.Severity),
				"connections_created": rep.ConnectionsCreated,
				"orphans_before":      rep.OrphansBefore,
				"orphans_after":       rep.OrphansAfter,
			},
		})
	}
	return rep, nil
}

func (e *Engine) reconcile(ctx context.Context, limit int, rep *Report) error {
	assess, err := e.monitor.Detect(ctx)
	if err != nil {
		if abort(err) {
			return fmt.Errorf("detect deadlock: %w", err)
		}
		rep.addError("detect deadlock: %v", err)
	}
	rep.Severity = assess.Severity
	rep.OrphansBefore = assess.OrphanCount

	if limit <= 0 {
		limit = MaxBatchSize
	}
	backlog := min(assess.OrphanCount, limit)
	p := Tune(e.params, assess.Severity, backlog, e.host)
	rep.Tuning = Tuning{BatchSize: p.BatchSize, MaxRetries: p.MaxRetries, Workers: p.Workers, ForceMode: p.ForceMode}

	runCtx := ctx
	if p.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.RunTimeout)
		defer cancel()
	}

	r := &run{engine: e, params: p, report: rep}
	if err := r.execute(runCtx, limit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.emergency(ctx); err != nil {
		if abort(err) {
			return err
		}
		rep.addError("emergency: %v", err)
	}

	after, err := e.store.CountOrphans(ctx)
	if err != nil {
		if abort(err) {
			return fmt.Errorf("count orphans: %w", err)
		}
		rep.addError("count orphans: %v", err)
		return nil
	}
	rep.OrphansAfter = after
	return nil
}

// abort reports whether err must end the run
func abort(err error) bool {
	return faults.Catastrophic(err) || errors.Is(err, context.Canceled)
}

func (e *Engine) record(entry activity.Entry) {
	if e.audit == nil {
		return
	}
	if entry.Source == "" {
		entry.Source = "reconcile"
	}
	if err := e.audit.Log(entry); err != nil {
		logging.Warn("reconcile", "audit log: %v", err)
	}
}

// run holds the state of one Reconcile call
type run struct {
	engine *Engine
	params Params
	report *Report

	mu         sync.Mutex
	unresolved []*work
	fatal      error
}

// work is one orphan moving through the strategy chain
type work struct {
	rec orphan.Record

	// Best semantic candidate seen, kept for the relaxation passes
	bestID    string
	bestScore float64
}

type batch struct {
	index    int
	priority orphan.Priority
	items    []*work
}

func (r *run) execute(ctx context.Context, limit int) error {
	e := r.engine
	nodes, err := e.store.FindOrphans(ctx, limit)
	if err != nil {
		if abort(err) {
			return fmt.Errorf("find orphans: %w", err)
		}
		r.report.addError("find orphans: %v", err)
		r.report.TimedOut = ctx.Err() != nil
		return nil
	}

	items := r.classify(ctx, nodes)
	r.report.Considered = len(items)
	if len(items) == 0 {
		return nil
	}

	batches := partition(items, r.params.BatchSize)
	logging.Debug("reconcile", "%d orphans in %d batches (size %d, workers %d, retries %d, force %v)",
		len(items), len(batches), r.params.BatchSize, r.params.Workers, r.params.MaxRetries, r.params.ForceMode)

	sem := semaphore.NewWeighted(int64(r.params.Workers))
	var wg sync.WaitGroup
	for _, b := range batches {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if r.failed() != nil {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(b *batch) {
			defer wg.Done()
			defer sem.Release(1)
			if err := r.runBatch(ctx, b); err != nil {
				r.fail(err)
			}
		}(b)
	}
	wg.Wait()

	if err := r.failed(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		r.report.TimedOut = true
	}

	r.relax(ctx)
	return nil
}

// classify tags each node, drops noise and orders the rest by priority then age
func (r *run) classify(ctx context.Context, nodes []*graph.Node) []*work {
	e := r.engine
	now := e.now()
	items := make([]*work, 0, len(nodes))
	for _, n := range nodes {
		rec := e.classifier.Classify(n, now)
		if r.params.WriteBackTags {
			if set := orphan.WriteBack(n, rec); set != nil {
				if err := e.store.UpdateProperties(ctx, n.ID, set); err != nil {
					logging.Debug("reconcile", "tag %s: %v", n.ID, err)
				}
			}
		}
		if rec.Priority == orphan.PriorityIgnore {
			r.report.Skipped++
			continue
		}
		items = append(items, &work{rec: rec})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].rec, items[j].rec
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		return a.Node.CreatedAt.Before(b.Node.CreatedAt)
	})
	return items
}

// partition splits sorted work into batches of one priority each
func partition(items []*work, size int) []*batch {
	var batches []*batch
	var cur *batch
	for _, w := range items {
		if cur == nil || len(cur.items) >= size || cur.priority != w.rec.Priority {
			cur = &batch{index: len(batches), priority: w.rec.Priority}
			batches = append(batches, cur)
		}
		cur.items = append(cur.items, w)
	}
	return batches
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *run) failed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *run) leaveUnresolved(w *work) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unresolved = append(r.unresolved, w)
}
