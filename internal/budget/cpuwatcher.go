package budget

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/vthunder/mend/internal/logging"
)

// Sampler returns the current system-wide CPU utilisation in percent
type Sampler func(ctx context.Context) (float64, error)

// SystemSampler measures CPU over a short interval with gopsutil
func SystemSampler(interval time.Duration) Sampler {
	return func(ctx context.Context) (float64, error) {
		percents, err := cpu.PercentWithContext(ctx, interval, false)
		if err != nil {
			return 0, err
		}
		if len(percents) == 0 {
			return 0, nil
		}
		return percents[0], nil
	}
}

// CPUWatcher keeps a rolling average of system CPU load and caps worker
// counts when the host is busy, so reconciliation does not starve the
// processes that write to the graph.
type CPUWatcher struct {
	mu sync.Mutex

	sample       Sampler
	pollInterval time.Duration // How often to sample (default 5s)
	highWater    float64       // Above this average, halve workers (default 75%)
	saturated    float64       // Above this average, one worker only (default 95%)

	history []float64

	stopChan chan struct{}
	running  bool
}

// NewCPUWatcher creates a watcher. A nil sampler uses SystemSampler.
func NewCPUWatcher(sample Sampler) *CPUWatcher {
	if sample == nil {
		sample = SystemSampler(500 * time.Millisecond)
	}
	return &CPUWatcher{
		sample:       sample,
		pollInterval: 5 * time.Second,
		highWater:    75,
		saturated:    95,
		history:      make([]float64, 0, 5),
		stopChan:     make(chan struct{}),
	}
}

// SetThresholds configures the high-water and saturation marks
func (w *CPUWatcher) SetThresholds(highWater, saturated float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.highWater = highWater
	w.saturated = saturated
}

// Start begins sampling in the background
func (w *CPUWatcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	go w.watchLoop()
	logging.Info("cpuwatcher", "started (poll=%v, high>%.0f%%, saturated>%.0f%%)",
		w.pollInterval, w.highWater, w.saturated)
}

// Stop stops sampling
func (w *CPUWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopChan)
		w.running = false
	}
}

func (w *CPUWatcher) watchLoop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.Poll(context.Background())
		}
	}
}

// Poll takes one sample and adds it to the rolling history (last 5 readings)
func (w *CPUWatcher) Poll(ctx context.Context) {
	load, err := w.sample(ctx)
	if err != nil {
		logging.Debug("cpuwatcher", "sample failed: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, load)
	if len(w.history) > 5 {
		w.history = w.history[1:]
	}
}

// Load returns the rolling average CPU percentage, 0 before the first sample
func (w *CPUWatcher) Load() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return avg(w.history)
}

// Workers caps a requested worker count by the current load. It never
// returns less than 1.
func (w *CPUWatcher) Workers(requested int) int {
	if requested < 1 {
		requested = 1
	}
	w.mu.Lock()
	load := avg(w.history)
	high, sat := w.highWater, w.saturated
	w.mu.Unlock()

	switch {
	case load > sat:
		return 1
	case load > high:
		return max(1, requested/2)
	}
	return requested
}

// Saturated reports whether the host is too busy for optional work
func (w *CPUWatcher) Saturated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return avg(w.history) > w.saturated
}

func avg(history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	return sum / float64(len(history))
}
