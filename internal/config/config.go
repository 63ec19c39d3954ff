// Package config loads engine settings: compiled-in defaults, then an
// optional YAML file, then MEND_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vthunder/mend/internal/crystal"
	"github.com/vthunder/mend/internal/entropy"
	"github.com/vthunder/mend/internal/oracle"
	"github.com/vthunder/mend/internal/reconcile"
)

// Config is the full engine configuration
type Config struct {
	StatePath string          `yaml:"state_path"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Entropy   EntropyConfig   `yaml:"entropy"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Crystal   CrystalConfig   `yaml:"crystal"`
	Heuristic HeuristicConfig `yaml:"heuristic"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Budget    BudgetConfig    `yaml:"budget"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`   // explicit database file; default state_path/system/graph.db
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type OracleConfig struct {
	Backend       string        `yaml:"backend"` // ollama or lexical
	URL           string        `yaml:"url"`
	EmbedModel    string        `yaml:"embed_model"`
	GenerateModel string        `yaml:"generate_model"`
	Temperature   float64       `yaml:"temperature"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	MaxFailures   uint32        `yaml:"max_failures"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
}

type EntropyConfig struct {
	QRNGURL string        `yaml:"qrng_url"` // empty disables the quantum source
	Timeout time.Duration `yaml:"timeout"`
	Seed    uint64        `yaml:"seed"` // fallback PRNG seed; 0 seeds from crypto/rand
}

type ReconcileConfig struct {
	Limit               int           `yaml:"limit"`
	BatchSize           int           `yaml:"batch_size"`
	MaxRetries          int           `yaml:"max_retries"`
	ParallelWorkers     int           `yaml:"parallel_workers"`
	ForceMode           bool          `yaml:"force_mode"`
	AutoForce           bool          `yaml:"auto_force"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	ThresholdFloor      float64       `yaml:"threshold_floor"`
	TemporalWindow      time.Duration `yaml:"temporal_window"`
	CandidatePool       int           `yaml:"candidate_pool"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
	MonitorWindow       time.Duration `yaml:"monitor_window"`
	WriteBackTags       bool          `yaml:"write_back_tags"`

	EmergencyConsolidate          bool `yaml:"emergency_consolidate"`
	EmergencyConsolidateThreshold int  `yaml:"emergency_consolidate_threshold"`
	AllowPurge                    bool `yaml:"allow_purge"`
	EmergencyPurgeThreshold       int  `yaml:"emergency_purge_threshold"`
	EmergencyPurgeAgeDays         int  `yaml:"emergency_purge_age_days"`
}

type CrystalConfig struct {
	MinAgeHours        int `yaml:"min_age_hours"`
	ProposalStreams    int `yaml:"proposal_streams"`
	MinNodesForCrystal int `yaml:"min_nodes_for_crystal"`
	MaxCandidates      int `yaml:"max_candidates"`
}

type HeuristicConfig struct {
	Threshold      float64  `yaml:"threshold"`
	MaxConnections int      `yaml:"max_connections"`
	AnchorTypes    []string `yaml:"anchor_types"`
	MinConfidence  float64  `yaml:"min_confidence"`
}

type SchedulerConfig struct {
	CycleInterval     time.Duration `yaml:"cycle_interval"`     // heuristic + deadlock check
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // reconcile even when healthy
	CrystalInterval   time.Duration `yaml:"crystal_interval"`
}

type BudgetConfig struct {
	DailyOracleCalls int           `yaml:"daily_oracle_calls"` // 0 means unlimited
	CPUHighWater     float64       `yaml:"cpu_high_water"`
	CPUSaturated     float64       `yaml:"cpu_saturated"`
	CPUWatch         bool          `yaml:"cpu_watch"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the compiled-in configuration
func Default() *Config {
	rp := reconcile.DefaultParams()
	cc := crystal.DefaultConfig()
	return &Config{
		StatePath: "state",
		Store:     StoreConfig{Driver: "sqlite3"},
		Log:       LogConfig{Level: "info", Format: "console"},
		Oracle: OracleConfig{
			Backend:       "ollama",
			URL:           "http://localhost:11434",
			EmbedModel:    oracle.DefaultEmbedModel,
			GenerateModel: oracle.DefaultGenerateModel,
			Temperature:   0.8,
			RatePerSecond: 5,
			Burst:         2,
			CallTimeout:   30 * time.Second,
			MaxFailures:   5,
			OpenTimeout:   time.Minute,
		},
		Entropy: EntropyConfig{
			QRNGURL: entropy.DefaultFeedURL,
			Timeout: 3 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Limit:               200,
			BatchSize:           rp.BatchSize,
			MaxRetries:          rp.MaxRetries,
			ParallelWorkers:     rp.Workers,
			SimilarityThreshold: rp.SimilarityThreshold,
			ThresholdFloor:      rp.ThresholdFloor,
			TemporalWindow:      rp.TemporalWindow,
			CandidatePool:       rp.CandidatePool,
			BackoffBase:         rp.BackoffBase,
			BackoffMax:          rp.BackoffMax,
			RunTimeout:          rp.RunTimeout,
			MonitorWindow:       time.Hour,
			WriteBackTags:       rp.WriteBackTags,

			EmergencyConsolidateThreshold: rp.Emergency.ConsolidateThreshold,
			EmergencyPurgeThreshold:       rp.Emergency.PurgeThreshold,
			EmergencyPurgeAgeDays:         rp.Emergency.PurgeAgeDays,
		},
		Crystal: CrystalConfig{
			MinAgeHours:        int(cc.MinAge.Hours()),
			ProposalStreams:    cc.ProposalStreams,
			MinNodesForCrystal: cc.MinNodes,
			MaxCandidates:      cc.MaxCandidates,
		},
		Heuristic: HeuristicConfig{
			Threshold:      0.3,
			MaxConnections: 10,
			MinConfidence:  0.7,
		},
		Scheduler: SchedulerConfig{
			CycleInterval:     time.Minute,
			ReconcileInterval: time.Hour,
			CrystalInterval:   6 * time.Hour,
		},
		Budget: BudgetConfig{
			CPUHighWater:   75,
			CPUSaturated:   95,
			CPUWatch:       true,
			SampleInterval: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{Addr: ":9464"},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. Unknown YAML keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from environment variables read through getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("MEND_STATE_PATH", &c.StatePath)
	str("MEND_DB", &c.Store.Path)
	str("MEND_DB_DRIVER", &c.Store.Driver)
	str("MEND_LOG_LEVEL", &c.Log.Level)
	str("MEND_LOG_FORMAT", &c.Log.Format)
	str("MEND_ORACLE", &c.Oracle.Backend)
	str("MEND_OLLAMA_URL", &c.Oracle.URL)
	str("MEND_EMBED_MODEL", &c.Oracle.EmbedModel)
	str("MEND_GENERATE_MODEL", &c.Oracle.GenerateModel)
	str("MEND_QRNG_URL", &c.Entropy.QRNGURL)
	str("MEND_METRICS_ADDR", &c.Metrics.Addr)
	boolean("MEND_FORCE_MODE", &c.Reconcile.ForceMode)
	boolean("MEND_AUTO_FORCE", &c.Reconcile.AutoForce)
	boolean("MEND_ALLOW_PURGE", &c.Reconcile.AllowPurge)
	boolean("MEND_EMERGENCY_CONSOLIDATE", &c.Reconcile.EmergencyConsolidate)
	integer("MEND_BATCH_SIZE", &c.Reconcile.BatchSize)
	integer("MEND_MAX_RETRIES", &c.Reconcile.MaxRetries)
	integer("MEND_WORKERS", &c.Reconcile.ParallelWorkers)
	integer("MEND_DAILY_ORACLE_CALLS", &c.Budget.DailyOracleCalls)

	if getenv("DEBUG") == "true" {
		c.Log.Level = "debug"
	}
	if len(errs) > 0 {
		return fmt.Errorf("environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	unit := func(v float64) bool { return v >= 0 && v <= 1 }

	check(c.StatePath != "" || c.Store.Path != "", "state_path or store.path is required")
	check(c.Store.Driver == "sqlite3" || c.Store.Driver == "sqlite", "store.driver %q: want sqlite3 or sqlite", c.Store.Driver)
	check(c.Log.Format == "console" || c.Log.Format == "json", "log.format %q: want console or json", c.Log.Format)
	check(c.Oracle.Backend == "ollama" || c.Oracle.Backend == "lexical", "oracle.backend %q: want ollama or lexical", c.Oracle.Backend)
	check(c.Oracle.Backend != "ollama" || c.Oracle.URL != "", "oracle.url is required for the ollama backend")
	check(c.Oracle.RatePerSecond >= 0, "oracle.rate_per_second must not be negative")

	r := c.Reconcile
	check(r.Limit > 0, "reconcile.limit must be positive")
	check(r.BatchSize > 0 && r.BatchSize <= reconcile.MaxBatchSize, "reconcile.batch_size must be in 1..%d", reconcile.MaxBatchSize)
	check(r.MaxRetries > 0 && r.MaxRetries <= reconcile.MaxRetriesCap, "reconcile.max_retries must be in 1..%d", reconcile.MaxRetriesCap)
	check(r.ParallelWorkers > 0 && r.ParallelWorkers <= reconcile.MaxWorkers, "reconcile.parallel_workers must be in 1..%d", reconcile.MaxWorkers)
	check(unit(r.SimilarityThreshold), "reconcile.similarity_threshold must be in [0,1]")
	check(unit(r.ThresholdFloor) && r.ThresholdFloor <= r.SimilarityThreshold, "reconcile.threshold_floor must be in [0, similarity_threshold]")
	check(r.CandidatePool > 0, "reconcile.candidate_pool must be positive")
	check(r.BackoffBase >= 0 && r.BackoffMax >= r.BackoffBase, "reconcile.backoff_max must be at least backoff_base")
	check(r.EmergencyConsolidateThreshold >= 0, "reconcile.emergency_consolidate_threshold must not be negative")
	check(r.EmergencyPurgeThreshold >= r.EmergencyConsolidateThreshold, "reconcile.emergency_purge_threshold must be at least the consolidate threshold")
	check(r.EmergencyPurgeAgeDays > 0, "reconcile.emergency_purge_age_days must be positive")

	cr := c.Crystal
	check(cr.MinAgeHours >= 0, "crystal.min_age_hours must not be negative")
	check(cr.ProposalStreams > 0 && cr.ProposalStreams <= 16, "crystal.proposal_streams must be in 1..16")
	check(cr.MinNodesForCrystal >= 2, "crystal.min_nodes_for_crystal must be at least 2")
	check(cr.MaxCandidates > 0, "crystal.max_candidates must be positive")

	check(c.Heuristic.Threshold > 0 && c.Heuristic.Threshold <= 1, "heuristic.threshold must be in (0,1]")
	check(c.Heuristic.MaxConnections >= 0, "heuristic.max_connections must not be negative")
	check(unit(c.Heuristic.MinConfidence), "heuristic.min_confidence must be in [0,1]")

	check(c.Scheduler.CycleInterval > 0, "scheduler.cycle_interval must be positive")
	check(c.Budget.DailyOracleCalls >= 0, "budget.daily_oracle_calls must not be negative")
	check(c.Budget.CPUHighWater <= c.Budget.CPUSaturated, "budget.cpu_high_water must not exceed cpu_saturated")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ReconcileParams converts the reconcile section
func (c *Config) ReconcileParams() reconcile.Params {
	r := c.Reconcile
	p := reconcile.DefaultParams()
	p.BatchSize = r.BatchSize
	p.MaxRetries = r.MaxRetries
	p.Workers = r.ParallelWorkers
	p.ForceMode = r.ForceMode
	p.AutoForce = r.AutoForce
	p.SimilarityThreshold = r.SimilarityThreshold
	p.ThresholdFloor = r.ThresholdFloor
	p.TemporalWindow = r.TemporalWindow
	p.CandidatePool = r.CandidatePool
	p.BackoffBase = r.BackoffBase
	p.BackoffMax = r.BackoffMax
	p.RunTimeout = r.RunTimeout
	p.WriteBackTags = r.WriteBackTags
	p.Emergency = reconcile.Emergency{
		Consolidate:          r.EmergencyConsolidate,
		ConsolidateThreshold: r.EmergencyConsolidateThreshold,
		AllowPurge:           r.AllowPurge,
		PurgeThreshold:       r.EmergencyPurgeThreshold,
		PurgeAgeDays:         r.EmergencyPurgeAgeDays,
	}
	return p
}

// CrystalConfig converts the crystal section
func (c *Config) CrystalConfig() crystal.Config {
	return crystal.Config{
		MinAge:          time.Duration(c.Crystal.MinAgeHours) * time.Hour,
		ProposalStreams: c.Crystal.ProposalStreams,
		MinNodes:        c.Crystal.MinNodesForCrystal,
		MaxCandidates:   c.Crystal.MaxCandidates,
		MaxCrystals:     min(15, c.Crystal.MaxCandidates),
	}
}

// GuardConfig converts the oracle pacing and breaker settings
func (c *Config) GuardConfig() oracle.GuardConfig {
	return oracle.GuardConfig{
		RatePerSecond: c.Oracle.RatePerSecond,
		Burst:         c.Oracle.Burst,
		CallTimeout:   c.Oracle.CallTimeout,
		MaxFailures:   c.Oracle.MaxFailures,
		OpenTimeout:   c.Oracle.OpenTimeout,
	}
}

// DBPath returns the graph database location
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.StatePath, "system", "graph.db")
}
