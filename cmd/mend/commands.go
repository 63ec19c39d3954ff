package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/config"
	"github.com/vthunder/mend/internal/engine"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/mcp"
)

// cli holds state shared by every subcommand
type cli struct {
	configPath string
	cfg        *config.Config
	registry   *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "mend",
		Short:        "Keep a knowledge graph connected and consolidated",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("MEND_CONFIG"),
		"YAML config file (default: built-in defaults, env MEND_CONFIG)")

	root.AddCommand(
		c.reconcileCmd(),
		c.deadlockCmd(),
		c.crystallizeCmd(),
		c.heuristicCmd(),
		c.statsCmd(),
		c.activityCmd(),
		c.addNodeCmd(),
		c.serveCmd(),
		c.mcpCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	c.cfg = cfg
	c.registry = prometheus.NewRegistry()
	return nil
}

func (c *cli) open() (*engine.Engine, error) {
	return engine.New(c.cfg, engine.WithRegistry(c.registry))
}

// withEngine opens the engine, runs fn under a signal-aware context and
// closes the engine
func (c *cli) withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, e)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) reconcileCmd() *cobra.Command {
	var (
		limit int
		force bool
		purge bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Connect orphaned nodes and print the run report",
		Long: `Runs one reconciliation pass. Severity is assessed first and decides
batch size, retries and worker count. A report is printed even when the run
times out or hits errors.

Examples:
  mend reconcile
  mend reconcile --limit 500 --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("force") {
				c.cfg.Reconcile.ForceMode = force
			}
			if cmd.Flags().Changed("allow-purge") {
				c.cfg.Reconcile.AllowPurge = purge
			}
			return c.withEngine(func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.Reconcile(ctx, limit)
				if rep != nil {
					if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum orphans to consider (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "link batches that exhaust their retries to the force hub")
	cmd.Flags().BoolVar(&purge, "allow-purge", false, "permit emergency deletion of very old orphans")
	return cmd
}

func (c *cli) deadlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deadlock",
		Short: "Assess connectivity and print the deadlock severity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(func(ctx context.Context, e *engine.Engine) error {
				a, err := e.DetectDeadlock(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
}

func (c *cli) crystallizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crystallize",
		Short: "Run one crystallization cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(func(ctx context.Context, e *engine.Engine) error {
				out, err := e.RunCrystallizationCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (c *cli) heuristicCmd() *cobra.Command {
	var (
		threshold float64
		maxConn   int
	)
	cmd := &cobra.Command{
		Use:   "heuristic",
		Short: "Link orphans to trusted anchors by keyword overlap",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("threshold") {
				threshold = c.cfg.Heuristic.Threshold
			}
			if !cmd.Flags().Changed("max") {
				maxConn = c.cfg.Heuristic.MaxConnections
			}
			return c.withEngine(func(ctx context.Context, e *engine.Engine) error {
				res, err := e.ApplyConnectionHeuristic(ctx, threshold, maxConn)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "minimum keyword Jaccard score (default from config)")
	cmd.Flags().IntVarP(&maxConn, "max", "m", 0, "edge budget (default from config)")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print graph counts and today's oracle budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"graph":  stats,
					"budget": e.Budget(),
				})
			})
		},
	}
}

func (c *cli) activityCmd() *cobra.Command {
	var (
		limit int
		typ   string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Print recent audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(func(ctx context.Context, e *engine.Engine) error {
				log := e.Activity()
				var (
					entries []activity.Entry
					err     error
				)
				switch {
				case since > 0:
					now := time.Now()
					entries, err = log.Range(now.Add(-since), now)
				case typ != "":
					entries, err = log.ByType(activity.Type(typ), limit)
				default:
					entries, err = log.Recent(limit)
				}
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []activity.Entry{}
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")
	cmd.Flags().StringVar(&typ, "type", "", "only entries of this type (reconcile, force_mode, emergency, crystallize, ...)")
	cmd.Flags().DurationVar(&since, "since", 0, "entries from the last duration, e.g. 24h")
	return cmd
}

func (c *cli) addNodeCmd() *cobra.Command {
	var in engine.NodeInput
	var props string
	cmd := &cobra.Command{
		Use:   "add-node",
		Short: "Write a node, optionally linked to existing nodes",
		Long: `Writes one node. Useful for seeding a graph and for manual repair.

Examples:
  mend add-node --type Observation --content "kettle left on"
  mend add-node --type Belief --content "check the stove" --link n-123 --props '{"confidence":0.9}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if props != "" {
				if err := json.Unmarshal([]byte(props), &in.Properties); err != nil {
					return fmt.Errorf("--props: %w", err)
				}
			}
			return c.withEngine(func(ctx context.Context, e *engine.Engine) error {
				id, err := e.AddNode(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Type, "type", "", "node type")
	cmd.Flags().StringVar(&in.Content, "content", "", "node text")
	cmd.Flags().StringVar(&in.ID, "id", "", "node id (default: generated)")
	cmd.Flags().StringSliceVar(&in.LinkTo, "link", nil, "ids of nodes to link with RELATED edges")
	cmd.Flags().StringVar(&props, "props", "", "node properties as a JSON object")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("content")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and serve Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				c.cfg.Metrics.Addr = addr
			}
			c.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			return c.withEngine(func(ctx context.Context, e *engine.Engine) error {
				var srv *http.Server
				if c.cfg.Metrics.Addr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
					srv = &http.Server{Addr: c.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
					go func() {
						logging.Info("serve", "metrics on %s/metrics", c.cfg.Metrics.Addr)
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							logging.Error("serve", err, "metrics server")
						}
					}()
				}

				err := e.Run(ctx)

				if srv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}
				logging.Info("serve", "goodbye")
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "metrics-addr", "", "metrics listen address (default from config, empty disables)")
	return cmd
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine operations as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open()
			if err != nil {
				return err
			}
			defer e.Close()

			s := mcp.NewServer(e, e.Activity(), mcp.Defaults{
				ReconcileLimit:     c.cfg.Reconcile.Limit,
				HeuristicThreshold: c.cfg.Heuristic.Threshold,
				HeuristicMax:       c.cfg.Heuristic.MaxConnections,
			}, version)
			logging.Info("mcp", "serving on stdio")
			return s.ServeStdio()
		},
	}
}
