// ============================================================================
// Beaver-JobRun CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   beaver-jobrun                  # Root command
//   ├── run                        # Start a worker node
//   ├── submit                     # Submit jobs over gRPC
//   │   ├── --file, -f             # Job JSON file
//   │   └── --addr                 # Node address
//   ├── list                       # List stored jobs over gRPC
//   ├── status                     # Show resolved configuration
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// run Command:
//   1. Load config file, build the root logger
//   2. Open the lease lock and job store backends
//   3. Register processors, create Runner and Controller
//   4. Serve gRPC submissions and Prometheus metrics
//   5. On SIGINT / SIGTERM: stop gRPC, stop Controller (publishes Stop,
//      every running job releases its lease), close backends
//
// submit Command:
//   JSON file holds one job or an array of jobs:
//   [
//     {
//       "id": "btc-stop-1",
//       "type": "soft_trailing_stop",
//       "trailing_stop": {
//         "market": {"exchange": "sim", "base": "BTC", "counter": "USD", "price_scale": 2},
//         "amount": "0.5", "start_price": "100", "last_sync_price": "100",
//         "stop_percentage": "5", "limit_percentage": "10"
//       }
//     }
//   ]
//   Jobs without an id get one assigned by the node.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-jobrun/internal/controller"
	"github.com/ChuLiYu/beaver-jobrun/internal/eventbus"
	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/internal/metrics"
	"github.com/ChuLiYu/beaver-jobrun/internal/processor"
	"github.com/ChuLiYu/beaver-jobrun/internal/server"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

const (
	rpcTimeout      = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	defaultAddr     = "localhost:50051"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-jobrun",
		Short: "Beaver-JobRun: a lease-locked distributed job runner",
		Long: `Beaver-JobRun runs long-lived jobs on a fleet of worker nodes:
- every running job holds a renewable lease
- a crashed node's jobs are picked up once its leases expire
- jobs can replace themselves with updated values or finish`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a Beaver-JobRun worker node",
		Long:  "Start a worker node: recovery scan, keep-alive, gRPC submission and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, os.Stderr)
		},
	}
}

// runNode 啟動節點直到 ctx 結束或任一服務失敗
func runNode(ctx context.Context, cfg *Config, logOut io.Writer) error {
	log := newLogger(cfg, logOut)
	slog.SetDefault(log)
	log.Info("starting beaver-jobrun", "config", configFile)

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            cfg.Profiling.Tags,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("pyroscope start failed: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("close backends", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	registry := jobrun.NewRegistry()
	if err := processor.Register(registry, processor.Deps{
		Prices:   processor.NewSimulatedFeed(cfg.Simulation.Seed, cfg.Simulation.Volatility),
		Orders:   processor.LogOrderPlacer{Logger: log},
		Notifier: processor.LogNotifier{Logger: log},
		Interval: cfg.Worker.TickInterval,
		Logger:   log,
	}); err != nil {
		return err
	}

	owner := types.NewOwnerToken()
	bus := eventbus.New(eventbus.WithLogger(log))
	runner := jobrun.NewRunner(owner, b.locker, b.store, bus, registry,
		jobrun.WithLogger(log),
		jobrun.WithStatusSink(jobrun.MultiSink{jobrun.LogSink{Logger: log}, collector}),
		jobrun.WithObserver(collector),
		jobrun.WithOpTimeout(cfg.Worker.TaskTimeout),
	)

	ctrl, err := controller.New(cfg.controllerConfig(), runner, b.store, bus,
		controller.WithLogger(log), controller.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
	}
	srv := server.NewServer(ctrl, b.store, server.WithLogger(log))

	if err := ctrl.Start(); err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	log.Info("node started", "owner", string(owner), "grpc_port", cfg.GRPC.Port)

	var ms *metrics.Server
	if cfg.Metrics.Enabled {
		ms = metrics.NewServer(cfg.Metrics.Port, reg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(lis) })
	if ms != nil {
		g.Go(func() error {
			log.Info("metrics server listening", "port", cfg.Metrics.Port)
			return ms.Start()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		srv.Stop()
		ctrl.Stop()

		if ms != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := ms.Shutdown(sctx); err != nil {
				log.Warn("metrics server shutdown", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	log.Info("node stopped", "error", err)
	return err
}

// ============================================================================
// submit / list
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var jobFile string
	var addr string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and submit them to a running node over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			client, err := server.Dial(addr)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", addr, err)
			}
			defer client.Close()
			return submitJobs(cmd.Context(), client, jobFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "node gRPC address")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// jobClient submit 與 list 使用的 gRPC 呼叫
type jobClient interface {
	SubmitJob(ctx context.Context, job types.Job) (server.SubmitResult, error)
	ListJobs(ctx context.Context) ([]types.Job, error)
}

func submitJobs(ctx context.Context, client jobClient, filePath string, out io.Writer) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}
	jobs, err := server.DecodeJobs(data)
	if err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	started := 0
	for _, job := range jobs {
		res, err := client.SubmitJob(ctx, job)
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", job.ID, err)
			continue
		}
		switch {
		case res.Started:
			started++
			fmt.Fprintf(out, "✓ %s started\n", res.JobID)
		case res.Accepted:
			fmt.Fprintf(out, "= %s already stored\n", res.JobID)
		default:
			fmt.Fprintf(out, "✗ %s rejected\n", res.JobID)
		}
	}
	fmt.Fprintf(out, "Started %d/%d jobs\n", started, len(jobs))
	return nil
}

func buildListCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(addr)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", addr, err)
			}
			defer client.Close()
			return listJobs(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "node gRPC address")
	return cmd
}

func listJobs(ctx context.Context, client jobClient, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	jobs, err := client.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(jobs)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show resolved configuration status",
		Long:  "Load the config file, apply defaults and print the node settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			showStatus(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func showStatus(out io.Writer, cfg *Config) {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Beaver-JobRun Node Configuration                ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Worker:")
	fmt.Fprintf(out, "  ├─ Config File:      %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Scan Workers:     %d\n", cfg.Worker.ScanWorkers)
	fmt.Fprintf(out, "  ├─ Poll Interval:    %s\n", cfg.Worker.PollInterval)
	fmt.Fprintf(out, "  ├─ Scan Rate:        %.1f/s (burst %d)\n", cfg.Worker.ScanRate, cfg.Worker.ScanBurst)
	fmt.Fprintf(out, "  └─ Keep-Alive Every: %s\n", cfg.Worker.KeepAliveInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🔒 Lease:")
	fmt.Fprintf(out, "  ├─ Backend: %s\n", cfg.Lease.Backend)
	fmt.Fprintf(out, "  └─ TTL:     %s\n", cfg.Lease.TTL)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Store:")
	fmt.Fprintf(out, "  └─ Backend: %s\n", cfg.Store.Backend)
	switch cfg.Store.Backend {
	case BackendFile:
		fmt.Fprintf(out, "     └─ Path: %s\n", cfg.Store.Path)
	case BackendRedis:
		fmt.Fprintf(out, "     └─ Redis: %s (db %d)\n", cfg.Redis.Addr, cfg.Redis.DB)
	case BackendSQL:
		fmt.Fprintf(out, "     └─ Database: %s %s\n", cfg.Postgres.Driver, cfg.Postgres.Database)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Endpoints:")
	fmt.Fprintf(out, "  ├─ gRPC:    :%d\n", cfg.GRPC.Port)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Metrics: ✅ http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Metrics: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
}
