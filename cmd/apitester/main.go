package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/cuemby/apitester/pkg/config"
	"github.com/cuemby/apitester/pkg/dbacl"
	"github.com/cuemby/apitester/pkg/log"
	"github.com/cuemby/apitester/pkg/metrics"
	"github.com/cuemby/apitester/pkg/pipeline"
	"github.com/cuemby/apitester/pkg/queue"
	"github.com/cuemby/apitester/pkg/sandbox"
	"github.com/cuemby/apitester/pkg/workerpool"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "apitester",
	Short:   "apitester runs containerized HTTP API scenario tasks",
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Dequeue tasks and run their scenarios until shutdown",
	RunE:  runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("apitester version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	runCmd.Flags().Int("processes", 0, "Number of concurrent task pipelines (0 = use config default, which is runtime.NumCPU())")
	runCmd.Flags().String("metrics-addr", ":9090", "Address for the /metrics and /healthz server")

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	processes, _ := cmd.Flags().GetInt("processes")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if processes > 0 {
		cfg.Processes = processes
	}

	logger := log.WithComponent("main")
	logger.Info().
		Bool("host_mode", cfg.HostMode).
		Int("processes", cfg.Processes).
		Msg("starting apitester worker")

	provisioner, err := dbacl.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer provisioner.Close()

	runtime, err := sandbox.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %w", err)
	}
	defer runtime.Close()

	q := queue.New(cfg.Broker)
	defer q.Close()

	p := pipeline.New(cfg, provisioner, runtimeAdapter{runtime}, q)
	pool := workerpool.New(q, p, cfg.Processes)

	srv := newObservabilityServer(metricsAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("observability server exited")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	logger.Info().Msg("apitester worker stopped cleanly")
	return nil
}

// runtimeAdapter lets *sandbox.Runtime satisfy pipeline.Runtime, whose
// Start method returns the narrower pipeline.Sandbox interface rather than
// the concrete *sandbox.Sandbox type.
type runtimeAdapter struct {
	rt *sandbox.Runtime
}

func (a runtimeAdapter) Start(ctx context.Context, taskID, image string, handle *dbacl.Handle) (pipeline.Sandbox, error) {
	sb, err := a.rt.Start(ctx, taskID, image, handle)
	if sb == nil {
		return nil, err
	}
	return sb, err
}

func newObservabilityServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: r}
}
