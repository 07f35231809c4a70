package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/waabox/changegate/internal/auth"
	"github.com/waabox/changegate/internal/clock"
	"github.com/waabox/changegate/internal/config"
	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/gate"
	"github.com/waabox/changegate/internal/graph"
	"github.com/waabox/changegate/internal/policy"
	"github.com/waabox/changegate/internal/provider"
	"github.com/waabox/changegate/internal/provider/orchestrator"
	"github.com/waabox/changegate/internal/provider/servicenow"
	"github.com/waabox/changegate/internal/registry"
	"github.com/waabox/changegate/internal/server"
	"github.com/waabox/changegate/internal/store"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.String("config", config.DefaultConfigPath(), "path to the TOML config file")
	versionFlag := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()
	if *versionFlag {
		fmt.Println("changegate", version)
		os.Exit(0)
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg, *configPath, logger); err != nil {
		logger.Error("changegate stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	waits, err := store.Open(store.Config{
		Path:       cfg.StorePathOrDefault(),
		InMemory:   cfg.Store.InMemory,
		SyncWrites: true,
		Logger:     logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer waits.Close()

	policies, err := policy.Load(cfg.PolicyFile, cfg.DefaultPolicy())
	if err != nil {
		return err
	}

	sn := servicenow.NewAdapter(cfg.ServiceNow.Token, cfg.ServiceNow.URL, cfg.ServiceNow.ToolID, servicenow.Options{
		Timeout:         cfg.ServiceNow.Timeout,
		RateLimit:       cfg.ServiceNow.RateLimit,
		BreakerFailures: cfg.ServiceNow.BreakerFailures,
	})
	tokens := auth.NewTokenManager(cfg, configPath, logger.With("component", "auth"))
	changes := provider.NewRefreshingChangeSystem(sn, "servicenow", tokens.RefreshServiceNow, sn.SetToken)

	orch := orchestrator.NewAdapter(cfg.Orchestrator.Token, cfg.Orchestrator.URL, logger.With("component", "orchestrator"))
	aggregator := graph.NewAggregator(graph.Providers{
		Tests:     orch,
		Quality:   orch,
		Security:  orch,
		Artifacts: orch,
	}, sn, logger.With("component", "results"))
	tracker := graph.NewTracker(graph.NewBuilder(aggregator, logger.With("component", "graph")))

	reg := registry.New()
	queue := gate.NewQueueGate(reg, changes, policies, cfg.Server.CallbackURL, logger.With("component", "queue"))
	steps := gate.NewStepGate(gate.StepDeps{
		Registry:    reg,
		Changes:     changes,
		Policies:    policies,
		Tracker:     tracker,
		Store:       waits,
		Resumer:     orch,
		Consoles:    orch,
		Clock:       clock.Real(),
		CallbackURL: cfg.Server.CallbackURL,
		Logger:      logger.With("component", "step"),
	})
	defer steps.Close()

	callbacks := provider.NewRegistry()
	callbacks.Register(domain.UnitJob.TokenPrefix(), queue)
	callbacks.Register(domain.UnitStage.TokenPrefix(), steps)

	if err := steps.Reconcile(ctx); err != nil {
		logger.Warn("reconciling persisted waits", "error", err)
	}

	handler, err := server.New(server.Deps{
		Tracker:   tracker,
		Queue:     queue,
		Steps:     steps,
		Callbacks: callbacks,
		Registry:  reg,
		Logger:    logger.With("component", "http"),
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.ListenOrDefault(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
