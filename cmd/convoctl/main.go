// convoctl is the conversation orchestration server: it terminates the live
// websocket protocol, runs each session's event loop, and brokers tool
// invocations through the gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vango-go/convoctl/internal/dotenv"
	"github.com/vango-go/convoctl/pkg/checkpoint"
	"github.com/vango-go/convoctl/pkg/config"
	"github.com/vango-go/convoctl/pkg/engine"
	"github.com/vango-go/convoctl/pkg/engine/interrupt"
	"github.com/vango-go/convoctl/pkg/session"
	"github.com/vango-go/convoctl/pkg/store/memory"
	"github.com/vango-go/convoctl/pkg/store/postgres"
	"github.com/vango-go/convoctl/pkg/store/sqlite"
	"github.com/vango-go/convoctl/pkg/telemetry"
	"github.com/vango-go/convoctl/pkg/toolgw"
	"github.com/vango-go/convoctl/pkg/transport/live"
)

type serverDeps struct {
	loadConfig   func(path string) (*config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig: config.Load,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

type pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// stores bundles the selected storage backend's views.
type stores struct {
	checkpoints checkpoint.Store
	invocations toolgw.InvocationStore
	pruner      pruner
	close       func()
}

func openStores(ctx context.Context, cfg config.StorageConfig) (stores, error) {
	switch cfg.Driver {
	case "memory":
		s := memory.New()
		return stores{checkpoints: s, invocations: s.Invocations(), close: func() {}}, nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return stores{}, fmt.Errorf("open sqlite store: %w", err)
		}
		return stores{checkpoints: s, invocations: s.Invocations(), pruner: s, close: func() { _ = s.Close() }}, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return stores{}, fmt.Errorf("open postgres store: %w", err)
		}
		return stores{checkpoints: s, invocations: s.Invocations(), pruner: s, close: s.Close}, nil
	default:
		return stores{}, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func buildRegistry(cfg *config.Config, httpClient *http.Client) (*toolgw.Registry, error) {
	tools := make([]toolgw.Tool, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		version := t.Version
		if version == "" {
			version = "1"
		}
		tools = append(tools, toolgw.Tool{
			Name:                 t.Name,
			Version:              version,
			Class:                toolgw.TimeoutClass(t.Class),
			RequiredPermissions:  t.RequiredPermissions,
			Params:               buildSchema(t.Params),
			Result:               buildSchema(t.Result),
			CancelOnInterruption: t.CancelOnInterruption,
			Compensation:         t.Compensation,
			Timeout:              config.Duration(t.Timeout),
			Execute:              toolgw.HTTPExecutor(httpClient, t.Endpoint),
		})
	}
	return toolgw.NewRegistry(tools...)
}

func buildSchema(fields []config.FieldConfig) toolgw.Schema {
	s := toolgw.Schema{Fields: make([]toolgw.Field, 0, len(fields))}
	for _, f := range fields {
		s.Fields = append(s.Fields, toolgw.Field{
			Name:     f.Name,
			Type:     toolgw.FieldType(f.Type),
			Required: f.Required,
		})
	}
	return s
}

func buildMachine(cfg *config.Config) (*engine.Machine, session.FlowConfig, error) {
	overrides := make([]engine.State, 0, len(cfg.States))
	for _, s := range cfg.States {
		overrides = append(overrides, engine.State{
			Name:          s.Name,
			Interruptible: s.Interruptible,
			Timeout:       config.Duration(s.Timeout),
		})
	}
	flow := session.FlowConfig{Overrides: overrides}
	m := session.DefaultFlow(flow)
	if err := m.Validate(); err != nil {
		return nil, flow, fmt.Errorf("invalid state machine: %w", err)
	}
	return m, flow, nil
}

func runServer(ctx context.Context, logger *slog.Logger, cfgPath string, deps serverDeps) error {
	if deps.loadConfig == nil || deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracer := func(context.Context) error { return nil }
	var sink *telemetry.Sink
	if cfg.Telemetry.Enabled {
		shutdownTracer, err = telemetry.InitTracer("convoctl", logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		sink = telemetry.NewSink(cfg.Telemetry.SinkBuffer, logger)
	}

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.close()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	registry, err := buildRegistry(cfg, httpClient)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	gateway, err := toolgw.New(toolgw.Dependencies{
		Registry: registry,
		Limiter: toolgw.NewLimiter(toolgw.LimitScopes{
			Key:     toolgw.BucketConfig{RPS: cfg.Gateway.Limits.Key.RPS, Burst: cfg.Gateway.Limits.Key.Burst},
			Session: toolgw.BucketConfig{RPS: cfg.Gateway.Limits.Session.RPS, Burst: cfg.Gateway.Limits.Session.Burst},
			Tenant:  toolgw.BucketConfig{RPS: cfg.Gateway.Limits.Tenant.RPS, Burst: cfg.Gateway.Limits.Tenant.Burst},
			Global:  toolgw.BucketConfig{RPS: cfg.Gateway.Limits.Global.RPS, Burst: cfg.Gateway.Limits.Global.Burst},
		}),
		Store: st.invocations,
		Timeouts: map[toolgw.TimeoutClass]time.Duration{
			toolgw.ClassDataFetch:   config.Duration(cfg.Gateway.Timeouts.DataFetch),
			toolgw.ClassComputation: config.Duration(cfg.Gateway.Timeouts.Computation),
			toolgw.ClassAction:      config.Duration(cfg.Gateway.Timeouts.Action),
		},
		Retry: toolgw.RetryConfig{
			Base:        config.Duration(cfg.Gateway.Retry.Base),
			Multiplier:  cfg.Gateway.Retry.Multiplier,
			MaxDelay:    config.Duration(cfg.Gateway.Retry.MaxDelay),
			Jitter:      config.Duration(cfg.Gateway.Retry.Jitter),
			MaxAttempts: cfg.Gateway.Retry.MaxAttempts,
		},
		Logger: logger,
		Sink:   sink,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	machine, flow, err := buildMachine(cfg)
	if err != nil {
		return err
	}

	var draining atomic.Bool
	tracker := live.NewTracker()
	handler := &live.Handler{
		Store:   st.checkpoints,
		Gateway: gateway,
		Flow:    flow,
		Machine: machine,
		Interrupt: interrupt.Config{
			MinWords:    cfg.Interrupt.MinWords,
			GraceWindow: config.Duration(cfg.Interrupt.GraceWindow),
		},
		MaxDuration: config.Duration(cfg.Session.MaxDuration),
		MaxSessions: cfg.Session.MaxSessionsPerHost,
		Draining:    draining.Load,
		Tracker:     tracker,
		Logger:      logger,
		Sink:        sink,
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/live", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: config.Duration(cfg.Server.ReadHeaderTimeout),
	}

	if st.pruner != nil {
		go pruneLoop(ctx, logger, st.pruner, config.Duration(cfg.Storage.Retention))
	}

	logger.Info("starting server",
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Driver,
		"tools", len(cfg.Tools),
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	draining.Store(true)
	tracker.NotifyAll("draining", "server is shutting down")

	grace := config.Duration(cfg.Server.ShutdownGrace)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), grace)
	defer waitCancel()
	if !tracker.Wait(waitCtx) {
		tracker.CancelAll()
	}

	if sink != nil {
		sink.Close()
	}
	if err := shutdownTracer(context.Background()); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// pruneLoop ages out expired tool invocation records once an hour.
func pruneLoop(ctx context.Context, logger *slog.Logger, p pruner, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx, retention)
			if err != nil {
				logger.Warn("prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned invocation records", "count", n)
			}
		}
	}
}

func runMain(ctx context.Context, stderr io.Writer, args []string, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	fs := flag.NewFlagSet("convoctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the CONVO_ environment overlay")
	cfgPath := fs.String("config", "", "path to the YAML config file (defaults to $CONVO_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := dotenv.LoadFile(*envFile); err != nil {
		fmt.Fprintf(stderr, "convoctl: %v\n", err)
		return 1
	}
	if *cfgPath == "" {
		*cfgPath = os.Getenv("CONVO_CONFIG")
	}

	if err := runServer(ctx, logger, *cfgPath, deps); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "convoctl: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, os.Args[1:], defaultServerDeps()))
}
