package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"walksync/internal/config"
	"walksync/internal/engine"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig func() config.Config
	newLogger  func(level string) *zap.Logger
	newEngine  func(config.Config, *zap.Logger) (*engine.Engine, error)
	notify     func(chan<- os.Signal, ...os.Signal)
	run        func(context.Context, *engine.Engine, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig: config.Load,
		newLogger:  engine.NewLogger,
		newEngine:  engine.New,
		notify:     signal.Notify,
		run:        Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := deps.newLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	eng, err := deps.newEngine(cfg, log)
	if err != nil {
		log.Error("engine assembly failed", zap.Error(err))
		return
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), eng, signals, nil); err != nil {
		log.Error("agent exited with error", zap.Error(err))
	}
}

type ListenFunc func(srv *http.Server) error

var defaultListen ListenFunc = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

var shutdownFn = func(srv *http.Server, ctx context.Context) error {
	return srv.Shutdown(ctx)
}

// Run serves the metrics endpoint and keeps the engine alive until a
// termination signal arrives, then shuts both down cleanly.
func Run(ctx context.Context, eng *engine.Engine, signals <-chan os.Signal, listen ListenFunc) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(eng.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: eng.Cfg.MetricsAddr, Handler: mux}

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv)
	}()

	if eng.Cfg.DemoWalk {
		go func() {
			if _, err := simulateWalk(ctx, eng, 12, 2*time.Second); err != nil {
				eng.Log.Warn("demo walk failed", zap.Error(err))
			}
		}()
	}

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = eng.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv, shutdownCtx); err != nil {
		_ = eng.Close()
		return err
	}
	return eng.Close()
}
