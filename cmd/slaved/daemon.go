package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dataprovider/slaved/internal/api"
	"github.com/dataprovider/slaved/internal/auth"
	"github.com/dataprovider/slaved/internal/config"
	"github.com/dataprovider/slaved/internal/env"
	"github.com/dataprovider/slaved/internal/fault"
	"github.com/dataprovider/slaved/internal/faultlog"
	"github.com/dataprovider/slaved/internal/history"
	"github.com/dataprovider/slaved/internal/history/factory"
	"github.com/dataprovider/slaved/internal/launchpad"
	"github.com/dataprovider/slaved/internal/logger"
	"github.com/dataprovider/slaved/internal/metrics"
	"github.com/dataprovider/slaved/internal/reconcile"
	"github.com/dataprovider/slaved/internal/registry"
	"github.com/dataprovider/slaved/internal/supervisor"
	"github.com/dataprovider/slaved/internal/timer"
	"github.com/dataprovider/slaved/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

// runDaemon wires every component built around the Slave Registry and
// Supervisor into a running process, mirroring the teacher's
// runSimpleServeCommand: load config, construct the core, start optional
// surfaces, then block until SIGINT/SIGTERM and shut down in reverse order.
func runDaemon(t *config.Tunables) error {
	slog.SetDefault(logger.Setup(t.Log.Dir, t.Log.Level, t.Log.Color, t.Log.MaxSizeMB, t.Log.MaxBackups, t.Log.MaxAgeDays, t.Log.Compress))

	reg := registry.New()

	timers := timer.New(nil)
	timerStop := make(chan struct{})
	go timers.Run(timerStop)

	rpcSrv, err := transport.NewFromServerConfig(timers, t.RPC)
	if err != nil {
		return fmt.Errorf("slaved: rpc transport: %w", err)
	}
	if err := rpcSrv.Listen(t.RPC.Listen); err != nil {
		return fmt.Errorf("slaved: rpc listen %s: %w", t.RPC.Listen, err)
	}
	go func() {
		if err := rpcSrv.Serve(); err != nil {
			slog.Warn("slaved: rpc transport stopped", "error", err)
		}
	}()

	historySink, closeHistory, err := buildHistorySinks(t)
	if err != nil {
		return err
	}

	faults := fault.New(t.SlaveLogPath, rpcSrv, nil)

	e := env.New()
	e.FromOS()
	launcher := launchpad.NewExecLauncher(t.SlaveBinary, t.SlaveArgs, e)

	sup := supervisor.New(reg, timers, launcher, rpcSrv, faults, *t, supervisor.WithHistorySink(historySink))

	if t.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("slaved: metrics registration failed", "error", err)
		}
		go serveMetrics(t.Metrics.Addr)
	}

	sweeper := reconcile.New(reg, sup)
	if t.Reconcile.Enabled {
		if err := sweeper.Start(t.Reconcile.Schedule); err != nil {
			return fmt.Errorf("slaved: reconcile: %w", err)
		}
	}

	var apiSrv *httpServerHandle
	if t.API.Enabled {
		apiSrv, err = startAPI(t, reg, sup)
		if err != nil {
			return err
		}
	}

	slog.Info("slaved: daemon started", "rpc_listen", t.RPC.Listen, "api_enabled", t.API.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("slaved: shutting down")

	if t.Reconcile.Enabled {
		sweeper.Stop()
	}
	if apiSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiSrv.server.Shutdown(ctx)
	}
	_ = rpcSrv.Close()
	close(timerStop)
	if closeHistory != nil {
		_ = closeHistory()
	}
	return nil
}

type httpServerHandle struct {
	server interface {
		Shutdown(context.Context) error
	}
}

func startAPI(t *config.Tunables, reg *registry.Registry, sup *supervisor.Supervisor) (*httpServerHandle, error) {
	embedded, err := faultlog.New(embeddedLedgerDSN(t))
	if err != nil {
		return nil, fmt.Errorf("slaved: api fault ledger: %w", err)
	}

	var mw *auth.Middleware
	if t.API.AuthUser != "" {
		svc, err := auth.NewAuthService(auth.AuthConfig{
			Store: auth.StoreConfig{Path: filepath.Join(t.Log.Dir, "auth.db")},
		})
		if err != nil {
			return nil, fmt.Errorf("slaved: api auth service: %w", err)
		}
		if err := auth.NewCLIHelper(svc).CreateInitialAdmin(context.Background(), t.API.AuthUser, t.API.AuthPass); err != nil {
			slog.Warn("slaved: initial admin not created (may already exist)", "error", err)
		}
		mw = auth.NewMiddleware(svc, true)
	}

	srv := api.NewServer(reg, sup, embedded, mw)
	httpSrv := api.NewHTTPServer(t.API.Addr, srv)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			slog.Info("slaved: admin api stopped", "error", err)
		}
	}()
	return &httpServerHandle{server: httpSrv}, nil
}

func embeddedLedgerDSN(t *config.Tunables) string {
	if t.Log.Dir == "" {
		return "sqlite:///tmp/slaved-faults.db"
	}
	return "sqlite://" + filepath.Join(t.Log.Dir, "faults.db")
}

func buildHistorySinks(t *config.Tunables) (history.Sink, func() error, error) {
	var sinks history.MultiSink
	var closers []func() error
	for _, h := range t.History {
		sink, err := factory.NewSinkFromDSN(h.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("slaved: history sink %s: %w", h.Type, err)
		}
		sinks = append(sinks, sink)
		if c, ok := sink.(interface{ Close() error }); ok {
			closers = append(closers, c.Close)
		}
	}
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	if len(sinks) == 0 {
		ledger, err := faultlog.New(embeddedLedgerDSN(t))
		if err != nil {
			slog.Warn("slaved: embedded fault ledger unavailable", "error", err)
			return noopSink{}, closeAll, nil
		}
		return ledger, ledger.Close, nil
	}
	return sinks, closeAll, nil
}

type noopSink struct{}

func (noopSink) Send(context.Context, history.Event) error { return nil }

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		slog.Warn("slaved: metrics listener stopped", "error", err)
	}
}
