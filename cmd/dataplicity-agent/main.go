// Command dataplicity-agent runs the M2M device agent: it resolves the
// device identity, dials the M2M relay, and dispatches instructions to the
// service layer until asked to stop. Grounded in the original agent's
// dataplicity/app.py entry point and flowersec-tunnel's flag/signal/metrics
// wiring idiom.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wildfoundry/dataplicity-agent/internal/agent"
	"github.com/wildfoundry/dataplicity-agent/internal/cmdutil"
	"github.com/wildfoundry/dataplicity-agent/internal/config"
	"github.com/wildfoundry/dataplicity-agent/internal/controlplane"
	"github.com/wildfoundry/dataplicity-agent/internal/identity"
	"github.com/wildfoundry/dataplicity-agent/internal/version"
	"github.com/wildfoundry/dataplicity-agent/observability"
	"github.com/wildfoundry/dataplicity-agent/observability/prom"
)

// ready is the startup banner printed to stdout once the agent has resolved
// its identity and is about to dial the M2M relay, mirroring the original
// flowersec-tunnel CLI's JSON-encoded readiness line.
type ready struct {
	Version    string `json:"version"`
	Serial     string `json:"serial"`
	M2MURL     string `json:"m2m_url"`
	APIURL     string `json:"api_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "version" {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}
	if len(args) > 0 && args[0] == "run" {
		args = args[1:]
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger := configureLogger(cfg.LogFormat, cfg.LogLevel, stderr)

	dev, err := identity.Load(cfg.SerialFile, cfg.AuthFile)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve device identity")
		return 1
	}
	logger.Info().Str("serial", dev.Serial).Msg("dataplicity-agent starting")

	cp := controlplane.New(cfg.APIURL, dev.Serial, dev.AuthToken)
	defer cp.Close()

	observer := observability.NoopAgentObserver
	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		reg := prom.NewRegistry()
		promObserver := prom.NewAgentObserver(reg)
		observer = promObserver

		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("listen", cfg.MetricsListen).Msg("metrics endpoint enabled")
	}

	a := agent.New(agent.Config{
		M2MURL:         cfg.M2MURL,
		ServicesLimit:  cfg.ServicesLimit,
		TerminalsLimit: cfg.TerminalsLimit,
		ControlPlane:   cp,
		Logger:         &logger,
		Observer:       observer,
	}, nil)

	out := ready{
		Version: version.String(buildVersion, buildCommit, buildDate),
		Serial:  dev.Serial,
		M2MURL:  cfg.M2MURL,
		APIURL:  cfg.APIURL,
	}
	if cfg.MetricsListen != "" {
		out.MetricsURL = "http://" + cfg.MetricsListen + "/metrics"
	}
	if err := cmdutil.WriteJSON(stdout, out, false); err != nil {
		logger.Warn().Err(err).Msg("failed to write readiness banner")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info().Msg("shutdown signal received")
		a.Shutdown()
		cancel()
	}()

	runErr := a.Run(ctx)
	cancel()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if runErr != nil && runErr != context.Canceled {
		logger.Error().Err(runErr).Msg("agent exited with an error")
		return 1
	}
	return 0
}

func configureLogger(format, level string, stderr io.Writer) zerolog.Logger {
	var w io.Writer = stderr
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
