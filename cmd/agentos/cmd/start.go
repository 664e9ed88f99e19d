package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/imran-siddique/agentos/internal/adapter/inbound/httpapi"
	"github.com/imran-siddique/agentos/internal/adapter/inbound/sidecar"
	"github.com/imran-siddique/agentos/internal/adapter/outbound/recorder"
	"github.com/imran-siddique/agentos/internal/adapter/outbound/tracestore"
	"github.com/imran-siddique/agentos/internal/domain/breaker"
	kernelsignal "github.com/imran-siddique/agentos/internal/domain/signal"
	"github.com/imran-siddique/agentos/internal/domain/trust"
	"github.com/imran-siddique/agentos/internal/metrics"
	"github.com/imran-siddique/agentos/internal/telemetry"
)

var startTrace bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the trust sidecar in front of the configured backend",
	Long: `Start the inter-agent trust proxy. The sidecar listens on
sidecar.listen, forwards screened requests to sidecar.backend, and
serves the capability manifest from sidecar.manifest_file. Prometheus
metrics are exposed on /metrics of the same listener.

Shuts down gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Sidecar.Listen == "" || cfg.Sidecar.Backend == "" || cfg.Sidecar.ManifestFile == "" {
			return configErr("start requires sidecar.listen, sidecar.backend, and sidecar.manifest_file")
		}
		if err := cfg.EnsureLayout(); err != nil {
			return runtimeErr("%v", err)
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if startTrace {
			shutdown, err := telemetry.Init(ctx, os.Stderr, Version)
			if err != nil {
				return runtimeErr("telemetry: %v", err)
			}
			defer func() { _ = shutdown(context.Background()) }()
		}

		manifest, err := loadManifest(cfg.Sidecar.ManifestFile)
		if err != nil {
			return configErr("%s: %v", cfg.Sidecar.ManifestFile, err)
		}

		rec, err := recorder.New(recorderConfig(cfg), logger)
		if err != nil {
			return runtimeErr("open recorder: %v", err)
		}
		defer rec.Close()

		traces, err := tracestore.Open(cfg.TraceDBPath())
		if err != nil {
			return runtimeErr("open trace store: %v", err)
		}
		defer traces.Close()

		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		dispatcher := kernelsignal.NewDispatcher(rec, logger)
		br := breaker.New("backend", breaker.Config{}, rec, m, logger)

		srv, err := sidecar.New(sidecar.Config{
			Manifest:       manifest,
			Backend:        cfg.Sidecar.Backend,
			ForwardTimeout: time.Duration(cfg.Sidecar.ForwardTimeoutSeconds) * time.Second,
		}, br, traces, rec, dispatcher, m, logger)
		if err != nil {
			return configErr("%v", err)
		}

		httpSrv := &http.Server{
			Addr:              cfg.Sidecar.Listen,
			Handler:           httpapi.Mount(srv.Routes(), reg, Version, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("sidecar listening",
				"addr", cfg.Sidecar.Listen,
				"backend", cfg.Sidecar.Backend,
				"agent_id", manifest.AgentID,
			)
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return runtimeErr("serve: %v", err)
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return runtimeErr("shutdown: %v", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return runtimeErr("serve: %v", err)
		}
		return nil
	},
}

func loadManifest(path string) (trust.CapabilityManifest, error) {
	var manifest trust.CapabilityManifest
	raw, err := os.ReadFile(path)
	if err != nil {
		return manifest, err
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return manifest, err
	}
	if err := trust.Validate(manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}

func init() {
	startCmd.Flags().BoolVar(&startTrace, "trace", false, "emit OpenTelemetry spans to stderr")
	rootCmd.AddCommand(startCmd)
}
