package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"rewind/internal/api"
	"rewind/internal/capture"
	"rewind/internal/certs"
	"rewind/internal/config"
	"rewind/internal/encoder"
	"rewind/internal/ingest"
	srtingest "rewind/internal/ingest/srt"
	"rewind/internal/logging"
	"rewind/internal/metrics"
	"rewind/internal/replay"
)

var version = "dev"

func main() {
	// .env is optional; system env and defaults cover its absence.
	_ = config.Load()

	log := logging.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "text"))
	slog.SetDefault(log)

	cert, err := certs.Generate(0)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srtAddr := config.GetEnv("SRT_ADDR", ":6000")
	apiAddr := config.GetEnv("API_ADDR", ":4444")
	h3Addr := config.GetEnv("H3_ADDR", ":4443")

	replayCfg := replay.Config{
		RotateInterval: config.GetEnvMillis("ROTATE_INTERVAL_MS", replay.DefaultRotateInterval),
		Freshness:      config.GetEnvMillis("FRESH_MS", replay.DefaultFreshness),
		Encoder: encoder.Options{
			Codec:      config.GetEnv("CODEC", "mp2t"),
			BitrateBps: config.GetEnvInt("BITRATE_BPS", 0),
			ChunkBytes: config.GetEnvInt("CHUNK_BYTES", 0),
		},
	}

	slog.Info("rewind starting",
		"version", version,
		"srt", srtAddr,
		"api", apiAddr,
		"h3", h3Addr,
		"rotate_interval", replayCfg.RotateInterval,
		"freshness", replayCfg.Freshness,
		"cert_hash", cert.FingerprintBase64(),
	)

	mgr := capture.NewManager(nil)
	met := metrics.New()

	g, ctx := errgroup.WithContext(ctx)

	// Create the registry after the errgroup so the capture closure uses the
	// errgroup-derived context, ensuring captures stop when any component fails.
	registry := ingest.NewRegistry(func(src *ingest.Source) {
		handleNewSource(ctx, mgr, replayCfg, src)
	})

	srtSrv := srtingest.NewServer(srtAddr, registry, nil)
	router := api.NewServer(ctx, mgr, met, nil).Router()

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}

	httpSrv := &http.Server{
		Addr:      apiAddr,
		Handler:   router,
		TLSConfig: tlsCfg,
	}
	h3Srv := &http3.Server{
		Addr:      h3Addr,
		Handler:   router,
		TLSConfig: tlsCfg,
	}

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := httpSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		slog.Info("HTTP/3 API server listening", "addr", h3Addr)
		if err := h3Srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP/3 server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return h3Srv.Close()
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// handleNewSource wires a freshly registered live source to a replay
// capture and tears it down when the source disconnects.
func handleNewSource(ctx context.Context, mgr *capture.Manager, cfg replay.Config, src *ingest.Source) {
	slog.Info("new live source", "key", src.Key)

	eng := encoder.NewTSEngine(slog.With("source", src.Key))
	rec := replay.New(eng, src.Reader(), cfg, slog.With("source", src.Key))

	if _, created := mgr.Create(src.Key, rec, src); !created {
		slog.Warn("rejecting duplicate source", "key", src.Key)
		return
	}

	if err := rec.Start(ctx); err != nil {
		slog.Error("start capture failed", "key", src.Key, "error", err)
		mgr.Remove(src.Key)
		return
	}

	<-src.Done()
	mgr.Remove(src.Key)
	slog.Info("live source ended", "key", src.Key)
}
