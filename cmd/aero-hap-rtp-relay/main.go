package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/relay"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-hap-rtp-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"rtp_bind_ipv4", cfg.BindIPv4,
		"rtp_bind_ipv6", cfg.BindIPv6,
		"rtp_base_port", cfg.BasePort,
		"udp_read_buffer_bytes", cfg.UDPReadBufferBytes,
		"max_proxies", cfg.MaxProxies,
		"peer_allow_loopback", cfg.PeerAllowLoopback,
	)

	logStartupSecurityWarnings(logger, cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	hub := httpserver.NewEventHub(cfg.EventBufferSize, logger)
	mgr := relay.NewManager(relay.Config{
		BindIPv4:           cfg.BindIPv4,
		BindIPv6:           cfg.BindIPv6,
		BasePort:           cfg.BasePort,
		UDPReadBufferBytes: cfg.UDPReadBufferBytes,
		MaxProxies:         cfg.MaxProxies,
		Policy:             cfg.PeerPolicy(),
		Events:             hub,
	}, m, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		Manager:  mgr,
		Verifier: verifier,
		Events:   hub,
		Metrics:  m,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		mgr.Close()
		hub.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked event stream connections are not tracked by http.Server.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	mgr.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (`go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
