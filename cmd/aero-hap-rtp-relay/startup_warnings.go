package main

import (
	"log/slog"
	"net"
	"slices"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables control API authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
		if host, _, err := net.SplitHostPort(cfg.ListenAddr); err == nil && !isLoopbackHost(host) {
			logger.Warn("startup security warning: unauthenticated control API listening on a non-loopback address",
				"warning_code", "auth_mode_none_public_listener",
				"listen_addr", cfg.ListenAddr,
				"mode", cfg.Mode,
			)
		}
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.PeerAllowLoopback {
		logger.Warn("startup security warning: PEER_ALLOW_LOOPBACK=true while --mode=prod (proxies may forward to local services)",
			"warning_code", "peer_allow_loopback_in_prod",
			"peer_allow_loopback", cfg.PeerAllowLoopback,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxProxies <= 0 {
		logger.Warn("startup security warning: MAX_PROXIES is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_proxies_unlimited_in_prod",
			"max_proxies", cfg.MaxProxies,
			"mode", cfg.Mode,
		)
	}

	// Each proxy holds three sockets; a base port this close to the top of the
	// range leaves room for very few before allocation wraps.
	if int(cfg.BasePort) > 65535-3*16 {
		logger.Warn("startup warning: RTP_BASE_PORT leaves little room before port allocation wraps",
			"warning_code", "rtp_base_port_high",
			"rtp_base_port", cfg.BasePort,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
