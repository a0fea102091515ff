package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

// recordingHandler captures records for assertions. Groups are ignored; the
// warnings under test never use them.
type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	h := &recordingHandler{mu: &sync.Mutex{}, records: &[]recordedLog{}}
	return slog.New(h), func() []recordedLog {
		h.mu.Lock()
		defer h.mu.Unlock()
		return append([]recordedLog(nil), *h.records...)
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{
		mu:      h.mu,
		records: h.records,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func TestStartupSecurityWarnings(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want []string
		not  []string
	}{
		{
			name: "secure dev defaults",
			cfg: config.Config{
				Mode:       config.ModeDev,
				AuthMode:   config.AuthModeAPIKey,
				APIKey:     "secret",
				ListenAddr: "127.0.0.1:8080",
				BasePort:   10000,
			},
			not: []string{"auth_mode_none", "allowed_origins_wildcard", "peer_allow_loopback_in_prod", "max_proxies_unlimited_in_prod", "rtp_base_port_high"},
		},
		{
			name: "auth none on loopback",
			cfg: config.Config{
				Mode:       config.ModeDev,
				AuthMode:   config.AuthModeNone,
				ListenAddr: "127.0.0.1:8080",
				BasePort:   10000,
			},
			want: []string{"auth_mode_none"},
			not:  []string{"auth_mode_none_public_listener"},
		},
		{
			name: "auth none on all interfaces",
			cfg: config.Config{
				Mode:       config.ModeDev,
				AuthMode:   config.AuthModeNone,
				ListenAddr: "0.0.0.0:8080",
				BasePort:   10000,
			},
			want: []string{"auth_mode_none", "auth_mode_none_public_listener"},
		},
		{
			name: "wildcard origins",
			cfg: config.Config{
				Mode:           config.ModeDev,
				AuthMode:       config.AuthModeAPIKey,
				APIKey:         "secret",
				AllowedOrigins: []string{"*"},
				BasePort:       10000,
			},
			want: []string{"allowed_origins_wildcard"},
		},
		{
			name: "prod loose limits",
			cfg: config.Config{
				Mode:              config.ModeProd,
				AuthMode:          config.AuthModeAPIKey,
				APIKey:            "secret",
				PeerAllowLoopback: true,
				BasePort:          65500,
			},
			want: []string{"peer_allow_loopback_in_prod", "max_proxies_unlimited_in_prod", "rtp_base_port_high"},
		},
		{
			name: "prod bounded",
			cfg: config.Config{
				Mode:       config.ModeProd,
				AuthMode:   config.AuthModeAPIKey,
				APIKey:     "secret",
				MaxProxies: 32,
				BasePort:   10000,
			},
			not: []string{"peer_allow_loopback_in_prod", "max_proxies_unlimited_in_prod"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			logStartupSecurityWarnings(logger, tc.cfg)
			codes := warningCodes(records())
			for _, code := range tc.want {
				if !codes[code] {
					t.Errorf("missing warning_code=%s; got %v", code, codes)
				}
			}
			for _, code := range tc.not {
				if codes[code] {
					t.Errorf("unexpected warning_code=%s", code)
				}
			}
		})
	}
}

func TestStartupSecurityWarnings_AuthModeAttr(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeNone})

	for _, r := range records() {
		if r.attrs["warning_code"] == "auth_mode_none" {
			if r.attrs["auth_mode"] != config.AuthModeNone {
				t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
			}
			return
		}
	}
	t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
}
