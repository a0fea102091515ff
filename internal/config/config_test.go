package config

import (
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/policy"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAPIKey: "secret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ShutdownTimeout != DefaultShutdown {
		t.Fatalf("ShutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdown)
	}
	if cfg.AuthMode != AuthModeAPIKey {
		t.Fatalf("AuthMode=%q, want %q", cfg.AuthMode, AuthModeAPIKey)
	}
	if cfg.BasePort != DefaultBasePort {
		t.Fatalf("BasePort=%d, want %d", cfg.BasePort, DefaultBasePort)
	}
	if cfg.UDPReadBufferBytes != DefaultUDPReadBufferBytes {
		t.Fatalf("UDPReadBufferBytes=%d, want %d", cfg.UDPReadBufferBytes, DefaultUDPReadBufferBytes)
	}
	if cfg.MaxProxies != 0 {
		t.Fatalf("MaxProxies=%d, want 0", cfg.MaxProxies)
	}
	if cfg.BindIPv4 != nil || cfg.BindIPv6 != nil {
		t.Fatalf("bind IPs should default to wildcard, got %v / %v", cfg.BindIPv4, cfg.BindIPv6)
	}
	if !cfg.PeerAllowLoopback {
		t.Fatalf("dev preset should allow loopback peers")
	}
}

func TestDefaultsProd(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:   "prod",
		envVarAPIKey: "secret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.PeerAllowLoopback {
		t.Fatalf("prod preset should deny loopback peers")
	}
}

func TestModeFlagDrivesLogDefaults(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarAPIKey: "secret"}), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("log defaults = %q/%v, want json/info", cfg.LogFormat, cfg.LogLevel)
	}

	cfg, err = load(lookupMap(map[string]string{
		envVarAPIKey:    "secret",
		envVarLogFormat: "text",
	}), []string{"--mode", "prod", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("explicit log settings = %q/%v, want text/warn", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:      "0.0.0.0:1",
		envVarShutdownTimeout: "3s",
		envVarBasePort:        "20000",
		envVarMaxProxies:      "4",
		envVarAPIKey:          "env",
	}), []string{
		"--listen-addr", "127.0.0.1:9000",
		"--rtp-base-port", "30000",
		"--max-proxies", "8",
		"--api-key", "flag",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout=%v, want 3s", cfg.ShutdownTimeout)
	}
	if cfg.BasePort != 30000 {
		t.Fatalf("BasePort=%d, want 30000", cfg.BasePort)
	}
	if cfg.MaxProxies != 8 {
		t.Fatalf("MaxProxies=%d, want 8", cfg.MaxProxies)
	}
	if cfg.APIKey != "flag" {
		t.Fatalf("APIKey=%q, want flag", cfg.APIKey)
	}
}

func TestAuthMode(t *testing.T) {
	if _, err := load(lookupMap(nil), nil); err == nil || !strings.Contains(err.Error(), envVarAPIKey) {
		t.Fatalf("expected missing API key error, got %v", err)
	}

	cfg, err := load(lookupMap(map[string]string{envVarAuthMode: "none"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("AuthMode=%q, want none", cfg.AuthMode)
	}

	if _, err := load(lookupMap(map[string]string{envVarAuthMode: "jwt"}), nil); err == nil {
		t.Fatalf("expected error for unsupported auth mode")
	}
}

func TestPeerPolicy(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAuthMode:       "none",
		envVarMode:           "prod",
		envVarAllowLoopback:  "true",
		envVarAllowPeerCIDRs: "192.168.1.0/24, 10.1.2.3",
		envVarDenyPeerCIDRs:  "192.168.1.128/25",
		envVarAllowPeerPorts: "5000-5999",
		envVarDenyPeerPorts:  "5353",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := &policy.PeerPolicy{
		AllowLoopback: true,
		AllowCIDRs: []netip.Prefix{
			netip.MustParsePrefix("192.168.1.0/24"),
			netip.MustParsePrefix("10.1.2.3/32"),
		},
		DenyCIDRs:  []netip.Prefix{netip.MustParsePrefix("192.168.1.128/25")},
		AllowPorts: []policy.PortRange{{Start: 5000, End: 5999}},
		DenyPorts:  []policy.PortRange{{Start: 5353, End: 5353}},
	}
	got := cfg.PeerPolicy()
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Fatalf("PeerPolicy mismatch (-want +got):\n%s", diff)
	}
}

func TestPeerPolicyPresetFlag(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarAuthMode: "none"}), []string{"--peer-policy-preset", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PeerAllowLoopback {
		t.Fatalf("prod preset should deny loopback even in dev mode")
	}

	cfg, err = load(lookupMap(map[string]string{envVarAuthMode: "none"}), []string{"--peer-policy-preset", "prod", "--peer-allow-loopback"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.PeerAllowLoopback {
		t.Fatalf("--peer-allow-loopback should override the preset")
	}
}

func TestBindIPs(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAuthMode: "none",
		envVarBindIPv4: "192.0.2.10",
		envVarBindIPv6: "2001:db8::1",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindIPv4.String() != "192.0.2.10" || cfg.BindIPv6.String() != "2001:db8::1" {
		t.Fatalf("bind IPs = %v / %v", cfg.BindIPv4, cfg.BindIPv6)
	}

	if _, err := load(lookupMap(map[string]string{envVarAuthMode: "none", envVarBindIPv4: "2001:db8::1"}), nil); err == nil {
		t.Fatalf("expected error for IPv6 address in IPv4 bind")
	}
	if _, err := load(lookupMap(map[string]string{envVarAuthMode: "none", envVarBindIPv6: "192.0.2.1"}), nil); err == nil {
		t.Fatalf("expected error for IPv4 address in IPv6 bind")
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAuthMode:       "none",
		envVarAllowedOrigins: "https://Example.com:443, http://localhost:5173/,*",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://example.com", "http://localhost:5173", "*"}
	if diff := cmp.Diff(want, cfg.AllowedOrigins); diff != "" {
		t.Fatalf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}

	if _, err := load(lookupMap(map[string]string{envVarAuthMode: "none", envVarAllowedOrigins: "example.com"}), nil); err == nil {
		t.Fatalf("expected error for origin without scheme")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "bad mode", env: map[string]string{envVarMode: "staging"}},
		{name: "bad log format", args: []string{"--log-format", "xml"}},
		{name: "bad log level", args: []string{"--log-level", "trace"}},
		{name: "bad shutdown", env: map[string]string{envVarShutdownTimeout: "soon"}},
		{name: "zero shutdown", args: []string{"--shutdown-timeout", "0s"}},
		{name: "empty listen", args: []string{"--listen-addr", ""}},
		{name: "base port zero", args: []string{"--rtp-base-port", "0"}},
		{name: "base port too high", args: []string{"--rtp-base-port", "65534"}},
		{name: "base port not int", env: map[string]string{envVarBasePort: "ten"}},
		{name: "read buffer", args: []string{"--udp-read-buffer-bytes", "0"}},
		{name: "negative max proxies", args: []string{"--max-proxies", "-1"}},
		{name: "bad loopback bool", env: map[string]string{envVarAllowLoopback: "maybe"}},
		{name: "bad cidr", env: map[string]string{envVarAllowPeerCIDRs: "10.0.0.0/33"}},
		{name: "bad port range", env: map[string]string{envVarDenyPeerPorts: "9-1"}},
		{name: "bad preset", args: []string{"--peer-policy-preset", "lab"}},
		{name: "event buffer", args: []string{"--event-subscriber-buffer", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := map[string]string{envVarAuthMode: "none"}
			for k, v := range tc.env {
				env[k] = v
			}
			if _, err := load(lookupMap(env), tc.args); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
