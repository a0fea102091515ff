package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/policy"
)

const (
	envVarListenAddr      = "AERO_HAP_RTP_RELAY_LISTEN_ADDR"
	envVarLogFormat       = "AERO_HAP_RTP_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_HAP_RTP_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_HAP_RTP_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_HAP_RTP_RELAY_MODE"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Control API auth.
	envVarAuthMode = "AUTH_MODE"
	envVarAPIKey   = "API_KEY"

	// Relay sockets.
	envVarBindIPv4           = "RTP_BIND_IPV4"
	envVarBindIPv6           = "RTP_BIND_IPV6"
	envVarBasePort           = "RTP_BASE_PORT"
	envVarUDPReadBufferBytes = "UDP_READ_BUFFER_BYTES"
	envVarMaxProxies         = "MAX_PROXIES"

	// Peer destination policy.
	envVarPeerPolicyPreset = "PEER_POLICY_PRESET"
	envVarAllowLoopback    = "PEER_ALLOW_LOOPBACK"
	envVarAllowPeerCIDRs   = "ALLOW_PEER_CIDRS"
	envVarDenyPeerCIDRs    = "DENY_PEER_CIDRS"
	envVarAllowPeerPorts   = "ALLOW_PEER_PORTS"
	envVarDenyPeerPorts    = "DENY_PEER_PORTS"

	envVarEventBufferSize = "EVENT_SUBSCRIBER_BUFFER"

	DefaultListenAddr         = "127.0.0.1:8080"
	DefaultShutdown           = 15 * time.Second
	DefaultMode               = ModeDev
	DefaultAuthMode           = AuthModeAPIKey
	DefaultBasePort           = 10000
	DefaultUDPReadBufferBytes = 65535
	DefaultEventBufferSize    = 64
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode AuthMode
	APIKey   string

	// BindIPv4 / BindIPv6 are the local addresses proxy sockets bind to. nil
	// means the wildcard address.
	BindIPv4           net.IP
	BindIPv6           net.IP
	BasePort           uint16
	UDPReadBufferBytes int
	// MaxProxies <= 0 means unlimited.
	MaxProxies int

	PeerAllowLoopback bool
	AllowPeerCIDRs    []netip.Prefix
	DenyPeerCIDRs     []netip.Prefix
	AllowPeerPorts    []policy.PortRange
	DenyPeerPorts     []policy.PortRange

	// EventBufferSize is the per-subscriber queue length of the event stream.
	EventBufferSize int
}

// PeerPolicy builds the destination policy applied to proxy peers.
func (c Config) PeerPolicy() *policy.PeerPolicy {
	return &policy.PeerPolicy{
		AllowLoopback: c.PeerAllowLoopback,
		AllowCIDRs:    c.AllowPeerCIDRs,
		DenyCIDRs:     c.DenyPeerCIDRs,
		AllowPorts:    c.AllowPeerPorts,
		DenyPorts:     c.DenyPeerPorts,
	}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	envPreset, envPresetOK := lookup(envVarPeerPolicyPreset)
	envPresetSet := envPresetOK && strings.TrimSpace(envPreset) != ""

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeDefault := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	bindIPv4Str := envOrDefault(lookup, envVarBindIPv4, "")
	bindIPv6Str := envOrDefault(lookup, envVarBindIPv6, "")
	allowCIDRsStr := envOrDefault(lookup, envVarAllowPeerCIDRs, "")
	denyCIDRsStr := envOrDefault(lookup, envVarDenyPeerCIDRs, "")
	allowPortsStr := envOrDefault(lookup, envVarAllowPeerPorts, "")
	denyPortsStr := envOrDefault(lookup, envVarDenyPeerPorts, "")

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	basePort, err := envIntOrDefault(lookup, envVarBasePort, DefaultBasePort)
	if err != nil {
		return Config{}, err
	}
	udpReadBufferBytes, err := envIntOrDefault(lookup, envVarUDPReadBufferBytes, DefaultUDPReadBufferBytes)
	if err != nil {
		return Config{}, err
	}
	maxProxies, err := envIntOrDefault(lookup, envVarMaxProxies, 0)
	if err != nil {
		return Config{}, err
	}
	eventBufferSize, err := envIntOrDefault(lookup, envVarEventBufferSize, DefaultEventBufferSize)
	if err != nil {
		return Config{}, err
	}

	var allowLoopbackEnv *bool
	if raw, ok := lookup(envVarAllowLoopback); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarAllowLoopback, raw, err)
		}
		allowLoopbackEnv = &v
	}

	fs := flag.NewFlagSet("aero-hap-rtp-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr       string
		logFormatStr  string
		logLevelStr   string
		authModeStr   string
		presetStr     string
		allowLoopback bool
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of browser origins allowed to open the event stream (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Control API auth mode: none or api_key (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key for auth-mode=api_key (env "+envVarAPIKey+")")

	fs.StringVar(&bindIPv4Str, "rtp-bind-ipv4", bindIPv4Str, "Local IPv4 address for proxy sockets (empty = all interfaces; env "+envVarBindIPv4+")")
	fs.StringVar(&bindIPv6Str, "rtp-bind-ipv6", bindIPv6Str, "Local IPv6 address for proxy sockets (empty = all interfaces; env "+envVarBindIPv6+")")
	fs.IntVar(&basePort, "rtp-base-port", basePort, "First UDP port tried for proxy sockets; allocation wraps back here (env "+envVarBasePort+")")
	fs.IntVar(&udpReadBufferBytes, "udp-read-buffer-bytes", udpReadBufferBytes, "Per-socket datagram read buffer in bytes (env "+envVarUDPReadBufferBytes+")")
	fs.IntVar(&maxProxies, "max-proxies", maxProxies, "Maximum concurrent proxies (0 = unlimited; env "+envVarMaxProxies+")")

	fs.StringVar(&presetStr, "peer-policy-preset", strings.TrimSpace(envPreset), "Peer policy preset: dev or prod (default: same as --mode; env "+envVarPeerPolicyPreset+")")
	fs.BoolVar(&allowLoopback, "peer-allow-loopback", false, "Allow loopback peers (default: true in the dev preset; env "+envVarAllowLoopback+")")
	fs.StringVar(&allowCIDRsStr, "allow-peer-cidrs", allowCIDRsStr, "Comma-separated CIDRs peers must fall in (env "+envVarAllowPeerCIDRs+")")
	fs.StringVar(&denyCIDRsStr, "deny-peer-cidrs", denyCIDRsStr, "Comma-separated CIDRs peers must not fall in (env "+envVarDenyPeerCIDRs+")")
	fs.StringVar(&allowPortsStr, "allow-peer-ports", allowPortsStr, "Comma-separated peer ports or ranges to allow (env "+envVarAllowPeerPorts+")")
	fs.StringVar(&denyPortsStr, "deny-peer-ports", denyPortsStr, "Comma-separated peer ports or ranges to deny (env "+envVarDenyPeerPorts+")")

	fs.IntVar(&eventBufferSize, "event-subscriber-buffer", eventBufferSize, "Events queued per event stream subscriber before dropping (env "+envVarEventBufferSize+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if !envPresetSet && !setFlags["peer-policy-preset"] {
		presetStr = string(mode)
	}
	preset, err := parseMode(presetStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--peer-policy-preset: %w", envVarPeerPolicyPreset, err)
	}
	peerAllowLoopback := preset == ModeDev
	if allowLoopbackEnv != nil {
		peerAllowLoopback = *allowLoopbackEnv
	}
	if setFlags["peer-allow-loopback"] {
		peerAllowLoopback = allowLoopback
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	bindIPv4, err := parseBindIP(bindIPv4Str, true)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--rtp-bind-ipv4: %w", envVarBindIPv4, err)
	}
	bindIPv6, err := parseBindIP(bindIPv6Str, false)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--rtp-bind-ipv6: %w", envVarBindIPv6, err)
	}

	allowCIDRs, err := policy.ParseCIDRList(allowCIDRsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allow-peer-cidrs: %w", envVarAllowPeerCIDRs, err)
	}
	denyCIDRs, err := policy.ParseCIDRList(denyCIDRsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--deny-peer-cidrs: %w", envVarDenyPeerCIDRs, err)
	}
	allowPorts, err := policy.ParsePortRangeList(allowPortsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allow-peer-ports: %w", envVarAllowPeerPorts, err)
	}
	denyPorts, err := policy.ParsePortRangeList(denyPortsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--deny-peer-ports: %w", envVarDenyPeerPorts, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s/--api-key is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	// The pair allocator needs base and base+1 below 65535.
	if basePort < 1 || basePort > 65533 {
		return Config{}, fmt.Errorf("%s/--rtp-base-port must be in [1, 65533]; got %d", envVarBasePort, basePort)
	}
	if udpReadBufferBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--udp-read-buffer-bytes must be > 0", envVarUDPReadBufferBytes)
	}
	if maxProxies < 0 {
		return Config{}, fmt.Errorf("%s/--max-proxies must be >= 0", envVarMaxProxies)
	}
	if eventBufferSize <= 0 {
		return Config{}, fmt.Errorf("%s/--event-subscriber-buffer must be > 0", envVarEventBufferSize)
	}

	return Config{
		ListenAddr:         listenAddr,
		AllowedOrigins:     allowedOrigins,
		LogFormat:          logFormat,
		LogLevel:           level,
		ShutdownTimeout:    shutdownTimeout,
		Mode:               mode,
		AuthMode:           authMode,
		APIKey:             apiKey,
		BindIPv4:           bindIPv4,
		BindIPv6:           bindIPv6,
		BasePort:           uint16(basePort),
		UDPReadBufferBytes: udpReadBufferBytes,
		MaxProxies:         maxProxies,
		PeerAllowLoopback:  peerAllowLoopback,
		AllowPeerCIDRs:     allowCIDRs,
		DenyPeerCIDRs:      denyCIDRs,
		AllowPeerPorts:     allowPorts,
		DenyPeerPorts:      denyPorts,
		EventBufferSize:    eventBufferSize,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

func parseBindIP(raw string, v4 bool) (net.IP, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IP address", raw)
	}
	if v4 && ip.To4() == nil {
		return nil, fmt.Errorf("%q is not an IPv4 address", raw)
	}
	if !v4 && ip.To4() != nil {
		return nil, fmt.Errorf("%q is not an IPv6 address", raw)
	}
	return ip, nil
}

// parseAllowedOrigins accepts "*" or full origins (scheme://host[:port]).
// Entries are lowercased; trailing slashes are dropped.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
