package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/metrics"
)

// Manager owns the set of live proxies.
type Manager struct {
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	proxies map[string]*Proxy
	// pending counts proxies whose Setup is still running; they count against
	// MaxProxies.
	pending int
	closed  bool
}

func NewManager(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg.WithDefaults(),
		metrics: m,
		log:     logger,
		proxies: make(map[string]*Proxy),
	}
}

// CheckDestination applies the peer policy to host:port. Hostnames are
// resolved first; every resolved address must pass.
func (m *Manager) CheckDestination(ctx context.Context, host string, port uint16) error {
	if m.cfg.Policy == nil {
		return nil
	}
	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", net.JoinHostPort(host, strconv.Itoa(int(port))), err)
		}
		addrs = ips
	}
	for _, a := range addrs {
		if err := m.cfg.Policy.Check(netip.AddrPortFrom(a, port)); err != nil {
			return err
		}
	}
	return nil
}

// Create builds a proxy, binds its sockets and registers it. The returned
// proxy has a fresh random ID; any ID in pc is replaced.
func (m *Manager) Create(ctx context.Context, pc ProxyConfig) (*Proxy, error) {
	if pc.PeerAddress != "" {
		if err := m.CheckDestination(ctx, pc.PeerAddress, pc.PeerPort); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrProxyDestroyed
	}
	if m.cfg.MaxProxies > 0 && len(m.proxies)+m.pending >= m.cfg.MaxProxies {
		m.mu.Unlock()
		return nil, ErrTooManyProxies
	}
	m.pending++
	m.mu.Unlock()

	pc.ID = uuid.NewString()
	p := NewProxy(pc, m.cfg, m.metrics, m.log)
	err := p.Setup(ctx)

	m.mu.Lock()
	m.pending--
	if err == nil && m.closed {
		err = ErrProxyDestroyed
	}
	if err == nil {
		m.proxies[p.ID()] = p
	}
	m.mu.Unlock()

	if err != nil {
		p.Destroy()
		return nil, err
	}
	return p, nil
}

func (m *Manager) Get(id string) (*Proxy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	return p, ok
}

// List returns the registered proxies ordered by ID.
func (m *Manager) List() []*Proxy {
	m.mu.Lock()
	out := make([]*Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	p, ok := m.proxies[id]
	delete(m.proxies, id)
	m.mu.Unlock()
	if !ok {
		return ErrProxyNotFound
	}
	p.Destroy()
	return nil
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

// Close destroys every proxy and rejects further Create calls.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	proxies := m.proxies
	m.proxies = make(map[string]*Proxy)
	m.mu.Unlock()

	for _, p := range proxies {
		p.Destroy()
	}
}
