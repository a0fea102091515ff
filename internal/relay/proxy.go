package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/transport/v3"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/portalloc"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/rtpproto"
)

// ProxyConfig is fixed for the lifetime of a Proxy.
type ProxyConfig struct {
	ID string

	// Disabled proxies bind sockets but never read from them.
	Disabled bool
	UseIPv6  bool

	PeerAddress  string
	PeerPort     uint16
	OutgoingSSRC uint32
}

type setupState int

const (
	setupIdle setupState = iota
	setupRunning
	setupDone
)

// Proxy relays one RTP/RTCP stream toward a fixed peer, rewriting SSRC and
// payload type on the way.
type Proxy struct {
	cfg       ProxyConfig
	rcfg      Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	writeErrs *ratelimit.Throttle

	// peer is nil when no usable peer address was configured.
	peer *net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu         sync.Mutex
	state      setupState
	destroyed  bool
	rtpConn    transport.UDPConn
	rtcpConn   transport.UDPConn
	outConn    transport.UDPConn
	incomingPT rtpproto.Optional[uint8]
	outgoingPT rtpproto.Optional[uint8]
	learned    rtpproto.Optional[uint32]
	server     serverEndpoint
}

type serverEndpoint struct {
	address  string
	rtpPort  uint16
	rtcpPort uint16
	// resolved caches the SendBack target; cleared whenever address or rtcpPort
	// changes.
	resolved *net.UDPAddr
}

// NewProxy creates an unbound proxy. Call Setup to bind its sockets.
//
// An empty or unresolvable peer address leaves the peer unset; SendOut then
// drops every packet.
func NewProxy(pc ProxyConfig, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Proxy {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("proxy_id", pc.ID)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		cfg:       pc,
		rcfg:      cfg,
		log:       logger,
		metrics:   m,
		writeErrs: ratelimit.NewThrottle(nil, cfg.WriteErrorLogBurst, cfg.WriteErrorLogInterval),
		ctx:       ctx,
		cancel:    cancel,
	}
	if pc.PeerAddress != "" && pc.PeerPort != 0 {
		addr, err := net.ResolveUDPAddr(p.network(), net.JoinHostPort(pc.PeerAddress, strconv.Itoa(int(pc.PeerPort))))
		if err != nil {
			logger.Warn("peer address does not resolve; outgoing packets will be dropped", "peer", pc.PeerAddress, "err", err)
		} else {
			p.peer = addr
		}
	}
	return p
}

func (p *Proxy) ID() string { return p.cfg.ID }

func (p *Proxy) Config() ProxyConfig { return p.cfg }

// Peer returns the resolved peer address, or nil if none is configured.
func (p *Proxy) Peer() *net.UDPAddr { return p.peer }

func (p *Proxy) network() string {
	if p.cfg.UseIPv6 {
		return "udp6"
	}
	return "udp4"
}

// Setup binds the incoming RTP/RTCP pair followed by the outgoing socket and,
// unless the proxy is disabled, starts relaying. Bind conflicts are retried
// until ctx is done or the proxy is destroyed; in either case every socket
// bound so far is closed.
func (p *Proxy) Setup(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.destroyed:
		p.mu.Unlock()
		return ErrProxyDestroyed
	case p.state != setupIdle:
		p.mu.Unlock()
		return ErrSetupStarted
	}
	p.state = setupRunning
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	bindIP := p.rcfg.BindIPv4
	if p.cfg.UseIPv6 {
		bindIP = p.rcfg.BindIPv6
	}
	alloc, err := portalloc.New(portalloc.Config{
		Net:      p.rcfg.Net,
		Network:  p.network(),
		IP:       bindIP,
		BasePort: p.rcfg.BasePort,
		Logger:   p.log,
		OnConflict: func(uint16, error) {
			p.metrics.BindConflict()
		},
	})
	if err != nil {
		return fmt.Errorf("relay: port allocator: %w", err)
	}

	rtpConn, rtcpConn, err := alloc.Pair(ctx)
	if err != nil {
		return p.setupAborted(err)
	}
	if !p.adopt(func() { p.rtpConn, p.rtcpConn = rtpConn, rtcpConn }, rtpConn, rtcpConn) {
		return ErrProxyDestroyed
	}

	outConn, err := alloc.Socket(ctx)
	if err != nil {
		return p.setupAborted(err)
	}
	if !p.adopt(func() { p.outConn = outConn }, outConn) {
		return ErrProxyDestroyed
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrProxyDestroyed
	}
	p.state = setupDone
	ports := p.portsLocked()
	p.metrics.ProxyUp()
	if !p.cfg.Disabled {
		p.startLocked()
	}
	p.mu.Unlock()

	p.log.Info("proxy bound",
		"rtp_port", ports.RTP,
		"rtcp_port", ports.RTCP,
		"outgoing_port", ports.Outgoing,
		"disabled", p.cfg.Disabled,
	)
	p.publish(Event{Type: EventBound, Ports: &ports})
	return nil
}

// adopt stores freshly bound sockets unless the proxy was destroyed while they
// were being bound, in which case they are closed.
func (p *Proxy) adopt(store func(), conns ...transport.UDPConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		for _, c := range conns {
			_ = c.Close()
		}
		return false
	}
	store()
	return true
}

func (p *Proxy) setupAborted(err error) error {
	if p.ctx.Err() != nil {
		return ErrProxyDestroyed
	}
	p.Destroy()
	return fmt.Errorf("relay: setup aborted: %w", err)
}

// Destroy stops relaying and closes every socket the proxy owns. It is safe to
// call at any time and more than once.
func (p *Proxy) Destroy() {
	p.once.Do(func() {
		p.cancel()

		p.mu.Lock()
		p.destroyed = true
		bound := p.state == setupDone
		conns := []transport.UDPConn{p.rtpConn, p.rtcpConn, p.outConn}
		p.mu.Unlock()

		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
		p.wg.Wait()

		if bound {
			p.metrics.ProxyDown()
		}
		p.log.Info("proxy destroyed")
		p.publish(Event{Type: EventDestroyed})
	})
}

// Done is closed once Destroy has been called.
func (p *Proxy) Done() <-chan struct{} { return p.ctx.Done() }

func (p *Proxy) IncomingRTPPort() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return localPort(p.rtpConn)
}

func (p *Proxy) IncomingRTCPPort() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return localPort(p.rtcpConn)
}

func (p *Proxy) OutgoingPort() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return localPort(p.outConn)
}

func localPort(c transport.UDPConn) (uint16, error) {
	if c == nil {
		return 0, ErrUnsupportedAddressFamily
	}
	addr, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0, ErrUnsupportedAddressFamily
	}
	return uint16(addr.Port), nil
}

func (p *Proxy) portsLocked() Ports {
	var ports Ports
	ports.RTP, _ = localPort(p.rtpConn)
	ports.RTCP, _ = localPort(p.rtcpConn)
	ports.Outgoing, _ = localPort(p.outConn)
	return ports
}

// Ports returns the bound local ports; unbound sockets report 0.
func (p *Proxy) Ports() Ports {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.portsLocked()
}

func (p *Proxy) SetServerAddress(address string) {
	p.mu.Lock()
	p.server.address = address
	p.server.resolved = nil
	p.mu.Unlock()
}

func (p *Proxy) SetServerRTPPort(port uint16) {
	p.mu.Lock()
	p.server.rtpPort = port
	p.mu.Unlock()
}

func (p *Proxy) SetServerRTCPPort(port uint16) {
	p.mu.Lock()
	p.server.rtcpPort = port
	p.server.resolved = nil
	p.mu.Unlock()
}

// ServerEndpoint returns the late-bound server address and ports.
func (p *Proxy) ServerEndpoint() (address string, rtpPort, rtcpPort uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server.address, p.server.rtpPort, p.server.rtcpPort
}

func (p *Proxy) SetIncomingPayloadType(pt uint8) error {
	if pt > rtpproto.MaxPayloadType {
		return fmt.Errorf("%w: %d", ErrInvalidPayloadType, pt)
	}
	p.mu.Lock()
	p.incomingPT = rtpproto.Some(pt)
	p.mu.Unlock()
	return nil
}

func (p *Proxy) SetOutgoingPayloadType(pt uint8) error {
	if pt > rtpproto.MaxPayloadType {
		return fmt.Errorf("%w: %d", ErrInvalidPayloadType, pt)
	}
	p.mu.Lock()
	p.outgoingPT = rtpproto.Some(pt)
	p.mu.Unlock()
	return nil
}

// PayloadTypes returns the configured incoming and outgoing payload types.
func (p *Proxy) PayloadTypes() (incoming, outgoing rtpproto.Optional[uint8]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.incomingPT, p.outgoingPT
}

// IncomingSSRC returns the SSRC learned from the first RTP packet or RTCP
// sender report, if any.
func (p *Proxy) IncomingSSRC() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.learned.Get()
}

// SendOut writes b to the configured peer through the outgoing socket. It is
// a no-op when the peer or the outgoing socket is missing.
func (p *Proxy) SendOut(b []byte) {
	p.sendOut(metrics.PathSendOut, b)
}

func (p *Proxy) sendOut(path string, b []byte) {
	if p.peer == nil {
		p.metrics.Dropped(path, metrics.DropReasonUnconfiguredDestination)
		return
	}
	p.write(path, b, p.peer)
}

// SendBack writes b to the server address and RTCP port through the outgoing
// socket. It is a no-op until both have been set.
func (p *Proxy) SendBack(b []byte) {
	dst := p.serverTarget()
	if dst == nil {
		p.metrics.Dropped(metrics.PathSendBack, metrics.DropReasonUnconfiguredDestination)
		return
	}
	p.write(metrics.PathSendBack, b, dst)
}

func (p *Proxy) serverTarget() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.server
	if s.address == "" || s.rtcpPort == 0 {
		return nil
	}
	if s.resolved == nil {
		addr, err := net.ResolveUDPAddr(p.network(), net.JoinHostPort(s.address, strconv.Itoa(int(s.rtcpPort))))
		if err != nil {
			p.log.Debug("server address does not resolve", "server", s.address, "err", err)
			return nil
		}
		s.resolved = addr
	}
	return s.resolved
}

func (p *Proxy) write(path string, b []byte, dst *net.UDPAddr) {
	p.mu.Lock()
	conn := p.outConn
	p.mu.Unlock()
	if conn == nil {
		p.metrics.Dropped(path, metrics.DropReasonNotBound)
		return
	}
	if _, err := conn.WriteTo(b, dst); err != nil {
		p.metrics.Dropped(path, metrics.DropReasonWriteError)
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if ok, suppressed := p.writeErrs.Allow(); ok {
			p.log.Warn("udp write failed", "path", path, "dst", dst.String(), "err", err, "suppressed", suppressed)
		}
		return
	}
	p.metrics.Forwarded(path)
}

func (p *Proxy) publish(ev Event) {
	ev.ProxyID = p.cfg.ID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	p.rcfg.Events.Publish(ev)
}
