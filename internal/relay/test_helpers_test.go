package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3"
)

var loopback = net.IPv4(127, 0, 0, 1)

// udpPeer is a loopback socket standing in for the remote end of a proxy.
type udpPeer struct {
	conn *net.UDPConn
}

func newUDPPeer(t *testing.T) *udpPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &udpPeer{conn: conn}
}

func (u *udpPeer) port() uint16 { return uint16(u.conn.LocalAddr().(*net.UDPAddr).Port) }

func (u *udpPeer) sendTo(t *testing.T, port uint16, b []byte) {
	t.Helper()
	if _, err := u.conn.WriteToUDP(b, &net.UDPAddr{IP: loopback, Port: int(port)}); err != nil {
		t.Fatalf("write to %d: %v", port, err)
	}
}

func (u *udpPeer) recv(t *testing.T) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	_ = u.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	return buf[:n], from
}

func (u *udpPeer) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	buf := make([]byte, 2048)
	_ = u.conn.SetReadDeadline(time.Now().Add(d))
	if n, _, err := u.conn.ReadFromUDP(buf); err == nil {
		t.Fatalf("unexpected datagram of %d bytes", n)
	}
}

type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 64)}
}

func (r *eventRecorder) Publish(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *eventRecorder) next(t *testing.T, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func loopbackConfig(events EventSink) Config {
	return Config{
		BindIPv4: loopback,
		Events:   events,
	}
}

func setupProxy(t *testing.T, pc ProxyConfig, cfg Config) *Proxy {
	t.Helper()
	p := NewProxy(pc, cfg, nil, nil)
	t.Cleanup(p.Destroy)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return p
}

func mustPort(t *testing.T, get func() (uint16, error)) uint16 {
	t.Helper()
	port, err := get()
	if err != nil {
		t.Fatalf("local port: %v", err)
	}
	return port
}

type fakeWrite struct {
	data []byte
	dst  string
}

// fakeConn is a socket that never receives and records every write.
type fakeConn struct {
	transport.UDPConn

	local *net.UDPAddr

	mu     sync.Mutex
	writes []fakeWrite

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *fakeConn) LocalAddr() net.Addr { return c.local }

func (c *fakeConn) ReadFrom([]byte) (int, net.Addr, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, fakeWrite{data: append([]byte(nil), b...), dst: addr.String()})
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) recorded() []fakeWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeWrite(nil), c.writes...)
}

var errPortBusy = errors.New("address already in use")

// fakeNet hands out fakeConns. A port fails to bind while an open fakeConn
// holds it or when busy reports it.
type fakeNet struct {
	busy func(port int) bool

	mu    sync.Mutex
	conns []*fakeConn
}

func (n *fakeNet) ListenUDP(_ string, laddr *net.UDPAddr) (transport.UDPConn, error) {
	if n.busy != nil && n.busy(laddr.Port) {
		return nil, errPortBusy
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		if c.local.Port == laddr.Port && !c.isClosed() {
			return nil, errPortBusy
		}
	}
	c := &fakeConn{
		local:  &net.UDPAddr{IP: loopback, Port: laddr.Port},
		closed: make(chan struct{}),
	}
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *fakeNet) all() []*fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fakeConn(nil), n.conns...)
}

// connOnPort returns the most recent socket bound to port.
func (n *fakeNet) connOnPort(t *testing.T, port uint16) *fakeConn {
	t.Helper()
	conns := n.all()
	for i := len(conns) - 1; i >= 0; i-- {
		if conns[i].local.Port == int(port) {
			return conns[i]
		}
	}
	t.Fatalf("no socket bound on port %d", port)
	return nil
}
