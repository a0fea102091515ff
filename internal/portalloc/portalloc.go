// Package portalloc binds UDP sockets on a scanning port cursor.
//
// Bind conflicts are never surfaced: the allocator advances the cursor and
// tries again, with no attempt limit and no backoff. Only context
// cancellation ends a scan early.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v3"
)

const (
	// DefaultBasePort is the first candidate port and the port the cursor wraps
	// back to.
	DefaultBasePort uint16 = 10000

	maxPort = 65535
)

var errPairOutOfRange = errors.New("portalloc: pair would exceed port 65535")

// Network is the subset of transport.Net needed to bind sockets. Both
// stdnet.Net and vnet.Net satisfy it.
type Network interface {
	ListenUDP(network string, laddr *net.UDPAddr) (transport.UDPConn, error)
}

type Config struct {
	Net Network

	// Network is "udp4" or "udp6".
	Network string
	// IP is the local address to bind. nil binds the wildcard address.
	IP net.IP

	// BasePort is where the cursor wraps to. Defaults to DefaultBasePort.
	BasePort uint16
	// StartPort is the initial cursor. Defaults to BasePort.
	StartPort uint16

	Logger *slog.Logger

	// OnConflict, when set, is called for every failed bind attempt with the
	// candidate port that failed.
	OnConflict func(port uint16, err error)
}

type state int

const (
	stateBinding state = iota
	stateConflict
	stateBound
)

// Allocator hands out sockets from a cursor that only moves forward (modulo
// wrapping). Consecutive calls continue the scan where the previous one left
// off.
//
// An Allocator is not safe for concurrent use.
type Allocator struct {
	cfg  Config
	log  *slog.Logger
	next uint16
}

func New(cfg Config) (*Allocator, error) {
	if cfg.Net == nil {
		return nil, errors.New("portalloc: network is nil")
	}
	switch cfg.Network {
	case "":
		cfg.Network = "udp4"
	case "udp4", "udp6":
	default:
		return nil, fmt.Errorf("portalloc: unsupported network %q", cfg.Network)
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.BasePort >= maxPort {
		return nil, fmt.Errorf("portalloc: base port %d leaves no room for a pair", cfg.BasePort)
	}
	if cfg.StartPort == 0 {
		cfg.StartPort = cfg.BasePort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{cfg: cfg, log: logger, next: cfg.StartPort}, nil
}

// Next returns the port the next bind attempt will use.
func (a *Allocator) Next() uint16 { return a.next }

// Socket binds one socket at the cursor, advancing past ports that fail to
// bind. Port 65535 wraps to the base port.
func (a *Allocator) Socket(ctx context.Context) (transport.UDPConn, error) {
	var (
		conn    transport.UDPConn
		bindErr error
	)
	for st := stateBinding; st != stateBound; {
		switch st {
		case stateBinding:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			conn, bindErr = a.bind(a.next)
			if bindErr != nil {
				st = stateConflict
				continue
			}
			st = stateBound
		case stateConflict:
			a.conflict(a.next, bindErr)
			a.next = a.advance(a.next, maxPort)
			st = stateBinding
		}
	}
	return conn, nil
}

// Pair binds two sockets on adjacent ports N and N+1. If either bind fails
// both sockets are closed and the pair is retried at N+1. Port 65534 wraps to
// the base port.
func (a *Allocator) Pair(ctx context.Context) (transport.UDPConn, transport.UDPConn, error) {
	var (
		first, second transport.UDPConn
		bindErr       error
	)
	for st := stateBinding; st != stateBound; {
		switch st {
		case stateBinding:
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			port := a.next
			if port >= maxPort {
				bindErr = errPairOutOfRange
				st = stateConflict
				continue
			}

			var err1, err2 error
			first, err1 = a.bind(port)
			second, err2 = a.bind(port + 1)
			if err1 != nil || err2 != nil {
				if err1 == nil {
					_ = first.Close()
				}
				if err2 == nil {
					_ = second.Close()
				}
				first, second = nil, nil
				bindErr = errors.Join(err1, err2)
				st = stateConflict
				continue
			}
			st = stateBound
		case stateConflict:
			a.conflict(a.next, bindErr)
			a.next = a.advance(a.next, maxPort-1)
			st = stateBinding
		}
	}
	return first, second, nil
}

func (a *Allocator) bind(port uint16) (transport.UDPConn, error) {
	return a.cfg.Net.ListenUDP(a.cfg.Network, &net.UDPAddr{IP: a.cfg.IP, Port: int(port)})
}

func (a *Allocator) advance(port, limit uint16) uint16 {
	if port >= limit {
		return a.cfg.BasePort
	}
	return port + 1
}

func (a *Allocator) conflict(port uint16, err error) {
	a.log.Debug("udp bind failed; retrying on next port", "port", port, "network", a.cfg.Network, "err", err)
	if a.cfg.OnConflict != nil {
		a.cfg.OnConflict(port, err)
	}
}
