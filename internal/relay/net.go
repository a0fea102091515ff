package relay

import (
	"net"
	"sync"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

var (
	hostNetOnce sync.Once
	hostNetVal  transport.Net
)

// hostNet returns the process-wide host network stack, falling back to plain
// net.ListenUDP if stdnet cannot enumerate interfaces.
func hostNet() transport.Net {
	hostNetOnce.Do(func() {
		n, err := stdnet.NewNet()
		if err != nil {
			hostNetVal = nil
			return
		}
		hostNetVal = n
	})
	if hostNetVal == nil {
		return listenNet{}
	}
	return hostNetVal
}

// listenNet implements only ListenUDP; the relay never needs the rest of
// transport.Net.
type listenNet struct {
	transport.Net
}

func (listenNet) ListenUDP(network string, laddr *net.UDPAddr) (transport.UDPConn, error) {
	return net.ListenUDP(network, laddr)
}
