package relay

import (
	"net"
	"time"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/portalloc"
)

// Config holds the process-wide knobs shared by every proxy.
type Config struct {
	// Net binds sockets. Defaults to the host network stack.
	Net portalloc.Network

	// BindIPv4 and BindIPv6 are the local addresses proxies bind to. nil binds
	// the wildcard address of the family.
	BindIPv4 net.IP
	BindIPv6 net.IP

	// BasePort is the first candidate port and the wrap target.
	BasePort uint16

	UDPReadBufferBytes int
	// InboundQueueLen bounds datagrams waiting for the dispatch goroutine.
	InboundQueueLen int

	// MaxProxies limits concurrently registered proxies. 0 means unlimited.
	MaxProxies int

	// Policy is checked against peer and server addresses. nil allows all.
	Policy *policy.PeerPolicy
	Events EventSink

	WriteErrorLogBurst    int
	WriteErrorLogInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		BasePort:              portalloc.DefaultBasePort,
		UDPReadBufferBytes:    65535,
		InboundQueueLen:       256,
		WriteErrorLogBurst:    5,
		WriteErrorLogInterval: 10 * time.Second,
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Net == nil {
		c.Net = hostNet()
	}
	if c.BasePort == 0 {
		c.BasePort = d.BasePort
	}
	if c.UDPReadBufferBytes <= 0 {
		c.UDPReadBufferBytes = d.UDPReadBufferBytes
	}
	if c.InboundQueueLen <= 0 {
		c.InboundQueueLen = d.InboundQueueLen
	}
	if c.MaxProxies < 0 {
		c.MaxProxies = 0
	}
	if c.WriteErrorLogBurst <= 0 {
		c.WriteErrorLogBurst = d.WriteErrorLogBurst
	}
	if c.WriteErrorLogInterval <= 0 {
		c.WriteErrorLogInterval = d.WriteErrorLogInterval
	}
	if c.Events == nil {
		c.Events = discardEvents{}
	}
	return c
}
