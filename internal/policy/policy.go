package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var ErrDenied = errors.New("peer policy: destination denied")

// PeerPolicy controls which RTP peers the relay forwards to.
//
// Evaluation order:
//  1. Port 0, unspecified, multicast and broadcast addresses are always denied
//  2. Port denylist, then port allowlist (if configured)
//  3. Loopback unless AllowLoopback
//  4. CIDR denylist
//  5. CIDR allowlist (if configured), otherwise allow
//
// Private LAN ranges are allowed; camera peers live there.
type PeerPolicy struct {
	AllowLoopback bool

	AllowCIDRs []netip.Prefix
	DenyCIDRs  []netip.Prefix

	AllowPorts []PortRange
	DenyPorts  []PortRange
}

type PortRange struct {
	Start uint16
	End   uint16
}

func (r PortRange) contains(port uint16) bool { return port >= r.Start && port <= r.End }

func NewProductionPeerPolicy() *PeerPolicy {
	return &PeerPolicy{}
}

func NewDevPeerPolicy() *PeerPolicy {
	return &PeerPolicy{AllowLoopback: true}
}

// Check returns nil if addr may receive forwarded packets. Denials wrap
// ErrDenied.
func (p *PeerPolicy) Check(addr netip.AddrPort) error {
	if p == nil {
		return nil
	}
	ip := addr.Addr().Unmap()
	port := addr.Port()

	if port == 0 {
		return fmt.Errorf("%w: port 0", ErrDenied)
	}
	switch {
	case !ip.IsValid(), ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address %s", ErrDenied, ip)
	case ip.IsMulticast():
		return fmt.Errorf("%w: multicast address %s", ErrDenied, ip)
	case ip == limitedBroadcast:
		return fmt.Errorf("%w: broadcast address %s", ErrDenied, ip)
	}

	for _, r := range p.DenyPorts {
		if r.contains(port) {
			return fmt.Errorf("%w: port %d", ErrDenied, port)
		}
	}
	if len(p.AllowPorts) > 0 && !anyPort(p.AllowPorts, port) {
		return fmt.Errorf("%w: port %d not in allowlist", ErrDenied, port)
	}

	if ip.IsLoopback() && !p.AllowLoopback {
		return fmt.Errorf("%w: loopback address %s", ErrDenied, ip)
	}

	for _, pfx := range p.DenyCIDRs {
		if pfx.Contains(ip) {
			return fmt.Errorf("%w: %s matches %s", ErrDenied, ip, pfx)
		}
	}
	if len(p.AllowCIDRs) == 0 {
		return nil
	}
	for _, pfx := range p.AllowCIDRs {
		if pfx.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in allowlist", ErrDenied, ip)
}

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func anyPort(ranges []PortRange, port uint16) bool {
	for _, r := range ranges {
		if r.contains(port) {
			return true
		}
	}
	return false
}

// ParseCIDRList parses a comma separated list of prefixes. A bare address is
// accepted as a single-host prefix.
func ParseCIDRList(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			a, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
			}
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		pfx, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
		}
		out = append(out, pfx.Masked())
	}
	return out, nil
}

// ParsePortRangeList parses entries like "5000" or "10000-20000".
func ParsePortRangeList(v string) ([]PortRange, error) {
	var out []PortRange
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		startStr, endStr, hasRange := strings.Cut(raw, "-")
		start, err := parsePort(strings.TrimSpace(startStr))
		if err != nil {
			return nil, err
		}
		end := start
		if hasRange {
			end, err = parsePort(strings.TrimSpace(endStr))
			if err != nil {
				return nil, err
			}
			if start > end {
				return nil, fmt.Errorf("invalid port range %q: start > end", raw)
			}
		}
		out = append(out, PortRange{Start: start, End: end})
	}
	return out, nil
}

func parsePort(v string) (uint16, error) {
	if v == "" {
		return 0, errors.New("empty port")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", v)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return uint16(n), nil
}
