package relay

import (
	"errors"
	"net"

	"github.com/pion/transport/v3"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/rtpproto"
)

type inboundKind int

const (
	inboundRTP inboundKind = iota
	inboundRTCP
	inboundReply
)

func (k inboundKind) path() string {
	switch k {
	case inboundRTP:
		return metrics.PathRTP
	case inboundRTCP:
		return metrics.PathRTCP
	default:
		return metrics.PathRTCPReply
	}
}

type datagram struct {
	kind inboundKind
	data []byte
}

// startLocked launches one reader per socket and the dispatch goroutine. All
// packet rewriting happens on the dispatch goroutine, so the learned SSRC has a
// single writer.
func (p *Proxy) startLocked() {
	inbound := make(chan datagram, p.rcfg.InboundQueueLen)
	readers := []struct {
		kind inboundKind
		conn transport.UDPConn
	}{
		{inboundRTP, p.rtpConn},
		{inboundRTCP, p.rtcpConn},
		{inboundReply, p.outConn},
	}

	p.wg.Add(len(readers) + 1)
	for _, r := range readers {
		go func(kind inboundKind, conn transport.UDPConn) {
			defer p.wg.Done()
			p.readLoop(kind, conn, inbound)
		}(r.kind, r.conn)
	}
	go func() {
		defer p.wg.Done()
		p.dispatchLoop(inbound)
	}()
}

func (p *Proxy) readLoop(kind inboundKind, conn transport.UDPConn, out chan<- datagram) {
	buf := make([]byte, p.rcfg.UDPReadBufferBytes)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || p.ctx.Err() != nil {
				return
			}
			// Transient read error (e.g. ICMP port unreachable); keep going.
			continue
		}
		p.metrics.Received(kind.path())

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- datagram{kind: kind, data: data}:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Proxy) dispatchLoop(in <-chan datagram) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case dg := <-in:
			switch dg.kind {
			case inboundRTP:
				p.onRTP(dg.data)
			case inboundRTCP:
				p.onRTCP(dg.data)
			case inboundReply:
				p.onReply(dg.data)
			}
		}
	}
}

func (p *Proxy) onRTP(pkt []byte) {
	p.mu.Lock()
	rules := rtpproto.RTPRules{
		IncomingPayloadType: p.incomingPT,
		OutgoingPayloadType: p.outgoingPT,
		OutgoingSSRC:        p.cfg.OutgoingSSRC,
	}
	res := rtpproto.RewriteRTP(pkt, rules, &p.learned)
	learned, _ := p.learned.Get()
	p.mu.Unlock()

	if res.PayloadTypeRewritten {
		p.metrics.PayloadTypeRewritten()
	}
	if res.Learned {
		p.onLearned(metrics.PathRTP, learned)
	}
	p.sendOut(metrics.PathRTP, pkt)
}

func (p *Proxy) onRTCP(buf []byte) {
	var learnedNow bool
	var ssrc uint32

	p.mu.Lock()
	transform := rtpproto.RewriteSenderReports(p.cfg.OutgoingSSRC, &p.learned, func(v uint32) {
		learnedNow = true
		ssrc = v
	})
	out, ok := rtpproto.ProcessCompound(buf, transform)
	p.mu.Unlock()

	if learnedNow {
		p.onLearned(metrics.PathRTCP, ssrc)
	}
	if !ok {
		p.metrics.Dropped(metrics.PathRTCP, metrics.DropReasonEmptyCompound)
		return
	}
	p.sendOut(metrics.PathRTCP, out)
}

// onReply handles RTCP arriving from the peer on the outgoing socket. Replies
// are relayed through the same peer target as the forward path.
func (p *Proxy) onReply(buf []byte) {
	p.mu.Lock()
	learned := p.learned
	p.mu.Unlock()

	out, ok := rtpproto.ProcessCompound(buf, rtpproto.RewriteReceiverReports(learned))
	if !ok {
		p.metrics.Dropped(metrics.PathRTCPReply, metrics.DropReasonEmptyCompound)
		return
	}
	p.sendOut(metrics.PathRTCPReply, out)
}

func (p *Proxy) onLearned(source string, ssrc uint32) {
	p.metrics.SSRCLearned(source)
	p.log.Debug("incoming ssrc learned", "ssrc", ssrc, "source", source)
	p.publish(Event{Type: EventSSRCLearned, SSRC: &ssrc, Source: source})
}
