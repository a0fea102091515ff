package rtpproto

import (
	"encoding/binary"

	"github.com/pion/rtcp"
)

const (
	// rtcpHeaderLen covers the V/P/count byte, packet type and length field.
	rtcpHeaderLen = 4

	senderReportMinLen   = 8
	receiverReportMinLen = 12

	// Offset of the packet sender's SSRC in SR and RR sub-packets.
	reportSenderSSRCOffset = 4
	// Offset of the first report block's SSRC in an RR sub-packet.
	reportBlockSSRCOffset = 8
)

// Transform is applied to every complete sub-packet of a compound RTCP
// datagram. The sub-packet slice aliases the original datagram; a transform may
// mutate it in place and return it, return a different slice, or return an
// empty slice to drop the sub-packet.
type Transform func(packetType rtcp.PacketType, sub []byte) []byte

// SubPacket is one self-describing RTCP packet inside a compound datagram.
type SubPacket struct {
	Type rtcp.PacketType
	Data []byte
}

// SplitCompound walks buf and returns its complete sub-packets in order.
//
// Decoding stops at the first position with fewer than 4 bytes left or whose
// declared length overruns buf; the remaining bytes are discarded. The
// returned slices alias buf.
func SplitCompound(buf []byte) []SubPacket {
	var subs []SubPacket
	offset := 0
	for offset+rtcpHeaderLen <= len(buf) {
		words := int(binary.BigEndian.Uint16(buf[offset+2:]))
		end := offset + rtcpHeaderLen + words*4
		if end > len(buf) {
			break
		}
		subs = append(subs, SubPacket{
			Type: rtcp.PacketType(buf[offset+1]),
			Data: buf[offset:end:end],
		})
		offset = end
	}
	return subs
}

// ProcessCompound decodes buf, runs transform over every sub-packet and
// concatenates the kept results in their original order.
//
// The boolean result is false when no sub-packet was kept; callers must then
// forward nothing at all.
func ProcessCompound(buf []byte, transform Transform) ([]byte, bool) {
	subs := SplitCompound(buf)
	if len(subs) == 0 {
		return nil, false
	}

	out := make([]byte, 0, len(buf))
	kept := 0
	for _, sub := range subs {
		b := sub.Data
		if transform != nil {
			b = transform(sub.Type, b)
		}
		if len(b) == 0 {
			continue
		}
		out = append(out, b...)
		kept++
	}
	if kept == 0 {
		return nil, false
	}
	return out, true
}

// RewriteSenderReports returns the forward-path transform: every Sender Report
// of at least 8 bytes has its sender SSRC captured into learned (if empty) and
// then replaced with outgoingSSRC. onLearn, when non-nil, is called with the
// value the first time learned is populated.
func RewriteSenderReports(outgoingSSRC uint32, learned *Optional[uint32], onLearn func(uint32)) Transform {
	return func(pt rtcp.PacketType, sub []byte) []byte {
		if pt != rtcp.TypeSenderReport || len(sub) < senderReportMinLen {
			return sub
		}
		if learned != nil {
			ssrc := binary.BigEndian.Uint32(sub[reportSenderSSRCOffset:])
			if learned.SetIfAbsent(ssrc) && onLearn != nil {
				onLearn(ssrc)
			}
		}
		binary.BigEndian.PutUint32(sub[reportSenderSSRCOffset:], outgoingSSRC)
		return sub
	}
}

// RewriteReceiverReports returns the reply-path transform: every Receiver
// Report of at least 12 bytes has the SSRC of its first report block replaced
// with the learned incoming SSRC. Nothing is rewritten until an SSRC has been
// learned.
func RewriteReceiverReports(learned Optional[uint32]) Transform {
	return func(pt rtcp.PacketType, sub []byte) []byte {
		if pt != rtcp.TypeReceiverReport || len(sub) < receiverReportMinLen {
			return sub
		}
		ssrc, ok := learned.Get()
		if !ok {
			return sub
		}
		binary.BigEndian.PutUint32(sub[reportBlockSSRCOffset:], ssrc)
		return sub
	}
}
