package rtpproto

import "encoding/binary"

const (
	// RTPHeaderLen is the size of the fixed RTP header (RFC 3550 section 5.1).
	RTPHeaderLen = 12

	// MaxPayloadType is the largest value a 7-bit payload type can carry.
	MaxPayloadType = 0x7f

	markerBit = 0x80

	// learnedSSRCOffset is where the first-seen source identifier is captured.
	// It is the timestamp field in RFC 3550 terms; 8 is where the SSRC lives
	// and is what gets overwritten.
	learnedSSRCOffset = 4
	ssrcOffset        = 8
)

// RTPRules describes how RewriteRTP mutates a packet.
type RTPRules struct {
	IncomingPayloadType Optional[uint8]
	OutgoingPayloadType Optional[uint8]
	OutgoingSSRC        uint32
}

// RTPResult reports what RewriteRTP changed.
type RTPResult struct {
	// Passthrough is true when the packet was shorter than a fixed header and
	// left untouched.
	Passthrough bool
	// PayloadTypeRewritten is true when the payload type matched the incoming
	// type and was replaced.
	PayloadTypeRewritten bool
	// Learned is true when this packet populated the learned SSRC.
	Learned bool
}

// RewriteRTP rewrites a single RTP packet in place.
//
// Packets shorter than RTPHeaderLen are left unmodified. Otherwise the payload
// type is swapped when it equals rules.IncomingPayloadType (keeping the marker
// bit), learned is populated from header offset 4 if still empty, and the SSRC
// field is overwritten with rules.OutgoingSSRC.
//
// A matching payload type with no outgoing payload type configured is left as
// is.
func RewriteRTP(pkt []byte, rules RTPRules, learned *Optional[uint32]) RTPResult {
	var res RTPResult
	if len(pkt) < RTPHeaderLen {
		res.Passthrough = true
		return res
	}

	mpt := pkt[1]
	in, inOK := rules.IncomingPayloadType.Get()
	out, outOK := rules.OutgoingPayloadType.Get()
	if inOK && outOK && mpt&MaxPayloadType == in&MaxPayloadType {
		pkt[1] = (mpt & markerBit) | (out & MaxPayloadType)
		res.PayloadTypeRewritten = true
	}

	if learned != nil {
		res.Learned = learned.SetIfAbsent(binary.BigEndian.Uint32(pkt[learnedSSRCOffset:]))
	}

	binary.BigEndian.PutUint32(pkt[ssrcOffset:], rules.OutgoingSSRC)
	return res
}

// PayloadType returns the 7-bit payload type of pkt, or false if pkt is too
// short to carry a fixed header.
func PayloadType(pkt []byte) (uint8, bool) {
	if len(pkt) < RTPHeaderLen {
		return 0, false
	}
	return pkt[1] & MaxPayloadType, true
}
