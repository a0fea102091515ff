// Package rtpproto contains the byte-level RTP and RTCP rewriting used by the
// relay.
//
// All functions operate on raw datagrams and mutate them in place. Nothing in
// this package returns an error for malformed input: undersized RTP packets
// pass through unmodified and truncated RTCP compound packets are decoded up to
// the last complete sub-packet.
package rtpproto
