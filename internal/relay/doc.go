// Package relay runs RTP/RTCP proxies that forward a camera stream to a single
// peer while presenting one stable SSRC and payload type.
//
// Each Proxy owns three UDP sockets: an adjacent incoming RTP/RTCP pair and a
// single outgoing socket that also receives the peer's RTCP replies.
package relay
