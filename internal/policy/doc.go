// Package policy decides which peer addresses a proxy may forward media to.
//
// Proxies are created through the control API with a caller-supplied peer
// address, so the relay checks that address before binding any sockets.
package policy
