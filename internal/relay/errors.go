package relay

import "errors"

var (
	// ErrUnsupportedAddressFamily is returned by the local port accessors when
	// the socket is not bound to an IP endpoint.
	ErrUnsupportedAddressFamily = errors.New("unsupported address family")
	ErrProxyDestroyed           = errors.New("proxy destroyed")
	ErrSetupStarted             = errors.New("proxy setup already started")
	ErrTooManyProxies           = errors.New("too many proxies")
	ErrProxyNotFound            = errors.New("proxy not found")
	ErrInvalidPayloadType       = errors.New("payload type out of range")
)
