package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/rtpproto"
)

const maxControlBodyBytes = 64 << 10

type createProxyRequest struct {
	Disabled            bool   `json:"disabled"`
	IPv6                bool   `json:"ipv6"`
	PeerAddress         string `json:"peerAddress"`
	PeerPort            uint16 `json:"peerPort"`
	OutgoingSSRC        uint32 `json:"outgoingSSRC"`
	IncomingPayloadType *int   `json:"incomingPayloadType,omitempty"`
	OutgoingPayloadType *int   `json:"outgoingPayloadType,omitempty"`
}

type setServerRequest struct {
	Address  string `json:"address"`
	RTPPort  uint16 `json:"rtpPort"`
	RTCPPort uint16 `json:"rtcpPort"`
}

type setPayloadTypesRequest struct {
	Incoming *int `json:"incoming,omitempty"`
	Outgoing *int `json:"outgoing,omitempty"`
}

type serverStatus struct {
	Address  string `json:"address,omitempty"`
	RTPPort  uint16 `json:"rtpPort,omitempty"`
	RTCPPort uint16 `json:"rtcpPort,omitempty"`
}

type proxyStatus struct {
	ID                  string       `json:"id"`
	Disabled            bool         `json:"disabled"`
	IPv6                bool         `json:"ipv6"`
	PeerAddress         string       `json:"peerAddress,omitempty"`
	PeerPort            uint16       `json:"peerPort,omitempty"`
	OutgoingSSRC        uint32       `json:"outgoingSSRC"`
	Ports               relay.Ports  `json:"ports"`
	IncomingPayloadType *uint8       `json:"incomingPayloadType,omitempty"`
	OutgoingPayloadType *uint8       `json:"outgoingPayloadType,omitempty"`
	IncomingSSRC        *uint32      `json:"incomingSSRC,omitempty"`
	Server              serverStatus `json:"server"`
}

func statusOf(p *relay.Proxy) proxyStatus {
	pc := p.Config()
	st := proxyStatus{
		ID:           p.ID(),
		Disabled:     pc.Disabled,
		IPv6:         pc.UseIPv6,
		PeerAddress:  pc.PeerAddress,
		PeerPort:     pc.PeerPort,
		OutgoingSSRC: pc.OutgoingSSRC,
		Ports:        p.Ports(),
	}
	in, out := p.PayloadTypes()
	st.IncomingPayloadType = optionalPtr(in)
	st.OutgoingPayloadType = optionalPtr(out)
	if ssrc, ok := p.IncomingSSRC(); ok {
		st.IncomingSSRC = &ssrc
	}
	st.Server.Address, st.Server.RTPPort, st.Server.RTCPPort = p.ServerEndpoint()
	return st
}

func optionalPtr[T any](o rtpproto.Optional[T]) *T {
	v, ok := o.Get()
	if !ok {
		return nil
	}
	return &v
}

func (s *Server) registerControlRoutes() {
	s.mux.HandleFunc("POST /v1/proxies", s.requireAuth(s.handleCreateProxy))
	s.mux.HandleFunc("GET /v1/proxies", s.requireAuth(s.handleListProxies))
	s.mux.HandleFunc("GET /v1/proxies/{id}", s.requireAuth(s.handleGetProxy))
	s.mux.HandleFunc("DELETE /v1/proxies/{id}", s.requireAuth(s.handleDeleteProxy))
	s.mux.HandleFunc("PUT /v1/proxies/{id}/server", s.requireAuth(s.handleSetServer))
	s.mux.HandleFunc("PUT /v1/proxies/{id}/payload-types", s.requireAuth(s.handleSetPayloadTypes))
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Verifier == nil {
			writeJSONError(w, http.StatusInternalServerError, "auth_unconfigured", "invalid auth configuration")
			return
		}
		cred, credErr := auth.CredentialFromRequest(r)
		if err := s.deps.Verifier.Verify(cred); err != nil {
			msg := "invalid credentials"
			if credErr != nil {
				msg = credErr.Error()
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", msg)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var req createProxyRequest
	if err := decodeStrictJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	in, err := payloadType("incomingPayloadType", req.IncomingPayloadType)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	out, err := payloadType("outgoingPayloadType", req.OutgoingPayloadType)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.PeerAddress != "" && req.PeerPort == 0 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "peerPort is required with peerAddress")
		return
	}

	p, err := s.deps.Manager.Create(r.Context(), relay.ProxyConfig{
		Disabled:     req.Disabled,
		UseIPv6:      req.IPv6,
		PeerAddress:  strings.TrimSpace(req.PeerAddress),
		PeerPort:     req.PeerPort,
		OutgoingSSRC: req.OutgoingSSRC,
	})
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	if v, ok := in.Get(); ok {
		_ = p.SetIncomingPayloadType(v)
	}
	if v, ok := out.Get(); ok {
		_ = p.SetOutgoingPayloadType(v)
	}
	WriteJSON(w, http.StatusCreated, statusOf(p))
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies := s.deps.Manager.List()
	out := make([]proxyStatus, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, statusOf(p))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"proxies": out})
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProxy(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, statusOf(p))
}

func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Destroy(r.PathValue("id")); err != nil {
		s.writeRelayError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetServer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProxy(w, r)
	if !ok {
		return
	}
	var req setServerRequest
	if err := decodeStrictJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" || req.RTCPPort == 0 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "address and rtcpPort are required")
		return
	}
	if err := s.deps.Manager.CheckDestination(r.Context(), req.Address, req.RTCPPort); err != nil {
		s.writeRelayError(w, err)
		return
	}
	if req.RTPPort != 0 {
		if err := s.deps.Manager.CheckDestination(r.Context(), req.Address, req.RTPPort); err != nil {
			s.writeRelayError(w, err)
			return
		}
	}

	p.SetServerAddress(req.Address)
	p.SetServerRTPPort(req.RTPPort)
	p.SetServerRTCPPort(req.RTCPPort)
	WriteJSON(w, http.StatusOK, statusOf(p))
}

func (s *Server) handleSetPayloadTypes(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProxy(w, r)
	if !ok {
		return
	}
	var req setPayloadTypesRequest
	if err := decodeStrictJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	in, err := payloadType("incoming", req.Incoming)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	out, err := payloadType("outgoing", req.Outgoing)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if v, ok := in.Get(); ok {
		_ = p.SetIncomingPayloadType(v)
	}
	if v, ok := out.Get(); ok {
		_ = p.SetOutgoingPayloadType(v)
	}
	WriteJSON(w, http.StatusOK, statusOf(p))
}

func (s *Server) lookupProxy(w http.ResponseWriter, r *http.Request) (*relay.Proxy, bool) {
	p, ok := s.deps.Manager.Get(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", relay.ErrProxyNotFound.Error())
		return nil, false
	}
	return p, true
}

func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrProxyNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, policy.ErrDenied):
		writeJSONError(w, http.StatusForbidden, "destination_denied", err.Error())
	case errors.Is(err, relay.ErrTooManyProxies):
		writeJSONError(w, http.StatusTooManyRequests, "too_many_proxies", err.Error())
	case errors.Is(err, relay.ErrUnsupportedAddressFamily):
		writeJSONError(w, http.StatusBadRequest, "unsupported_address_family", err.Error())
	case errors.Is(err, relay.ErrProxyDestroyed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.log.Warn("control request failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func payloadType(field string, v *int) (rtpproto.Optional[uint8], error) {
	if v == nil {
		return rtpproto.Optional[uint8]{}, nil
	}
	if *v < 0 || *v > rtpproto.MaxPayloadType {
		return rtpproto.Optional[uint8]{}, fmt.Errorf("%s must be in [0, %d]; got %d", field, rtpproto.MaxPayloadType, *v)
	}
	return rtpproto.Some(uint8(*v)), nil
}

func decodeStrictJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: unexpected trailing data")
	}
	return nil
}
