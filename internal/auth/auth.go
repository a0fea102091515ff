package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/config"
)

type Verifier interface {
	Verify(credential string) error
}

// allowAll is used for AUTH_MODE=none.
type allowAll struct{}

func (allowAll) Verify(string) error { return nil }

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return allowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromRequest extracts the API key from, in order, an
// "Authorization: Bearer" header, the X-API-Key header, or the apiKey query
// parameter. Browsers cannot set headers on WebSocket upgrades, hence the
// query fallback.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k, nil
	}
	if k := r.URL.Query().Get("apiKey"); k != "" {
		return k, nil
	}
	return "", ErrMissingCredentials
}
