package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrForbidden means the credential is valid but does not cover the
	// requested session, participant or role.
	ErrForbidden = errors.New("credentials do not cover this request")
)

// RoleService marks tokens minted for the application backend. Only service
// principals (or api_key / none mode callers) may create sessions.
const RoleService = "service"

// Principal is who a credential speaks for. Empty fields are unrestricted:
// api_key and none mode principals are trusted for any session.
type Principal struct {
	Subject   string
	Role      string
	SessionID string
}

// Trusted reports whether the principal carries no identity restriction.
func (p Principal) Trusted() bool {
	return p.Subject == "" && p.Role == "" && p.SessionID == ""
}

// Covers checks that p may act as participantID/role in sessionID.
func (p Principal) Covers(sessionID, participantID, role string) error {
	if p.Trusted() || p.Role == RoleService {
		return nil
	}
	if p.Subject != participantID || p.Role != role {
		return ErrForbidden
	}
	if p.SessionID != "" && p.SessionID != sessionID {
		return ErrForbidden
	}
	return nil
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return NoneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// NoneVerifier accepts everything; it is the dev-mode default.
type NoneVerifier struct{}

func (NoneVerifier) Verify(string) (Principal, error) { return Principal{}, nil }

// CredentialFromQuery extracts the credential a browser put on a WebSocket URL.
// Browsers cannot set headers on WebSocket upgrades, so this is the only
// channel for participant connections.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromRequest reads "Authorization: Bearer <credential>", falling
// back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if authz := r.Header.Get("Authorization"); authz != "" {
		scheme, cred, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(cred) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(cred), nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

// IsUnauthorized reports whether err should be answered with 401.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}
