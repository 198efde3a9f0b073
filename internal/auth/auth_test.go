package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
)

func TestCredentialFromQuery(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		cred, err := CredentialFromQuery(config.AuthModeNone, url.Values{"apiKey": {"x"}, "token": {"y"}})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "" {
			t.Fatalf("cred=%q, want empty", cred)
		}
	})

	t.Run("api_key prefers apiKey but accepts token", func(t *testing.T) {
		cred, err := CredentialFromQuery(config.AuthModeAPIKey, url.Values{"apiKey": {"a"}, "token": {"t"}})
		if err != nil || cred != "a" {
			t.Fatalf("cred=%q err=%v, want %q", cred, err, "a")
		}
		cred, err = CredentialFromQuery(config.AuthModeAPIKey, url.Values{"token": {"t"}})
		if err != nil || cred != "t" {
			t.Fatalf("cred=%q err=%v, want %q", cred, err, "t")
		}
	})

	t.Run("jwt prefers token but accepts apiKey", func(t *testing.T) {
		cred, err := CredentialFromQuery(config.AuthModeJWT, url.Values{"apiKey": {"a"}, "token": {"t"}})
		if err != nil || cred != "t" {
			t.Fatalf("cred=%q err=%v, want %q", cred, err, "t")
		}
		cred, err = CredentialFromQuery(config.AuthModeJWT, url.Values{"apiKey": {"a"}})
		if err != nil || cred != "a" {
			t.Fatalf("cred=%q err=%v, want %q", cred, err, "a")
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := CredentialFromQuery(config.AuthModeAPIKey, url.Values{})
		if !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
		}
		if !IsUnauthorized(err) {
			t.Fatalf("IsUnauthorized(%v)=false", err)
		}
	})
}

func TestCredentialFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions?token=fromquery", nil)
	req.Header.Set("Authorization", "Bearer  fromheader ")
	cred, err := CredentialFromRequest(config.AuthModeJWT, req)
	if err != nil || cred != "fromheader" {
		t.Fatalf("cred=%q err=%v, want header credential", cred, err)
	}

	req.Header.Set("Authorization", "Basic abc")
	if _, err := CredentialFromRequest(config.AuthModeJWT, req); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials for non-bearer scheme", err)
	}

	req.Header.Del("Authorization")
	cred, err = CredentialFromRequest(config.AuthModeJWT, req)
	if err != nil || cred != "fromquery" {
		t.Fatalf("cred=%q err=%v, want query fallback", cred, err)
	}
}

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "k"}
	p, err := v.Verify("k")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !p.Trusted() {
		t.Fatalf("api key principal=%+v, want trusted", p)
	}
	for _, bad := range []string{"", "K", "kk"} {
		if _, err := v.Verify(bad); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(%q) err=%v, want ErrInvalidCredentials", bad, err)
		}
	}
	if _, err := (APIKeyVerifier{}).Verify("k"); err == nil {
		t.Fatalf("expected an empty expected key to reject everything")
	}
}

func TestNewVerifier(t *testing.T) {
	cases := []struct {
		cfg  config.Config
		want any
	}{
		{config.Config{AuthMode: config.AuthModeNone}, NoneVerifier{}},
		{config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"}, APIKeyVerifier{Expected: "k"}},
	}
	for _, tc := range cases {
		v, err := NewVerifier(tc.cfg)
		if err != nil {
			t.Fatalf("NewVerifier(%q): %v", tc.cfg.AuthMode, err)
		}
		if v != tc.want {
			t.Fatalf("NewVerifier(%q)=%#v, want %#v", tc.cfg.AuthMode, v, tc.want)
		}
	}
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "s"})
	if err != nil {
		t.Fatalf("NewVerifier(jwt): %v", err)
	}
	if _, ok := v.(*JWTVerifier); !ok {
		t.Fatalf("NewVerifier(jwt)=%T, want *JWTVerifier", v)
	}
	if _, err := NewVerifier(config.Config{AuthMode: "bogus"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestPrincipalCovers(t *testing.T) {
	participant := Principal{Subject: "usr_1", Role: "client", SessionID: "ses_1"}
	cases := []struct {
		name      string
		p         Principal
		sessionID string
		pid       string
		role      string
		ok        bool
	}{
		{"trusted", Principal{}, "ses_9", "anyone", "provider", true},
		{"service", Principal{Subject: "backend", Role: RoleService}, "ses_9", "usr_1", "client", true},
		{"matching participant", participant, "ses_1", "usr_1", "client", true},
		{"other session", participant, "ses_2", "usr_1", "client", false},
		{"other participant", participant, "ses_1", "usr_2", "client", false},
		{"other role", participant, "ses_1", "usr_1", "provider", false},
		{"unscoped participant", Principal{Subject: "usr_1", Role: "client"}, "ses_7", "usr_1", "client", true},
	}
	for _, tc := range cases {
		err := tc.p.Covers(tc.sessionID, tc.pid, tc.role)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: Covers err=%v, want ok=%v", tc.name, err, tc.ok)
		}
		if err != nil && !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: err=%v, want ErrForbidden", tc.name, err)
		}
	}
}
