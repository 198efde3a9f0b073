package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestVerifier(now time.Time) *JWTVerifier {
	v := NewJWTVerifier("secret")
	v.now = func() time.Time { return now }
	return v
}

func TestJWTVerifier_IssueAndVerify(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := newTestVerifier(now)

	token, err := v.Issue(Principal{Subject: "usr_1", Role: "client", SessionID: "ses_1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p != (Principal{Subject: "usr_1", Role: "client", SessionID: "ses_1"}) {
		t.Fatalf("principal=%+v", p)
	}
}

func TestJWTVerifier_RejectsExpired(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := newTestVerifier(now)
	token, err := v.Issue(Principal{Subject: "usr_1", Role: "client"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = v.Verify(token)
	if !errors.Is(err, ErrInvalidCredentials) || !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("err=%v, want ErrInvalidCredentials wrapping ErrTokenExpired", err)
	}
}

func TestJWTVerifier_RejectsBadSignature(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token, err := newTestVerifier(now).Issue(Principal{Subject: "usr_1", Role: "client"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other := NewJWTVerifier("other-secret")
	other.now = func() time.Time { return now }
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func TestJWTVerifier_RejectsMalformedClaims(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := newTestVerifier(now)
	exp := jwt.NewNumericDate(now.Add(time.Hour))

	cases := map[string]string{
		"no expiry":   sign(t, jwt.SigningMethodHS256, []byte("secret"), Claims{Role: "client", RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1"}}),
		"no subject":  sign(t, jwt.SigningMethodHS256, []byte("secret"), Claims{Role: "client", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}),
		"no role":     sign(t, jwt.SigningMethodHS256, []byte("secret"), Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1", ExpiresAt: exp}}),
		"HS512":       sign(t, jwt.SigningMethodHS512, []byte("secret"), Claims{Role: "client", RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1", ExpiresAt: exp}}),
		"alg none":    sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, Claims{Role: "client", RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1", ExpiresAt: exp}}),
		"not a token": "abc.def",
		"empty":       "",
	}
	for name, token := range cases {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err=%v, want ErrInvalidCredentials", name, err)
		}
	}
}

func TestJWTVerifier_IssueRequiresIdentity(t *testing.T) {
	v := NewJWTVerifier("secret")
	if _, err := v.Issue(Principal{Role: "client"}, time.Hour); err == nil {
		t.Fatalf("expected error without subject")
	}
	if _, err := NewJWTVerifier("").Issue(Principal{Subject: "a", Role: "client"}, time.Hour); err == nil {
		t.Fatalf("expected error without secret")
	}
}
