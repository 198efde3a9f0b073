// Package turnrest mints coturn-compatible TURN REST credentials for
// participants.
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The subject is the session ID when the caller names one, so a TURN
// allocation can be traced back to the session that requested it.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
)

var ErrInvalidSubject = errors.New("turnrest: subject must be non-empty and must not contain ':'")

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	clock  clock.Clock
}

// NewGenerator validates cfg. The caller checks cfg.Enabled() first.
func NewGenerator(cfg config.TurnRESTConfig, c clock.Clock) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turnrest: TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		prefix: cfg.UsernamePrefix,
		clock:  clock.Or(c),
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// Generate mints credentials for subject. An empty subject gets a random one.
func (g *Generator) Generate(subject string) (Credentials, error) {
	if subject == "" {
		subject = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, ErrInvalidSubject
	}
	expires := g.clock.Now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiresAt:  expires,
	}, nil
}

// Apply returns a copy of servers with creds set on every entry that lists a
// TURN URL. STUN-only entries are left alone.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.ICEServerHasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
