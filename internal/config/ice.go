package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "SESSION_RELAY_ICE_SERVERS_JSON"

	envStunURLs       = "SESSION_RELAY_STUN_URLS"
	envTurnURLs       = "SESSION_RELAY_TURN_URLS"
	envTurnUsername   = "SESSION_RELAY_TURN_USERNAME"
	envTurnCredential = "SESSION_RELAY_TURN_CREDENTIAL"
)

// ICESource is the raw ICE configuration as read from env/flags. JSON wins
// over the comma-separated URL lists when both are set.
type ICESource struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string

	// MintedCredentials is set when TURN REST is enabled: TURN entries may
	// then omit credentials because they are generated per participant.
	MintedCredentials bool
}

// ParseICEServers builds the list handed to participants by /webrtc/ice.
func ParseICEServers(src ICESource) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(src.JSON); raw != "" {
		servers, err := parseICEServersJSON(raw, src.MintedCredentials)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(src.STUNURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(src.TURNURLs); len(urls) > 0 {
		username := strings.TrimSpace(src.TURNUsername)
		credential := strings.TrimSpace(src.TURNCredential)
		if !src.MintedCredentials && (username == "" || credential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: username}
		if credential != "" {
			server.Credential = credential
		}
		if err := validateICEServer(server, src.MintedCredentials); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// iceServerJSON mirrors RTCIceServer: urls may be a string or a list.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func parseICEServersJSON(raw string, mintedCredentials bool) ([]webrtc.ICEServer, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var entries []iceServerJSON
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := decodeURLs(entry.URLs)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d].urls: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(entry.Username)}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := validateICEServer(server, mintedCredentials); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func decodeURLs(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var list []string
	if raw[0] == '"' {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		list = []string{single}
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}

	urls := list[:0]
	for _, u := range list {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, mintedCredentials bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCredentials := false
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("invalid ice url %q: %w", raw, err)
		}
		switch uri.Scheme {
		case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
			needsCredentials = true
		case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
		default:
			return fmt.Errorf("unsupported url scheme: %q", raw)
		}
	}

	if needsCredentials && !mintedCredentials {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

// ICEServerHasTURNURL reports whether any of server's URLs is a TURN URL.
func ICEServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
