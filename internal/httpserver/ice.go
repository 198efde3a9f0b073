package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/turnrest"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is set when TURN credentials were minted for this request.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// handleICE serves the ICE server list participants pass to RTCPeerConnection.
// With TURN REST enabled, credentials are minted per request and bound to the
// optional sessionId query parameter.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.opts.TURN == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	creds, err := s.opts.TURN.Generate(strings.TrimSpace(r.URL.Query().Get("sessionId")))
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, iceResponse{
		ICEServers: turnrest.Apply(servers, creds),
		ExpiresAt:  &creds.ExpiresAt,
	})
}
