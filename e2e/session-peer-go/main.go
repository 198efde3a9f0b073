// Command session-peer-go is a headless participant for browser E2E tests. It
// joins a relay session over the participant WebSocket, answers the browser's
// offer with a Pion PeerConnection and echoes every data channel message.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/signaling"
)

// inbound covers every server push the peer cares about.
type inbound struct {
	Type      signaling.MessageType `json:"type"`
	Event     signaling.StatusEvent `json:"event"`
	SDP       *signaling.SDP        `json:"sdp"`
	Candidate *signaling.Candidate  `json:"candidate"`
	Reason    string                `json:"reason"`
	Code      string                `json:"code"`
	Message   string                `json:"message"`
}

func main() {
	relayURL := envOrDefault("RELAY_WS_URL", "ws://127.0.0.1:8080/ws/session")
	sessionID := os.Getenv("SESSION_ID")
	participantID := os.Getenv("PARTICIPANT_ID")
	role := envOrDefault("ROLE", "provider")
	if sessionID == "" || participantID == "" {
		fmt.Fprintln(os.Stderr, "SESSION_ID and PARTICIPANT_ID must be set")
		os.Exit(2)
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RELAY_WS_URL: %v\n", err)
		os.Exit(2)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	q.Set("participantId", participantID)
	q.Set("role", role)
	if token := os.Getenv("TOKEN"); token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", relayURL, err)
		os.Exit(1)
	}
	defer ws.Close()

	p, err := newPeer(ws)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peer connection: %v\n", err)
		os.Exit(1)
	}
	defer p.pc.Close()

	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	if err := p.send(signaling.ClientMessage{Type: signaling.MessageTypeReady}); err != nil {
		fmt.Fprintf(os.Stderr, "send ready: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("READY")

	if err := p.run(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type peer struct {
	ws *websocket.Conn
	pc *webrtc.PeerConnection

	// gorilla/websocket allows one concurrent writer; Pion fires
	// OnICECandidate from its own goroutines.
	writeMu sync.Mutex
}

func newPeer(ws *websocket.Conn) (*peer, error) {
	pc, err := webrtc.NewAPI().NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	p := &peer{ws: ws, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := signaling.CandidateFromPion(c.ToJSON())
		_ = p.send(signaling.ClientMessage{Type: signaling.MessageTypeICECandidate, Candidate: &cand})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if msg.IsString {
				_ = dc.SendText(string(msg.Data))
				return
			}
			_ = dc.Send(msg.Data)
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fmt.Printf("PEER %s\n", state)
	})
	return p, nil
}

func (p *peer) send(msg signaling.ClientMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteJSON(msg)
}

func (p *peer) run() error {
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %q: %w", data, err)
		}

		switch msg.Type {
		case signaling.MessageTypeOffer:
			if msg.SDP == nil {
				continue
			}
			if err := p.answer(*msg.SDP); err != nil {
				return err
			}
		case signaling.MessageTypeICECandidate:
			if msg.Candidate == nil {
				continue
			}
			if err := p.pc.AddICECandidate(msg.Candidate.ToPion()); err != nil {
				fmt.Fprintf(os.Stderr, "add candidate: %v\n", err)
			}
		case signaling.MessageTypeSessionStatus:
			if msg.Event == signaling.StatusConnected {
				fmt.Println("CONNECTED")
			}
		case signaling.MessageTypeSessionEnded:
			fmt.Printf("ENDED %s\n", msg.Reason)
			return nil
		case signaling.MessageTypeError:
			return fmt.Errorf("relay error %s: %s", msg.Code, msg.Message)
		}
	}
}

func (p *peer) answer(offer signaling.SDP) error {
	desc, err := offer.ToPion()
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return p.send(signaling.ClientMessage{
		Type: signaling.MessageTypeAnswer,
		SDP:  &signaling.SDP{Type: answer.Type.String(), SDP: answer.SDP},
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
