package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
)

// Conn is one participant WebSocket. It implements room.Handle.
//
// All data frames go through a byte-bounded queue drained by a single writer
// goroutine, so Send never blocks the session worker and frames reach the peer
// in the order they were sent.
type Conn struct {
	id            string
	participantID string
	role          room.Role

	ws      *websocket.Conn
	queue   *sendQueue
	log     *slog.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	closeCode int
	closeText string

	writerDone chan struct{}
}

func newConn(parent context.Context, id, participantID string, role room.Role, ws *websocket.Conn, queueBytes int, log *slog.Logger, m *metrics.Collector) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:            id,
		participantID: participantID,
		role:          role,
		ws:            ws,
		queue:         newSendQueue(queueBytes),
		log:           log,
		metrics:       m,
		ctx:           ctx,
		cancel:        cancel,
		closeCode:     websocket.CloseNormalClosure,
		writerDone:    make(chan struct{}),
	}
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) ParticipantID() string { return c.participantID }
func (c *Conn) Role() room.Role       { return c.role }

// Context is cancelled once the connection starts closing.
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) Send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.queue.Enqueue(b); err != nil {
		if errors.Is(err, errQueueFull) {
			c.metrics.SendDropped()
			c.log.Warn("send queue overflow, closing connection", "queued_limit_bytes", c.queue.maxBytes)
			c.abort(websocket.ClosePolicyViolation, "send queue overflow")
		}
		return err
	}
	return nil
}

// Close flushes frames already queued (such as a final session-ended event)
// and then closes the socket. It never calls back into the session.
func (c *Conn) Close(reason string) {
	code := websocket.CloseNormalClosure
	switch reason {
	case room.CloseReplaced:
		code = websocket.ClosePolicyViolation
	case room.CloseShutdown:
		code = websocket.CloseGoingAway
	}
	c.closeWith(code, reason)
}

func (c *Conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeText = code, text
		c.mu.Unlock()
		c.cancel()
		c.queue.Close()
	})
}

// abort closes without flushing queued frames.
func (c *Conn) abort(code int, text string) {
	c.closeWith(code, text)
	c.queue.Discard()
}

func (c *Conn) closeFrame() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText
}

// writeLoop owns every data write on ws. It exits after the queue is closed
// and drained, sending the close frame last.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(frameWriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("websocket write failed", "err", err)
			c.abort(websocket.CloseAbnormalClosure, "")
			return
		}
	}
	code, text := c.closeFrame()
	writeClose(c.ws, code, text)
}

// pingLoop sends keepalive pings until the connection closes. WriteControl may
// run concurrently with writeLoop.
func (c *Conn) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.abort(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
