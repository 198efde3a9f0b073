// Package events publishes session lifecycle events to the consuming
// application.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const DefaultChannel = "session-relay:events"

type Event interface {
	Type() string
}

// SessionEnded is the final event of a session. It is published exactly once.
type SessionEnded struct {
	SessionID          string    `json:"sessionId"`
	ClientID           string    `json:"clientId"`
	ProviderID         string    `json:"providerId"`
	Reason             string    `json:"reason"`
	State              string    `json:"state"`
	DurationSeconds    float64   `json:"duration"`
	AmountCharged      float64   `json:"amountCharged"`
	AmountChargedCents int64     `json:"amountChargedCents"`
	UnbilledCents      int64     `json:"unbilledCents,omitempty"`
	EndedAt            time.Time `json:"endedAt"`
}

func (SessionEnded) Type() string { return "session-ended" }

// SessionConnected is published when billing starts.
type SessionConnected struct {
	SessionID     string    `json:"sessionId"`
	ClientID      string    `json:"clientId"`
	ProviderID    string    `json:"providerId"`
	RatePerMinute float64   `json:"ratePerMinute"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

func (SessionConnected) Type() string { return "session-connected" }

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Envelope is the wire form on the pub/sub channel.
type Envelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

func Marshal(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.Type(), Event: b})
}

type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// ConnectRedis parses a redis:// URL and verifies the server responds.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, string(data)).Err()
}

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{log: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info("session_event", "type", ev.Type(), "event", ev)
	return nil
}
