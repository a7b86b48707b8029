// Package notify fans change notifications out to stream subscribers and,
// optionally, a Redis channel.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventReady        = "ready"
	EventStateChanged = "state.changed"
)

// Event is one message on the change stream.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"ts"`
}

// StateChange is emitted whenever a venture's version increments.
type StateChange struct {
	VentureID string `json:"ventureId"`
	Version   int64  `json:"version"`
	Phase     string `json:"phase"`
	Cause     string `json:"cause,omitempty"`
}

func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// Hub is an in-process broadcaster. Slow subscribers lose events rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// RedisPublisher is the subset of *redis.Client used for fan-out.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Notifier publishes state changes to the hub and, when configured, Redis.
type Notifier struct {
	Hub          *Hub
	Redis        RedisPublisher
	RedisChannel string
	Logger       *slog.Logger
}

// StateChanged broadcasts a version increment. Redis failures are logged, never returned.
func (n *Notifier) StateChanged(ctx context.Context, change StateChange) {
	if n == nil {
		return
	}
	evt := NewEvent(EventStateChanged, change)
	if n.Hub != nil {
		n.Hub.Publish(evt)
	}
	if n.Redis == nil || n.RedisChannel == "" {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := n.Redis.Publish(pubCtx, n.RedisChannel, payload).Err(); err != nil && n.Logger != nil {
		n.Logger.Warn("redis publish failed", "channel", n.RedisChannel, "venture_id", change.VentureID, "err", err)
	}
}

// OpenRedis connects to addr (host:port or redis:// URL) and verifies it with PING.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
