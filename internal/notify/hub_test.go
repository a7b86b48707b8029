package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	channel  string
	messages [][]byte
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.channel = channel
	f.messages = append(f.messages, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func TestHubBroadcastsAndDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	fast := hub.Subscribe(4)
	slow := hub.Subscribe(1)
	defer hub.Unsubscribe(fast)

	for i := 0; i < 3; i++ {
		hub.Publish(NewEvent(EventStateChanged, StateChange{VentureID: "v1", Version: int64(i + 1)}))
	}
	if len(fast) != 3 {
		t.Fatalf("fast subscriber got %d events", len(fast))
	}
	if len(slow) != 1 {
		t.Fatalf("slow subscriber should hold one event, got %d", len(slow))
	}
	hub.Unsubscribe(slow)
	hub.Unsubscribe(slow)
	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", hub.Subscribers())
	}
}

func TestNotifierPublishesToRedis(t *testing.T) {
	fake := &fakeRedis{}
	hub := NewHub()
	sub := hub.Subscribe(1)
	n := &Notifier{Hub: hub, Redis: fake, RedisChannel: "vg.state"}
	n.StateChanged(context.Background(), StateChange{VentureID: "v1", Version: 4, Phase: "desirability"})

	if fake.channel != "vg.state" || len(fake.messages) != 1 {
		t.Fatalf("redis publish missing: %+v", fake)
	}
	var evt struct {
		Type string      `json:"type"`
		Data StateChange `json:"data"`
	}
	if err := json.Unmarshal(fake.messages[0], &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != EventStateChanged || evt.Data.Version != 4 {
		t.Fatalf("unexpected payload %+v", evt)
	}
	if got := <-sub; got.Type != EventStateChanged {
		t.Fatalf("hub event %s", got.Type)
	}

	fake.err = errors.New("connection refused")
	n.StateChanged(context.Background(), StateChange{VentureID: "v1", Version: 5})
}
