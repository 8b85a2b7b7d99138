package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisPublisherDelivers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, string(ClassGame))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p := NewRedisPublisher(rdb)
	ev := New(TypeGameWon, 7, "alice", map[string]any{"scoreEarned": 1})
	if err := p.Publish(ctx, ClassGame, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != TypeGameWon || got.UserID != 7 || got.Key != "7" {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.EventID == "" {
			t.Fatalf("expected a generated event ID")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}
}
