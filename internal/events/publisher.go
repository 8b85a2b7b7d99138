package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Class selects the channel an event is announced on.
type Class string

const (
	ClassGame        Class = "events:game"
	ClassUser        Class = "events:user"
	ClassTransaction Class = "events:transaction"
)

// Event types.
const (
	TypeGameWon        = "GAME_WON"
	TypeGameLost       = "GAME_LOST"
	TypeTurnsPurchased = "TURNS_PURCHASED"
	TypeUserSynced     = "USER_SYNCED"
)

// Event is the outcome announcement envelope. Key carries the user ID so
// downstream consumers with partitioned transports keep per-user order.
type Event struct {
	EventID   string         `json:"eventId"`
	Type      string         `json:"eventType"`
	Key       string         `json:"key"`
	UserID    int64          `json:"userId"`
	Username  string         `json:"username"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func New(eventType string, userID int64, username string, payload map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Key:       strconv.FormatInt(userID, 10),
		UserID:    userID,
		Username:  username,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Publisher is fire-and-forget: callers log failures and move on, the
// guess outcome never depends on delivery.
type Publisher interface {
	Publish(ctx context.Context, class Class, ev Event) error
}

type redisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher announces events on Redis pub/sub channels, one
// channel per class.
func NewRedisPublisher(rdb *redis.Client) Publisher {
	return &redisPublisher{rdb: rdb}
}

func (p *redisPublisher) Publish(ctx context.Context, class Class, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, string(class), raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", class, err)
	}
	return nil
}

type nopPublisher struct{}

// NewNopPublisher discards all events; used when no transport is wired.
func NewNopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, Class, Event) error { return nil }
