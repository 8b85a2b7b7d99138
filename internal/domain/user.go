package domain

import "time"

// UserAccount is the durable user record. Score and turns here lag the hot
// counters in Redis until the reconciler flushes them; Version backs the
// compare-and-swap write used during that flush.
type UserAccount struct {
	ID        int64
	Username  string
	Email     string
	Score     int
	Turns     int
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	LastLogin time.Time
}

// GameRound is an append-only record of a single guess. Never updated.
type GameRound struct {
	ID            int64
	UserID        int64
	GuessedNumber int
	ActualNumber  int
	IsCorrect     bool
	ScoreEarned   int
	PlayedAt      time.Time
}

// Transaction records a turn purchase.
type Transaction struct {
	ID            int64
	UserID        int64
	Type          string
	TurnsAdded    int
	AmountCents   int64
	PaymentMethod string
	PaymentStatus string
	Ref           string
	CreatedAt     time.Time
}
