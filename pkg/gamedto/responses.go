package gamedto

import "time"

type GuessResponse struct {
	Correct        bool   `json:"correct"`
	GuessedNumber  int    `json:"guessedNumber"`
	ActualNumber   int    `json:"actualNumber"`
	ScoreEarned    int    `json:"scoreEarned"`
	TotalScore     int    `json:"totalScore"`
	RemainingTurns int    `json:"remainingTurns"`
	GameID         int64  `json:"gameId"`
	Message        string `json:"message"`
}

type GameHistoryEntry struct {
	ID            int64     `json:"id"`
	GuessedNumber int       `json:"guessedNumber"`
	ActualNumber  int       `json:"actualNumber"`
	Correct       bool      `json:"correct"`
	ScoreEarned   int       `json:"scoreEarned"`
	PlayedAt      time.Time `json:"playedAt"`
}

type LeaderboardEntry struct {
	Rank     int64  `json:"rank"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

type UserInfo struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Score     int       `json:"score"`
	Turns     int       `json:"turns"`
	Rank      int64     `json:"rank"`
	CreatedAt time.Time `json:"createdAt"`
	LastLogin time.Time `json:"lastLogin"`
}

type TransactionReceipt struct {
	Ref            string    `json:"ref"`
	TurnsAdded     int       `json:"turnsAdded"`
	RemainingTurns int       `json:"remainingTurns"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}
