package game

import (
	"errors"

	"github.com/jsong-kr/numgame/pkg/gamedto"
)

var (
	// ErrInvalidGuess rejects a guess outside the configured range.
	ErrInvalidGuess = errors.New("guess outside configured range")
	// ErrInvalidRate rejects a custom win rate outside [0.01, 1.0].
	ErrInvalidRate = errors.New("custom win rate outside [0.01, 1.0]")
	// ErrInvalidQuantity rejects a non-positive purchase quantity.
	ErrInvalidQuantity = errors.New("purchase quantity must be positive")
	// ErrUserNotFound means the durable account does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrLockContention means the per-user lock could not be acquired
	// within the bounded retries; the caller may retry shortly.
	ErrLockContention = errors.New("user is busy, retry shortly")
	// ErrInsufficientTurns means the turns counter is exhausted.
	ErrInsufficientTurns = errors.New("no turns remaining")
)

// ToDomainError maps service errors onto the API error shape.
func ToDomainError(err error) gamedto.DomainError {
	switch {
	case errors.Is(err, ErrInvalidGuess):
		return gamedto.DomainError{Code: "INVALID_GUESS", Message: err.Error()}
	case errors.Is(err, ErrInvalidRate):
		return gamedto.DomainError{Code: "INVALID_RATE", Message: err.Error()}
	case errors.Is(err, ErrInvalidQuantity):
		return gamedto.DomainError{Code: "INVALID_QUANTITY", Message: err.Error()}
	case errors.Is(err, ErrUserNotFound):
		return gamedto.DomainError{Code: "USER_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, ErrLockContention):
		return gamedto.DomainError{Code: "LOCK_CONTENTION", Message: err.Error(), Retryable: true}
	case errors.Is(err, ErrInsufficientTurns):
		return gamedto.DomainError{Code: "INSUFFICIENT_TURNS", Message: err.Error()}
	default:
		return gamedto.DomainError{Code: "INTERNAL", Message: "internal error"}
	}
}
