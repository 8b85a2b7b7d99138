package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jsong-kr/numgame/internal/obslog"
)

const streakKeyPrefix = "game:loss_streak:"

// Engine decides guess outcomes with a streak-biased win rate: the rate
// climbs with each consecutive loss and a win is guaranteed once the
// streak reaches MaxStreak (the pity threshold).
type Engine struct {
	rdb       *redis.Client
	baseRate  float64
	bonusRate float64
	maxStreak int
	streakTTL time.Duration
}

func New(rdb *redis.Client, baseRate, bonusRate float64, maxStreak int, streakTTL time.Duration) *Engine {
	return &Engine{
		rdb:       rdb,
		baseRate:  baseRate,
		bonusRate: bonusRate,
		maxStreak: maxStreak,
		streakTTL: streakTTL,
	}
}

func streakKey(userID int64) string { return streakKeyPrefix + strconv.FormatInt(userID, 10) }

// Decide resolves one guess for the user. customRate, when non-nil,
// replaces the configured base rate for this call only; the streak and
// pity threshold are unaffected. The streak state is left consistent
// with the returned outcome: reset on win, incremented on loss.
func (e *Engine) Decide(ctx context.Context, userID int64, customRate *float64) (bool, error) {
	streak, err := e.LossStreak(ctx, userID)
	if err != nil {
		return false, err
	}

	base := e.baseRate
	if customRate != nil {
		base = *customRate
	}
	adjusted := AdjustedRate(base, e.bonusRate, streak)

	var win bool
	if streak >= e.maxStreak {
		win = true
		obslog.L().Info("pity_win",
			zap.Int64("user_id", userID),
			zap.Int("loss_streak", streak))
	} else {
		draw, err := uniformFloat()
		if err != nil {
			return false, err
		}
		win = draw < adjusted
	}

	if win {
		if err := e.resetStreak(ctx, userID); err != nil {
			return false, err
		}
	} else {
		if err := e.setStreak(ctx, userID, streak+1); err != nil {
			return false, err
		}
	}
	return win, nil
}

// LossStreak returns the current consecutive-loss count; an absent key
// reads as zero.
func (e *Engine) LossStreak(ctx context.Context, userID int64) (int, error) {
	v, err := e.rdb.Get(ctx, streakKey(userID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read loss streak: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse loss streak %q: %w", v, err)
	}
	return n, nil
}

// CurrentAdjustedRate reports the win rate the next guess would use with
// the configured base rate.
func (e *Engine) CurrentAdjustedRate(ctx context.Context, userID int64) (float64, error) {
	streak, err := e.LossStreak(ctx, userID)
	if err != nil {
		return 0, err
	}
	return AdjustedRate(e.baseRate, e.bonusRate, streak), nil
}

func (e *Engine) resetStreak(ctx context.Context, userID int64) error {
	return e.rdb.Del(ctx, streakKey(userID)).Err()
}

func (e *Engine) setStreak(ctx context.Context, userID int64, streak int) error {
	return e.rdb.Set(ctx, streakKey(userID), strconv.Itoa(streak), e.streakTTL).Err()
}

// AdjustedRate applies the streak bonus to the base rate, capped at 1.0.
func AdjustedRate(base, bonus float64, streak int) float64 {
	rate := base + float64(streak)*bonus
	if rate > 1.0 {
		return 1.0
	}
	return rate
}

// uniformFloat draws a uniform value in [0, 1) from crypto/rand using
// the top 53 bits of a random word.
func uniformFloat() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("random draw: %w", err)
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53), nil
}
