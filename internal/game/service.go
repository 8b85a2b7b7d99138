package game

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jsong-kr/numgame/internal/config"
	"github.com/jsong-kr/numgame/internal/domain"
	"github.com/jsong-kr/numgame/internal/events"
	"github.com/jsong-kr/numgame/internal/hotstate"
	"github.com/jsong-kr/numgame/internal/leaderboard"
	"github.com/jsong-kr/numgame/internal/lock"
	"github.com/jsong-kr/numgame/internal/obslog"
	"github.com/jsong-kr/numgame/internal/storage"
	"github.com/jsong-kr/numgame/pkg/gamedto"
)

const historyLimit = 50

// Decider supplies the win/loss verdict for a guess.
type Decider interface {
	Decide(ctx context.Context, userID int64, customRate *float64) (bool, error)
	LossStreak(ctx context.Context, userID int64) (int, error)
	CurrentAdjustedRate(ctx context.Context, userID int64) (float64, error)
}

// Service orchestrates a guess across the lock manager, hot state,
// decision engine and leaderboard, and exposes the read-side operations
// around it.
type Service struct {
	cfg     *config.AppConfig
	repo    storage.Repository
	hot     *hotstate.Store
	locker  *lock.Locker
	decider Decider
	board   *leaderboard.Board
	pub     events.Publisher
}

func NewService(cfg *config.AppConfig, repo storage.Repository, hot *hotstate.Store,
	locker *lock.Locker, decider Decider, board *leaderboard.Board, pub events.Publisher) *Service {
	return &Service{cfg: cfg, repo: repo, hot: hot, locker: locker, decider: decider, board: board, pub: pub}
}

// Guess runs one round for the user. The turn is consumed on every
// processed attempt, win or lose; only processing failures before the
// decrement leave the counter untouched.
func (s *Service) Guess(ctx context.Context, userID int64, number int, customRate *float64) (*gamedto.GuessResponse, error) {
	start := time.Now()

	if number < s.cfg.MinNumber || number > s.cfg.MaxNumber {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidGuess, number, s.cfg.MinNumber, s.cfg.MaxNumber)
	}
	if customRate != nil && (*customRate < 0.01 || *customRate > 1.0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, *customRate)
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	ok, err := s.locker.AcquireWithRetry(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		obslog.L().Warn("guess_lock_contention", zap.Int64("user_id", userID))
		return nil, ErrLockContention
	}
	// Release on every exit path; detached from ctx so a cancelled
	// request cannot leak the lock until its TTL.
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), userID); err != nil {
			obslog.L().Warn("lock_release_failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	turns, err := s.hot.GetTurns(ctx, userID)
	if err != nil {
		return nil, err
	}
	if turns <= 0 {
		return nil, ErrInsufficientTurns
	}
	if _, err := s.hot.DecrementTurns(ctx, userID); err != nil {
		return nil, err
	}

	win, err := s.decider.Decide(ctx, userID, customRate)
	if err != nil {
		return nil, err
	}

	actual := number
	if !win {
		actual, err = s.drawDistinct(number)
		if err != nil {
			return nil, err
		}
	}

	scoreEarned := 0
	newScore, err := s.hot.GetScore(ctx, userID)
	if err != nil {
		return nil, err
	}
	if win {
		scoreEarned = s.cfg.WinScore
		total, err := s.hot.IncrementScore(ctx, userID, scoreEarned)
		if err != nil {
			return nil, err
		}
		newScore = int(total)
	}

	roundID, err := s.repo.InsertGameRound(ctx, &domain.GameRound{
		UserID:        userID,
		GuessedNumber: number,
		ActualNumber:  actual,
		IsCorrect:     win,
		ScoreEarned:   scoreEarned,
		PlayedAt:      time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("record round: %w", err)
	}

	// Every guess updates the board so all active users are ranked.
	if err := s.board.UpsertScore(ctx, userID, user.Username, newScore); err != nil {
		obslog.L().Error("leaderboard_update_failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	if err := s.hot.InvalidateUserInfo(ctx, userID); err != nil {
		obslog.L().Warn("user_info_invalidate_failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	streak, err := s.decider.LossStreak(ctx, userID)
	if err != nil {
		return nil, err
	}
	adjRate, err := s.decider.CurrentAdjustedRate(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.publishGameEvent(ctx, user, number, actual, win, scoreEarned, newScore, streak, adjRate)

	obslog.L().Info("guess_processed",
		zap.Int64("user_id", userID),
		zap.Bool("correct", win),
		zap.Int("score", newScore),
		zap.Duration("took", time.Since(start)))

	return &gamedto.GuessResponse{
		Correct:        win,
		GuessedNumber:  number,
		ActualNumber:   actual,
		ScoreEarned:    scoreEarned,
		TotalScore:     newScore,
		RemainingTurns: turns - 1,
		GameID:         roundID,
		Message:        buildMessage(win, streak, adjRate),
	}, nil
}

// drawDistinct picks a uniform number in range that differs from the
// guess, resampling until it does.
func (s *Service) drawDistinct(guess int) (int, error) {
	span := int64(s.cfg.MaxNumber - s.cfg.MinNumber + 1)
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(span))
		if err != nil {
			return 0, fmt.Errorf("draw actual number: %w", err)
		}
		actual := s.cfg.MinNumber + int(n.Int64())
		if actual != guess {
			return actual, nil
		}
	}
}

// History returns the user's rounds, most recent first.
func (s *Service) History(ctx context.Context, userID int64) ([]gamedto.GameHistoryEntry, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	rounds, err := s.repo.GetGameRounds(ctx, userID, historyLimit)
	if err != nil {
		return nil, err
	}
	out := make([]gamedto.GameHistoryEntry, 0, len(rounds))
	for _, r := range rounds {
		out = append(out, gamedto.GameHistoryEntry{
			ID:            r.ID,
			GuessedNumber: r.GuessedNumber,
			ActualNumber:  r.ActualNumber,
			Correct:       r.IsCorrect,
			ScoreEarned:   r.ScoreEarned,
			PlayedAt:      r.PlayedAt,
		})
	}
	return out, nil
}

// Leaderboard returns the top-K entries.
func (s *Service) Leaderboard(ctx context.Context, k int) ([]gamedto.LeaderboardEntry, error) {
	return s.board.TopK(ctx, k)
}

// UserRank returns the user's leaderboard projection, or nil when the
// user is not indexed yet.
func (s *Service) UserRank(ctx context.Context, userID int64) (*gamedto.LeaderboardEntry, error) {
	return s.board.UserEntry(ctx, userID)
}

// UserInfo assembles the cached user projection: identity from the
// durable row, counters from hot state, rank from the board with a
// durable count fallback.
func (s *Service) UserInfo(ctx context.Context, userID int64) (*gamedto.UserInfo, error) {
	if cached, err := s.hot.CachedUserInfo(ctx, userID); err == nil && cached != nil {
		return cached, nil
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	score, err := s.hot.GetScore(ctx, userID)
	if err != nil {
		return nil, err
	}
	turns, err := s.hot.GetTurns(ctx, userID)
	if err != nil {
		return nil, err
	}
	rank, ok, err := s.board.Rank(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		higher, err := s.repo.CountUsersWithScoreGreaterThan(ctx, score)
		if err != nil {
			return nil, err
		}
		rank = higher + 1
	}

	info := &gamedto.UserInfo{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Score:     score,
		Turns:     turns,
		Rank:      rank,
		CreatedAt: user.CreatedAt,
		LastLogin: user.LastLogin,
	}
	if err := s.hot.CacheUserInfo(ctx, userID, info); err != nil {
		obslog.L().Warn("user_info_cache_failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	return info, nil
}

// BuyTurns credits purchased turns and records the transaction.
func (s *Service) BuyTurns(ctx context.Context, userID int64, quantity int) (*gamedto.TransactionReceipt, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	turnsToAdd := s.cfg.TurnsPerPurchase * quantity
	total, err := s.hot.AddTurns(ctx, userID, turnsToAdd)
	if err != nil {
		return nil, err
	}

	txn := &domain.Transaction{
		UserID:        userID,
		Type:          "PURCHASE",
		TurnsAdded:    turnsToAdd,
		AmountCents:   int64(quantity) * 100,
		PaymentMethod: "DIRECT",
		PaymentStatus: "COMPLETED",
		Ref:           transactionRef(),
		CreatedAt:     time.Now(),
	}
	if _, err := s.repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	if err := s.hot.InvalidateUserInfo(ctx, userID); err != nil {
		obslog.L().Warn("user_info_invalidate_failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	ev := events.New(events.TypeTurnsPurchased, userID, user.Username, map[string]any{
		"turnsAdded":     turnsToAdd,
		"transactionRef": txn.Ref,
	})
	if err := s.pub.Publish(ctx, events.ClassTransaction, ev); err != nil {
		obslog.L().Warn("event_publish_failed", zap.String("event_type", ev.Type), zap.Error(err))
	}

	return &gamedto.TransactionReceipt{
		Ref:            txn.Ref,
		TurnsAdded:     turnsToAdd,
		RemainingTurns: int(total),
		Status:         txn.PaymentStatus,
		CreatedAt:      txn.CreatedAt,
	}, nil
}

func (s *Service) publishGameEvent(ctx context.Context, user *domain.UserAccount,
	guessed, actual int, win bool, scoreEarned, totalScore, streak int, adjRate float64) {

	eventType := events.TypeGameLost
	if win {
		eventType = events.TypeGameWon
	}
	ev := events.New(eventType, user.ID, user.Username, map[string]any{
		"guessedNumber":   guessed,
		"actualNumber":    actual,
		"isCorrect":       win,
		"scoreEarned":     scoreEarned,
		"totalScore":      totalScore,
		"lossStreak":      streak,
		"adjustedWinRate": adjRate,
	})
	if err := s.pub.Publish(ctx, events.ClassGame, ev); err != nil {
		obslog.L().Warn("event_publish_failed", zap.String("event_type", ev.Type), zap.Error(err))
	}
}

func transactionRef() string {
	short := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("TXN-%d-%s", time.Now().UnixMilli(), short)
}

// buildMessage picks the tiered human-readable outcome line.
func buildMessage(win bool, streak int, adjRate float64) string {
	if win {
		if streak > 10 {
			return "Finally! You broke the losing streak!"
		}
		return "Congratulations! You won!"
	}
	switch {
	case streak >= 15:
		return fmt.Sprintf("Keep trying! Win chance: %.0f%%", adjRate*100)
	case streak >= 10:
		return fmt.Sprintf("Your luck is improving (%.0f%% now)", adjRate*100)
	case streak >= 5:
		return "Keep playing!"
	default:
		return "Try again!"
	}
}
