package hotstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jsong-kr/numgame/internal/domain"
	"github.com/jsong-kr/numgame/internal/obslog"
	"github.com/jsong-kr/numgame/pkg/gamedto"
)

const (
	scoreKeyPrefix = "user:score:"
	turnsKeyPrefix = "user:turns:"
	infoKeyPrefix  = "user:info:"
	dirtySetKey    = "dirty:users"
)

// UserLoader is the slice of the durable store the hot state needs for
// cache-aside seeding.
type UserLoader interface {
	GetUser(ctx context.Context, id int64) (*domain.UserAccount, error)
}

// Store keeps the per-user score and turns counters in Redis. Counters
// are authoritative between reconciliations; every mutation refreshes
// the TTL and adds the user to the dirty set.
type Store struct {
	rdb     *redis.Client
	loader  UserLoader
	dataTTL time.Duration
	infoTTL time.Duration
}

func NewStore(rdb *redis.Client, loader UserLoader, dataTTL, infoTTL time.Duration) *Store {
	return &Store{rdb: rdb, loader: loader, dataTTL: dataTTL, infoTTL: infoTTL}
}

func scoreKey(id int64) string { return scoreKeyPrefix + strconv.FormatInt(id, 10) }
func turnsKey(id int64) string { return turnsKeyPrefix + strconv.FormatInt(id, 10) }
func infoKey(id int64) string  { return infoKeyPrefix + strconv.FormatInt(id, 10) }

// GetScore reads the hot score, seeding both counters from the durable
// record on a miss. An unknown user reads as zero.
func (s *Store) GetScore(ctx context.Context, userID int64) (int, error) {
	return s.getCounter(ctx, userID, scoreKey(userID), func(u *domain.UserAccount) int { return u.Score })
}

// GetTurns reads the hot turns counter with the same miss behavior.
func (s *Store) GetTurns(ctx context.Context, userID int64) (int, error) {
	return s.getCounter(ctx, userID, turnsKey(userID), func(u *domain.UserAccount) int { return u.Turns })
}

func (s *Store) getCounter(ctx context.Context, userID int64, key string, pick func(*domain.UserAccount) int) (int, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return 0, fmt.Errorf("parse counter %s=%q: %w", key, v, perr)
		}
		return n, nil
	}
	if err != redis.Nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}

	u, err := s.loader.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("seed counter %s: %w", key, err)
	}
	if u == nil {
		return 0, nil
	}
	if err := s.Initialize(ctx, userID, u.Score, u.Turns); err != nil {
		return 0, err
	}
	return pick(u), nil
}

// Initialize seeds both counters with the long hot-data TTL.
func (s *Store) Initialize(ctx context.Context, userID int64, score, turns int) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, scoreKey(userID), strconv.Itoa(score), s.dataTTL)
	pipe.Set(ctx, turnsKey(userID), strconv.Itoa(turns), s.dataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("initialize hot state: %w", err)
	}
	obslog.L().Debug("hot_state_seeded",
		zap.Int64("user_id", userID), zap.Int("score", score), zap.Int("turns", turns))
	return nil
}

// IncrementScore atomically adds delta to the score, refreshes the TTL
// and marks the user dirty.
func (s *Store) IncrementScore(ctx context.Context, userID int64, delta int) (int64, error) {
	return s.mutate(ctx, userID, scoreKey(userID), int64(delta))
}

// DecrementTurns atomically consumes one turn. The caller is responsible
// for checking the pre-decrement value under the per-user lock.
func (s *Store) DecrementTurns(ctx context.Context, userID int64) (int64, error) {
	return s.mutate(ctx, userID, turnsKey(userID), -1)
}

// AddTurns credits purchased turns.
func (s *Store) AddTurns(ctx context.Context, userID int64, delta int) (int64, error) {
	return s.mutate(ctx, userID, turnsKey(userID), int64(delta))
}

func (s *Store) mutate(ctx context.Context, userID int64, key string, delta int64) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, s.dataTTL)
	pipe.SAdd(ctx, dirtySetKey, strconv.FormatInt(userID, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("mutate %s: %w", key, err)
	}
	return incr.Val(), nil
}

// ==== dirty set ====

func (s *Store) MarkDirty(ctx context.Context, userID int64) error {
	return s.rdb.SAdd(ctx, dirtySetKey, strconv.FormatInt(userID, 10)).Err()
}

// ClearDirty removes the marker; called only after the user's durable
// row is confirmed written (or confirmed gone).
func (s *Store) ClearDirty(ctx context.Context, userID int64) error {
	return s.rdb.SRem(ctx, dirtySetKey, strconv.FormatInt(userID, 10)).Err()
}

// DirtyUsers snapshots the dirty set.
func (s *Store) DirtyUsers(ctx context.Context) ([]int64, error) {
	members, err := s.rdb.SMembers(ctx, dirtySetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read dirty set: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			obslog.L().Warn("dirty_set_bad_member", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) DirtyCount(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, dirtySetKey).Result()
}

// ==== user info projection ====

// CacheUserInfo stores the assembled projection under its own TTL.
func (s *Store) CacheUserInfo(ctx context.Context, userID int64, info *gamedto.UserInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal user info: %w", err)
	}
	return s.rdb.Set(ctx, infoKey(userID), raw, s.infoTTL).Err()
}

// CachedUserInfo returns the cached projection, or nil on a miss.
func (s *Store) CachedUserInfo(ctx context.Context, userID int64) (*gamedto.UserInfo, error) {
	raw, err := s.rdb.Get(ctx, infoKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user info cache: %w", err)
	}
	var info gamedto.UserInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("unmarshal user info: %w", err)
	}
	return &info, nil
}

// InvalidateUserInfo drops the projection so the next read rebuilds it
// from the authoritative counters.
func (s *Store) InvalidateUserInfo(ctx context.Context, userID int64) error {
	return s.rdb.Del(ctx, infoKey(userID)).Err()
}
