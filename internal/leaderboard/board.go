package leaderboard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jsong-kr/numgame/internal/domain"
	"github.com/jsong-kr/numgame/internal/obslog"
	"github.com/jsong-kr/numgame/pkg/gamedto"
)

const (
	boardKey       = "leaderboard:global"
	userKeyPrefix  = "leaderboard:user:"
	cacheKeyPrefix = "leaderboard:cache:top:"
)

// UserDirectory is the slice of the durable store the board needs for
// username backfill and cold-start rebuilds.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*domain.UserAccount, error)
	ListUsersByScoreDesc(ctx context.Context) ([]*domain.UserAccount, error)
}

// Board is the global score index: a Redis sorted set giving O(log N)
// upserts and rank lookups and O(log N + K) top-K queries, fronted by a
// short-TTL serialized snapshot cache. Members are zero-padded user IDs
// so equal scores order deterministically.
type Board struct {
	rdb      *redis.Client
	dir      UserDirectory
	cacheTTL time.Duration
}

func NewBoard(rdb *redis.Client, dir UserDirectory, cacheTTL time.Duration) *Board {
	return &Board{rdb: rdb, dir: dir, cacheTTL: cacheTTL}
}

func member(userID int64) string  { return fmt.Sprintf("%020d", userID) }
func userKey(userID int64) string { return userKeyPrefix + strconv.FormatInt(userID, 10) }
func cacheKey(k int) string       { return cacheKeyPrefix + strconv.Itoa(k) }

// UpsertScore writes the user's score into the index, refreshes the
// username lookaside and invalidates every cached top-K snapshot.
func (b *Board) UpsertScore(ctx context.Context, userID int64, username string, score int) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, boardKey, redis.Z{Score: float64(score), Member: member(userID)})
	pipe.HSet(ctx, userKey(userID), "username", username, "score", strconv.Itoa(score))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert leaderboard score: %w", err)
	}
	b.invalidateSnapshots(ctx)
	return nil
}

// Rank returns the user's 1-based position, or ok=false when the user is
// not indexed.
func (b *Board) Rank(ctx context.Context, userID int64) (int64, bool, error) {
	rank, err := b.rdb.ZRevRank(ctx, boardKey, member(userID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("leaderboard rank: %w", err)
	}
	return rank + 1, true, nil
}

// UserEntry returns the user's rank/score projection, or nil when the
// user is not indexed.
func (b *Board) UserEntry(ctx context.Context, userID int64) (*gamedto.LeaderboardEntry, error) {
	score, err := b.rdb.ZScore(ctx, boardKey, member(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard score: %w", err)
	}
	rank, ok, err := b.Rank(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	names, err := b.resolveUsernames(ctx, []int64{userID})
	if err != nil {
		return nil, err
	}
	return &gamedto.LeaderboardEntry{
		Rank:     rank,
		UserID:   userID,
		Username: names[userID],
		Score:    int(score),
	}, nil
}

// TopK returns the highest-scored K users in rank order. Results are
// served from the snapshot cache when fresh; a cold index is rebuilt
// from the durable store first.
func (b *Board) TopK(ctx context.Context, k int) ([]gamedto.LeaderboardEntry, error) {
	if k <= 0 {
		k = 10
	}
	if cached, err := b.cachedSnapshot(ctx, k); err == nil && cached != nil {
		return cached, nil
	}

	tuples, err := b.rdb.ZRevRangeWithScores(ctx, boardKey, 0, int64(k-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard range: %w", err)
	}
	if len(tuples) == 0 {
		if _, err := b.Rebuild(ctx); err != nil {
			return nil, err
		}
		tuples, err = b.rdb.ZRevRangeWithScores(ctx, boardKey, 0, int64(k-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("leaderboard range: %w", err)
		}
	}

	ids := make([]int64, 0, len(tuples))
	for _, tup := range tuples {
		id, err := parseMember(tup.Member.(string))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	names, err := b.resolveUsernames(ctx, ids)
	if err != nil {
		return nil, err
	}

	entries := make([]gamedto.LeaderboardEntry, 0, len(tuples))
	for i, tup := range tuples {
		entries = append(entries, gamedto.LeaderboardEntry{
			Rank:     int64(i + 1),
			UserID:   ids[i],
			Username: names[ids[i]],
			Score:    int(tup.Score),
		})
	}
	b.cacheSnapshot(ctx, k, entries)
	return entries, nil
}

// Remove drops the user from the index and the lookaside cache.
func (b *Board) Remove(ctx context.Context, userID int64) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, boardKey, member(userID))
	pipe.Del(ctx, userKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove from leaderboard: %w", err)
	}
	b.invalidateSnapshots(ctx)
	return nil
}

// Size reports the number of indexed users.
func (b *Board) Size(ctx context.Context) (int64, error) {
	return b.rdb.ZCard(ctx, boardKey).Result()
}

// Rebuild repopulates the index from the durable store ordered by score
// descending. Each insert is an independent atomic upsert, so the
// operation is idempotent and safe to run concurrently with live
// traffic.
func (b *Board) Rebuild(ctx context.Context) (int, error) {
	users, err := b.dir.ListUsersByScoreDesc(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebuild leaderboard: %w", err)
	}
	count := 0
	for _, u := range users {
		if err := b.UpsertScore(ctx, u.ID, u.Username, u.Score); err != nil {
			return count, err
		}
		count++
	}
	obslog.L().Info("leaderboard_rebuilt", zap.Int("users", count))
	return count, nil
}

// resolveUsernames reads usernames for all IDs in one pipeline, falling
// back to the durable store for misses and backfilling the lookaside.
func (b *Board) resolveUsernames(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, userKey(id), "username")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("batch load usernames: %w", err)
	}

	var missing []int64
	for i, id := range ids {
		name, err := cmds[i].Result()
		if err == nil && name != "" {
			names[id] = name
			continue
		}
		missing = append(missing, id)
	}

	for _, id := range missing {
		u, err := b.dir.GetUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load username for %d: %w", id, err)
		}
		if u == nil {
			names[id] = "Unknown"
			continue
		}
		names[id] = u.Username
		_ = b.rdb.HSet(ctx, userKey(id), "username", u.Username).Err()
	}
	return names, nil
}

// ==== snapshot cache ====

func (b *Board) cachedSnapshot(ctx context.Context, k int) ([]gamedto.LeaderboardEntry, error) {
	lines, err := b.rdb.LRange(ctx, cacheKey(k), 0, -1).Result()
	if err != nil || len(lines) == 0 {
		return nil, err
	}
	entries := make([]gamedto.LeaderboardEntry, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			return nil, nil
		}
		rank, _ := strconv.ParseInt(parts[0], 10, 64)
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		score, _ := strconv.Atoi(parts[3])
		entries = append(entries, gamedto.LeaderboardEntry{
			Rank: rank, UserID: id, Username: parts[2], Score: score,
		})
	}
	return entries, nil
}

func (b *Board) cacheSnapshot(ctx context.Context, k int, entries []gamedto.LeaderboardEntry) {
	if len(entries) == 0 {
		return
	}
	lines := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%d|%d|%s|%d", e.Rank, e.UserID, e.Username, e.Score))
	}
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, cacheKey(k))
	pipe.RPush(ctx, cacheKey(k), lines...)
	pipe.Expire(ctx, cacheKey(k), b.cacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.L().Warn("leaderboard_cache_write_failed", zap.Error(err))
	}
}

func (b *Board) invalidateSnapshots(ctx context.Context) {
	keys, err := b.rdb.Keys(ctx, cacheKeyPrefix+"*").Result()
	if err != nil || len(keys) == 0 {
		return
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		obslog.L().Warn("leaderboard_cache_invalidate_failed", zap.Error(err))
	}
}

func parseMember(m string) (int64, error) {
	id, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse leaderboard member %q: %w", m, err)
	}
	return id, nil
}
