package leaderboard

import (
	"context"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jsong-kr/numgame/internal/domain"
	"github.com/jsong-kr/numgame/internal/storage"
)

func newTestBoard(t *testing.T) (*Board, storage.Repository, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := storage.NewMemoryRepository()
	return NewBoard(rdb, repo, time.Minute), repo, mr
}

func TestUpsertRankAndTopK(t *testing.T) {
	b, _, _ := newTestBoard(t)
	ctx := context.Background()

	if err := b.UpsertScore(ctx, 1, "alice", 30); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := b.UpsertScore(ctx, 2, "bob", 50); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := b.UpsertScore(ctx, 3, "carol", 10); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rank, ok, err := b.Rank(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("rank: ok=%v err=%v", ok, err)
	}
	if rank != 1 {
		t.Fatalf("expected bob at rank 1, got %d", rank)
	}

	top, err := b.TopK(ctx, 3)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(top))
	}
	wantOrder := []string{"bob", "alice", "carol"}
	for i, want := range wantOrder {
		if top[i].Username != want || top[i].Rank != int64(i+1) {
			t.Fatalf("entry %d = %+v, want username %s rank %d", i, top[i], want, i+1)
		}
	}

	// Rank is consistent with TopK ordering for every listed user.
	for _, e := range top {
		r, ok, err := b.Rank(ctx, e.UserID)
		if err != nil || !ok || r != e.Rank {
			t.Fatalf("rank mismatch for %d: rank=%d ok=%v err=%v, topK says %d", e.UserID, r, ok, err, e.Rank)
		}
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	b, _, _ := newTestBoard(t)
	ctx := context.Background()

	_ = b.UpsertScore(ctx, 10, "xavier", 20)
	_ = b.UpsertScore(ctx, 11, "yann", 20)

	first, err := b.TopK(ctx, 2)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	for i := 0; i < 5; i++ {
		// Re-upserting identical scores must not reshuffle the order.
		_ = b.UpsertScore(ctx, 10, "xavier", 20)
		again, err := b.TopK(ctx, 2)
		if err != nil {
			t.Fatalf("topk: %v", err)
		}
		if again[0].UserID != first[0].UserID || again[1].UserID != first[1].UserID {
			t.Fatalf("tie order changed: %v vs %v", again, first)
		}
	}
}

func TestRankAbsentUser(t *testing.T) {
	b, _, _ := newTestBoard(t)
	ctx := context.Background()

	_, ok, err := b.Rank(ctx, 404)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if ok {
		t.Fatalf("expected absent user to report no rank")
	}
	entry, err := b.UserEntry(ctx, 404)
	if err != nil || entry != nil {
		t.Fatalf("expected nil entry for absent user, got %+v err=%v", entry, err)
	}
}

func TestSnapshotCacheInvalidatedByUpsert(t *testing.T) {
	b, _, mr := newTestBoard(t)
	ctx := context.Background()

	_ = b.UpsertScore(ctx, 1, "alice", 5)
	if _, err := b.TopK(ctx, 10); err != nil {
		t.Fatalf("topk: %v", err)
	}
	if !mr.Exists("leaderboard:cache:top:10") {
		t.Fatalf("expected snapshot cache to be populated")
	}

	_ = b.UpsertScore(ctx, 2, "bob", 9)
	if mr.Exists("leaderboard:cache:top:10") {
		t.Fatalf("expected upsert to invalidate the snapshot cache")
	}

	top, err := b.TopK(ctx, 10)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	if top[0].Username != "bob" {
		t.Fatalf("stale top-K after upsert: %+v", top)
	}
}

func TestUsernameBackfillFromDurableStore(t *testing.T) {
	b, repo, mr := newTestBoard(t)
	ctx := context.Background()
	u := storage.SeedUser(repo, &domain.UserAccount{Username: "frank", Score: 12})

	// Score present in the index, lookaside hash wiped.
	_ = b.UpsertScore(ctx, u.ID, u.Username, u.Score)
	mr.Del("leaderboard:user:" + strconv.FormatInt(u.ID, 10))

	top, err := b.TopK(ctx, 5)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	if len(top) != 1 || top[0].Username != "frank" {
		t.Fatalf("expected username backfilled from durable store, got %+v", top)
	}
}

func TestColdStartRebuild(t *testing.T) {
	b, repo, _ := newTestBoard(t)
	ctx := context.Background()
	storage.SeedUser(repo, &domain.UserAccount{Username: "gina", Score: 40})
	storage.SeedUser(repo, &domain.UserAccount{Username: "hugo", Score: 60})

	// Empty index: TopK repopulates from the durable store.
	top, err := b.TopK(ctx, 10)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	if len(top) != 2 || top[0].Username != "hugo" || top[1].Username != "gina" {
		t.Fatalf("unexpected rebuilt leaderboard: %+v", top)
	}
	size, _ := b.Size(ctx)
	if size != 2 {
		t.Fatalf("expected index size 2, got %d", size)
	}

	// Rebuild is idempotent.
	n, err := b.Rebuild(ctx)
	if err != nil || n != 2 {
		t.Fatalf("rebuild: n=%d err=%v", n, err)
	}
	if size, _ = b.Size(ctx); size != 2 {
		t.Fatalf("rebuild duplicated members: size %d", size)
	}
}

func TestRemove(t *testing.T) {
	b, _, _ := newTestBoard(t)
	ctx := context.Background()

	_ = b.UpsertScore(ctx, 1, "alice", 5)
	_ = b.UpsertScore(ctx, 2, "bob", 7)
	if err := b.Remove(ctx, 2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := b.Rank(ctx, 2); ok {
		t.Fatalf("expected removed user to be unranked")
	}
	size, _ := b.Size(ctx)
	if size != 1 {
		t.Fatalf("expected size 1 after removal, got %d", size)
	}
}
