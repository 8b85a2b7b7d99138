package httpapi

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/jsong-kr/numgame/internal/config"
	"github.com/jsong-kr/numgame/internal/domain"
	"github.com/jsong-kr/numgame/internal/engine"
	"github.com/jsong-kr/numgame/internal/events"
	"github.com/jsong-kr/numgame/internal/game"
	"github.com/jsong-kr/numgame/internal/hotstate"
	"github.com/jsong-kr/numgame/internal/leaderboard"
	"github.com/jsong-kr/numgame/internal/lock"
	"github.com/jsong-kr/numgame/internal/reconciler"
	"github.com/jsong-kr/numgame/internal/storage"
	"github.com/jsong-kr/numgame/pkg/gamedto"
)

func newTestServer(t *testing.T) (*Server, storage.Repository) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.AppConfig{
		MinNumber:           1,
		MaxNumber:           10,
		WinRate:             0.05,
		WinScore:            1,
		MaxLossStreak:       19,
		StreakBonusRate:     0.01,
		TurnsPerPurchase:    10,
		LockTTL:             5 * time.Second,
		LockRetries:         2,
		LockRetryDelay:      50 * time.Millisecond,
		GameDataTTL:         24 * time.Hour,
		UserInfoTTL:         time.Hour,
		LossStreakTTL:       24 * time.Hour,
		LeaderboardCacheTTL: time.Minute,
		SyncInterval:        5 * time.Minute,
	}
	repo := storage.NewMemoryRepository()
	hot := hotstate.NewStore(rdb, repo, cfg.GameDataTTL, cfg.UserInfoTTL)
	locker := lock.New(rdb, cfg.LockTTL, cfg.LockRetries, cfg.LockRetryDelay)
	board := leaderboard.NewBoard(rdb, repo, cfg.LeaderboardCacheTTL)
	dec := engine.New(rdb, cfg.WinRate, cfg.StreakBonusRate, cfg.MaxLossStreak, cfg.LossStreakTTL)
	svc := game.NewService(cfg, repo, hot, locker, dec, board, events.NewNopPublisher())
	sync := reconciler.New(hot, repo, cfg.SyncInterval)
	return New(svc, sync), repo
}

func doRequest(s *Server, method, uri, userID, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if body != "" {
		req.SetBodyString(body)
	}
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	s.route(&ctx)
	return &ctx
}

func TestGuessEndpoint(t *testing.T) {
	s, repo := newTestServer(t)
	u := storage.SeedUser(repo, &domain.UserAccount{Username: "player", Turns: 3})

	ctx := doRequest(s, fasthttp.MethodPost, "/api/game/guess",
		fmt.Sprintf("%d", u.ID), `{"number":7,"customRate":1.0}`)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var resp gamedto.GuessResponse
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Correct || resp.RemainingTurns != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGuessRequiresIdentity(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := doRequest(s, fasthttp.MethodPost, "/api/game/guess", "", `{"number":7}`)
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestGuessErrorMapping(t *testing.T) {
	s, repo := newTestServer(t)
	broke := storage.SeedUser(repo, &domain.UserAccount{Username: "broke", Turns: 0})

	ctx := doRequest(s, fasthttp.MethodPost, "/api/game/guess",
		fmt.Sprintf("%d", broke.ID), `{"number":7}`)
	if ctx.Response.StatusCode() != fasthttp.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", ctx.Response.StatusCode())
	}
	var derr gamedto.DomainError
	if err := json.Unmarshal(ctx.Response.Body(), &derr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if derr.Code != "INSUFFICIENT_TURNS" {
		t.Fatalf("unexpected code %q", derr.Code)
	}

	ctx = doRequest(s, fasthttp.MethodPost, "/api/game/guess", "999", `{"number":7}`)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", ctx.Response.StatusCode())
	}

	ctx = doRequest(s, fasthttp.MethodPost, "/api/game/guess",
		fmt.Sprintf("%d", broke.ID), `{"number":99}`)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range guess, got %d", ctx.Response.StatusCode())
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	s, repo := newTestServer(t)
	u := storage.SeedUser(repo, &domain.UserAccount{Username: "player", Turns: 5})

	ctx := doRequest(s, fasthttp.MethodPost, "/api/game/guess",
		fmt.Sprintf("%d", u.ID), `{"number":3,"customRate":1.0}`)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("guess failed: %s", ctx.Response.Body())
	}

	ctx = doRequest(s, fasthttp.MethodGet, "/api/leaderboard?limit=5", "", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var entries []gamedto.LeaderboardEntry
	if err := json.Unmarshal(ctx.Response.Body(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Username != "player" || entries[0].Score != 1 {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	ctx = doRequest(s, fasthttp.MethodGet, "/api/leaderboard?limit=0", "", "")
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", ctx.Response.StatusCode())
	}
}

func TestAdminSyncEndpoints(t *testing.T) {
	s, repo := newTestServer(t)
	u := storage.SeedUser(repo, &domain.UserAccount{Username: "player", Turns: 2})

	ctx := doRequest(s, fasthttp.MethodPost, "/api/game/guess",
		fmt.Sprintf("%d", u.ID), `{"number":3,"customRate":1.0}`)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("guess failed: %s", ctx.Response.Body())
	}

	ctx = doRequest(s, fasthttp.MethodGet, "/api/admin/sync/pending", "", "")
	var pending map[string]int64
	if err := json.Unmarshal(ctx.Response.Body(), &pending); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pending["pending"] != 1 {
		t.Fatalf("expected 1 pending user, got %d", pending["pending"])
	}

	ctx = doRequest(s, fasthttp.MethodPost, "/api/admin/sync", "", "")
	var synced map[string]int
	if err := json.Unmarshal(ctx.Response.Body(), &synced); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if synced["synced"] != 1 {
		t.Fatalf("expected 1 synced user, got %d", synced["synced"])
	}

	after, err := repo.GetUser(ctx, u.ID)
	if err != nil || after == nil {
		t.Fatalf("reload user: %v", err)
	}
	if after.Score != 1 || after.Turns != 1 {
		t.Fatalf("durable row not reconciled: %+v", after)
	}
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := doRequest(s, fasthttp.MethodGet, "/api/nope", "", "")
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}
