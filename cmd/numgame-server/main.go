package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/jsong-kr/numgame/internal/config"
	"github.com/jsong-kr/numgame/internal/engine"
	"github.com/jsong-kr/numgame/internal/events"
	"github.com/jsong-kr/numgame/internal/game"
	"github.com/jsong-kr/numgame/internal/hotstate"
	"github.com/jsong-kr/numgame/internal/httpapi"
	"github.com/jsong-kr/numgame/internal/leaderboard"
	"github.com/jsong-kr/numgame/internal/lock"
	"github.com/jsong-kr/numgame/internal/obslog"
	"github.com/jsong-kr/numgame/internal/reconciler"
	"github.com/jsong-kr/numgame/internal/storage"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("redis connect error: %v", err)
	}
	cancelPing()

	// Without DATABASE_URL the server runs on the in-memory store;
	// useful for local play, nothing survives a restart.
	var repo storage.Repository
	if cfg.DatabaseURL != "" {
		repo, err = storage.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connect error: %v", err)
		}
	} else {
		obslog.L().Warn("no_database_url", zap.String("fallback", "in-memory store"))
		repo = storage.NewMemoryRepository()
	}

	hot := hotstate.NewStore(rdb, repo, cfg.GameDataTTL, cfg.UserInfoTTL)
	locker := lock.New(rdb, cfg.LockTTL, cfg.LockRetries, cfg.LockRetryDelay)
	decider := engine.New(rdb, cfg.WinRate, cfg.StreakBonusRate, cfg.MaxLossStreak, cfg.LossStreakTTL)
	board := leaderboard.NewBoard(rdb, repo, cfg.LeaderboardCacheTTL)
	pub := events.NewRedisPublisher(rdb)
	svc := game.NewService(cfg, repo, hot, locker, decider, board, pub)
	sync := reconciler.New(hot, repo, cfg.SyncInterval).WithPublisher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cold start: rebuild the ranking index from the durable store when
	// Redis comes up empty.
	if size, err := board.Size(ctx); err == nil && size == 0 {
		if _, err := board.Rebuild(ctx); err != nil {
			obslog.L().Error("leaderboard_rebuild_failed", zap.Error(err))
		}
	}

	go sync.Run(ctx)

	srv := httpapi.New(svc, sync)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		obslog.L().Info("shutdown_signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			obslog.L().Fatal("server_failed", zap.Error(err))
		}
		return
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obslog.L().Warn("http_shutdown_failed", zap.Error(err))
	}

	// Flush pending counters so a clean shutdown loses nothing.
	if n, err := sync.SyncDirtyUsers(shutdownCtx); err != nil {
		obslog.L().Error("final_sync_failed", zap.Error(err))
	} else if n > 0 {
		obslog.L().Info("final_sync_done", zap.Int("users", n))
	}

	_ = rdb.Close()
}
