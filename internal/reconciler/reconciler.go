package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jsong-kr/numgame/internal/domain"
	"github.com/jsong-kr/numgame/internal/events"
	"github.com/jsong-kr/numgame/internal/hotstate"
	"github.com/jsong-kr/numgame/internal/obslog"
	"github.com/jsong-kr/numgame/internal/storage"
)

// DurableStore is the slice of the repository the reconciler writes to.
type DurableStore interface {
	GetUser(ctx context.Context, id int64) (*domain.UserAccount, error)
	SaveUser(ctx context.Context, u *domain.UserAccount) error
	SaveUsersBatch(ctx context.Context, users []*domain.UserAccount) ([]int64, error)
}

// Reconciler drains the dirty set into durable storage: hot counters are
// read, merged into their durable rows and persisted in one batch. It
// deliberately does not take the per-user game lock; convergence, not
// serialization, is its contract.
type Reconciler struct {
	hot      *hotstate.Store
	store    DurableStore
	pub      events.Publisher
	interval time.Duration
}

func New(hot *hotstate.Store, store DurableStore, interval time.Duration) *Reconciler {
	return &Reconciler{hot: hot, store: store, pub: events.NewNopPublisher(), interval: interval}
}

// WithPublisher announces each persisted user on the user channel.
func (r *Reconciler) WithPublisher(pub events.Publisher) *Reconciler {
	r.pub = pub
	return r
}

// Run executes the periodic sync loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := r.SyncDirtyUsers(ctx)
			if err != nil {
				obslog.L().Error("batch_sync_failed", zap.Error(err))
				continue
			}
			obslog.L().Info("batch_sync_done",
				zap.Int("users", n),
				zap.Duration("took", time.Since(start)))
		}
	}
}

// SyncDirtyUsers snapshots the dirty set, merges hot values into durable
// rows and persists them in one batch. Markers are cleared only for rows
// confirmed written; a user whose durable record is gone is skipped and
// cleared so it is not retried forever. One bad record never aborts the
// batch.
func (r *Reconciler) SyncDirtyUsers(ctx context.Context) (int, error) {
	dirty, err := r.hot.DirtyUsers(ctx)
	if err != nil {
		return 0, err
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	batch := make([]*domain.UserAccount, 0, len(dirty))
	byID := make(map[int64]*domain.UserAccount, len(dirty))
	for _, userID := range dirty {
		u, err := r.collect(ctx, userID)
		if err != nil {
			obslog.L().Warn("sync_collect_failed", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		if u == nil {
			// Durable record deleted externally; nothing to converge to.
			obslog.L().Warn("sync_user_gone", zap.Int64("user_id", userID))
			if err := r.hot.ClearDirty(ctx, userID); err != nil {
				obslog.L().Warn("clear_dirty_failed", zap.Int64("user_id", userID), zap.Error(err))
			}
			continue
		}
		batch = append(batch, u)
		byID[userID] = u
	}
	if len(batch) == 0 {
		return 0, nil
	}

	persisted, err := r.store.SaveUsersBatch(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("persist batch: %w", err)
	}
	for _, id := range persisted {
		if err := r.hot.ClearDirty(ctx, id); err != nil {
			obslog.L().Warn("clear_dirty_failed", zap.Int64("user_id", id), zap.Error(err))
		}
		r.announce(ctx, byID[id])
	}
	if len(persisted) < len(batch) {
		obslog.L().Warn("sync_partial",
			zap.Int("attempted", len(batch)),
			zap.Int("persisted", len(persisted)))
	}
	return len(persisted), nil
}

// collect reads the user's hot counters and merges them into the durable
// row. Returns (nil, nil) when the durable record no longer exists.
func (r *Reconciler) collect(ctx context.Context, userID int64) (*domain.UserAccount, error) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	score, err := r.hot.GetScore(ctx, userID)
	if err != nil {
		return nil, err
	}
	turns, err := r.hot.GetTurns(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.Score = score
	u.Turns = turns
	return u, nil
}

// ForceSync flushes a single user synchronously, for callers that cannot
// wait for the next cycle. Version races are retried a few times before
// giving up.
func (r *Reconciler) ForceSync(ctx context.Context, userID int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		u, err := r.collect(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return r.hot.ClearDirty(ctx, userID)
		}
		err = r.store.SaveUser(ctx, u)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		if err := r.hot.ClearDirty(ctx, userID); err != nil {
			return err
		}
		r.announce(ctx, u)
		return nil
	}
	return storage.ErrVersionConflict
}

// announce publishes a sync notification; failures are logged only.
func (r *Reconciler) announce(ctx context.Context, u *domain.UserAccount) {
	if u == nil {
		return
	}
	ev := events.New(events.TypeUserSynced, u.ID, u.Username, map[string]any{
		"score": u.Score,
		"turns": u.Turns,
	})
	if err := r.pub.Publish(ctx, events.ClassUser, ev); err != nil {
		obslog.L().Warn("event_publish_failed", zap.String("event_type", ev.Type), zap.Error(err))
	}
}

// PendingCount reports how many users await reconciliation.
func (r *Reconciler) PendingCount(ctx context.Context) (int64, error) {
	return r.hot.DirtyCount(ctx)
}
