package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jsong-kr/numgame/internal/domain"
)

// memstore is an in-memory Repository used by tests and when no database
// is configured. It honors the same version CAS semantics as Postgres.
type memstore struct {
	mu sync.RWMutex

	nextUserID  int64
	nextRoundID int64
	nextTxnID   int64

	users  map[int64]*domain.UserAccount
	byName map[string]int64
	rounds map[int64][]*domain.GameRound
	txns   []*domain.Transaction
}

func NewMemoryRepository() Repository {
	return &memstore{
		users:  make(map[int64]*domain.UserAccount),
		byName: make(map[string]int64),
		rounds: make(map[int64][]*domain.GameRound),
	}
}

// SeedUser registers a user account, assigning an ID when absent. Only
// the memory implementation exposes this; production rows come from the
// account service.
func SeedUser(r Repository, u *domain.UserAccount) *domain.UserAccount {
	m, ok := r.(*memstore)
	if !ok || u == nil {
		return u
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextUserID++
		u.ID = m.nextUserID
	} else if u.ID > m.nextUserID {
		m.nextUserID = u.ID
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	m.users[u.ID] = &cp
	m.byName[u.Username] = u.ID
	return u
}

// DeleteUser removes a user row, simulating external deletion.
func DeleteUser(r Repository, id int64) {
	m, ok := r.(*memstore)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		delete(m.byName, u.Username)
	}
	delete(m.users, id)
}

func (m *memstore) GetUser(ctx context.Context, id int64) (*domain.UserAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memstore) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[username]
	if !ok {
		return nil, nil
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *memstore) SaveUser(ctx context.Context, u *domain.UserAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.casLocked(u) {
		return ErrVersionConflict
	}
	return nil
}

func (m *memstore) SaveUsersBatch(ctx context.Context, users []*domain.UserAccount) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	persisted := make([]int64, 0, len(users))
	for _, u := range users {
		if u == nil {
			continue
		}
		if m.casLocked(u) {
			persisted = append(persisted, u.ID)
		}
	}
	return persisted, nil
}

// casLocked applies the write iff the stored version matches.
func (m *memstore) casLocked(u *domain.UserAccount) bool {
	cur, ok := m.users[u.ID]
	if !ok || cur.Version != u.Version {
		return false
	}
	cur.Score = u.Score
	cur.Turns = u.Turns
	cur.Version++
	cur.UpdatedAt = time.Now()
	u.Version = cur.Version
	return true
}

func (m *memstore) InsertGameRound(ctx context.Context, g *domain.GameRound) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRoundID++
	cp := *g
	cp.ID = m.nextRoundID
	if cp.PlayedAt.IsZero() {
		cp.PlayedAt = time.Now()
	}
	m.rounds[g.UserID] = append(m.rounds[g.UserID], &cp)
	return cp.ID, nil
}

func (m *memstore) GetGameRounds(ctx context.Context, userID int64, limit int) ([]*domain.GameRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.rounds[userID]
	items := append([]*domain.GameRound(nil), list...)
	sort.Slice(items, func(i, j int) bool {
		if !items[i].PlayedAt.Equal(items[j].PlayedAt) {
			return items[i].PlayedAt.After(items[j].PlayedAt)
		}
		return items[i].ID > items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memstore) InsertTransaction(ctx context.Context, t *domain.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxnID++
	cp := *t
	cp.ID = m.nextTxnID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.txns = append(m.txns, &cp)
	return cp.ID, nil
}

func (m *memstore) CountUsersWithScoreGreaterThan(ctx context.Context, score int) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, u := range m.users {
		if u.Score > score {
			n++
		}
	}
	return n, nil
}

func (m *memstore) ListUsersByScoreDesc(ctx context.Context) ([]*domain.UserAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]*domain.UserAccount, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Score != users[j].Score {
			return users[i].Score > users[j].Score
		}
		return users[i].Username < users[j].Username
	})
	return users, nil
}
