package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/jsong-kr/numgame/internal/domain"
)

// ErrVersionConflict is returned when an optimistic write loses the
// version race: the row moved between read and write.
var ErrVersionConflict = errors.New("user row version conflict")

// Repository is the durable store consumed by the game core. Lookups
// return (nil, nil) when the record does not exist.
type Repository interface {
	GetUser(ctx context.Context, id int64) (*domain.UserAccount, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	SaveUser(ctx context.Context, u *domain.UserAccount) error
	// SaveUsersBatch persists the given accounts in one transaction with a
	// per-row version compare-and-swap. It returns the IDs that were
	// actually written; rows losing the version race are silently omitted.
	SaveUsersBatch(ctx context.Context, users []*domain.UserAccount) ([]int64, error)
	InsertGameRound(ctx context.Context, r *domain.GameRound) (int64, error)
	GetGameRounds(ctx context.Context, userID int64, limit int) ([]*domain.GameRound, error)
	InsertTransaction(ctx context.Context, t *domain.Transaction) (int64, error)
	CountUsersWithScoreGreaterThan(ctx context.Context, score int) (int64, error)
	ListUsersByScoreDesc(ctx context.Context) ([]*domain.UserAccount, error)
}

type repository struct {
	db *sql.DB
}

// NewRepository opens a Postgres-backed repository and verifies the
// connection before returning it.
func NewRepository(databaseURL string) (Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &repository{db: db}, nil
}

const userColumns = `id, username, COALESCE(email, ''), score, turns, version, created_at, updated_at, COALESCE(last_login, created_at)`

func scanUser(row interface{ Scan(...any) error }) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Score, &u.Turns, &u.Version,
		&u.CreatedAt, &u.UpdatedAt, &u.LastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *repository) GetUser(ctx context.Context, id int64) (*domain.UserAccount, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *repository) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, username))
}

func (r *repository) SaveUser(ctx context.Context, u *domain.UserAccount) error {
	if u == nil {
		return fmt.Errorf("nil user payload")
	}
	const query = `
		UPDATE users
		SET score = $1, turns = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4`

	res, err := r.db.ExecContext(ctx, query, u.Score, u.Turns, u.ID, u.Version)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	u.Version++
	return nil
}

func (r *repository) SaveUsersBatch(ctx context.Context, users []*domain.UserAccount) ([]int64, error) {
	if len(users) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	const query = `
		UPDATE users
		SET score = $1, turns = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4`

	persisted := make([]int64, 0, len(users))
	for _, u := range users {
		if u == nil {
			continue
		}
		res, err := tx.ExecContext(ctx, query, u.Score, u.Turns, u.ID, u.Version)
		if err != nil {
			return nil, fmt.Errorf("batch update user %d: %w", u.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("batch update rows: %w", err)
		}
		if n > 0 {
			persisted = append(persisted, u.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return persisted, nil
}

func (r *repository) InsertGameRound(ctx context.Context, g *domain.GameRound) (int64, error) {
	if g == nil {
		return 0, fmt.Errorf("nil game round payload")
	}
	const query = `
		INSERT INTO game_history (user_id, guessed_number, actual_number, is_correct, score_earned, played_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	playedAt := g.PlayedAt
	if playedAt.IsZero() {
		playedAt = time.Now()
	}
	var id int64
	err := r.db.QueryRowContext(ctx, query,
		g.UserID, g.GuessedNumber, g.ActualNumber, g.IsCorrect, g.ScoreEarned, playedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert game round: %w", err)
	}
	return id, nil
}

func (r *repository) GetGameRounds(ctx context.Context, userID int64, limit int) ([]*domain.GameRound, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, user_id, guessed_number, actual_number, is_correct, score_earned, played_at
		FROM game_history
		WHERE user_id = $1
		ORDER BY played_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select game rounds: %w", err)
	}
	defer rows.Close()

	rounds := make([]*domain.GameRound, 0, limit)
	for rows.Next() {
		var g domain.GameRound
		if err := rows.Scan(&g.ID, &g.UserID, &g.GuessedNumber, &g.ActualNumber,
			&g.IsCorrect, &g.ScoreEarned, &g.PlayedAt); err != nil {
			return nil, fmt.Errorf("scan game round: %w", err)
		}
		rounds = append(rounds, &g)
	}
	return rounds, rows.Err()
}

func (r *repository) InsertTransaction(ctx context.Context, t *domain.Transaction) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("nil transaction payload")
	}
	const query = `
		INSERT INTO transactions (user_id, transaction_type, turns_added, amount_cents, payment_method, payment_status, transaction_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		t.UserID, t.Type, t.TurnsAdded, t.AmountCents, t.PaymentMethod, t.PaymentStatus, t.Ref,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}

func (r *repository) CountUsersWithScoreGreaterThan(ctx context.Context, score int) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE score > $1`, score).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (r *repository) ListUsersByScoreDesc(ctx context.Context) ([]*domain.UserAccount, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY score DESC, username ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []*domain.UserAccount
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
