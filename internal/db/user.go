package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is the trust aggregate for a reporter. reports_verified and
// reports_disputed count how often the user's own reports were later
// confirmed or disputed by someone else.
type User struct {
	ID              string    `json:"id"`
	TrustScore      int       `json:"trust_score"`
	ReportsVerified int       `json:"reports_verified"`
	ReportsDisputed int       `json:"reports_disputed"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateUser inserts a user with a neutral trust score.
func (db *DB) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.TrustScore == 0 {
		u.TrustScore = 50
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, trust_score, reports_verified, reports_disputed, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.TrustScore, u.ReportsVerified, u.ReportsDisputed, u.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID. Returns ErrNotFound if absent.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var createdAt int64

	err := db.QueryRowContext(ctx, `
		SELECT id, trust_score, reports_verified, reports_disputed, created_at
		FROM users WHERE id = ?`, id).Scan(
		&u.ID, &u.TrustScore, &u.ReportsVerified, &u.ReportsDisputed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// SetTrustScore persists a recomputed trust score.
func (db *DB) SetTrustScore(ctx context.Context, id string, score int) error {
	result, err := db.ExecContext(ctx,
		`UPDATE users SET trust_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("failed to set trust score: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementVerifiedReports bumps reports_verified.
func (db *DB) IncrementVerifiedReports(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE users SET reports_verified = reports_verified + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment verified reports: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementDisputedReports bumps reports_disputed.
func (db *DB) IncrementDisputedReports(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE users SET reports_disputed = reports_disputed + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment disputed reports: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}
