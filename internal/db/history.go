package db

import (
	"context"
	"fmt"
	"time"
)

// History actions
const (
	ActionAutoExpired    = "auto_expired"
	ActionDisputedHidden = "disputed_hidden"
	ActionFixedByReports = "fixed_by_reports"
	ActionStatusChange   = "status_change"
)

// HistoryEntry is one append-only record of an obstacle status transition.
type HistoryEntry struct {
	ID         int64     `json:"history_id"`
	ObstacleID string    `json:"obstacle_id"`
	Action     string    `json:"action"`
	OldStatus  *string   `json:"old_status"`
	NewStatus  *string   `json:"new_status"`
	CreatedAt  time.Time `json:"created_at"`
}

// ObstacleHistory returns an obstacle's history, oldest first.
func (db *DB) ObstacleHistory(ctx context.Context, obstacleID string) ([]*HistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT history_id, obstacle_id, action, old_status, new_status, created_at
		FROM obstacle_history
		WHERE obstacle_id = ?
		ORDER BY history_id`,
		obstacleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ObstacleID, &e.Action, &e.OldStatus, &e.NewStatus, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
