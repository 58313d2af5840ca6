package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/banshee-data/hazard.report/internal/geohash"
)

// HashPrecision is the precision obstacles are stored at (~4.8m cells).
// Cluster queries truncate this stored hash to the precision for their zoom.
const HashPrecision = 9

// Obstacle types
const (
	TypeSpeedbump        = "speedbump"
	TypePothole          = "pothole"
	TypeConstruction     = "construction"
	TypeSteepGrade       = "steep_grade"
	TypeRailroadCrossing = "railroad_crossing"
)

// ValidObstacleTypes contains all valid obstacle type values
var ValidObstacleTypes = []string{
	TypeSpeedbump, TypePothole, TypeConstruction, TypeSteepGrade, TypeRailroadCrossing,
}

// IsValidObstacleType checks if the given type is a known obstacle type
func IsValidObstacleType(t string) bool {
	for _, v := range ValidObstacleTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Obstacle statuses
const (
	StatusActive   = "active"
	StatusFixed    = "fixed"
	StatusDisputed = "disputed"
)

// Obstacle is a reported road condition. ConfidenceScore is always the
// output of the confidence formula over the current counters; it is never
// hand-edited.
type Obstacle struct {
	ID                 string    `json:"id"`
	Type               string    `json:"obstacle_type"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Severity           string    `json:"severity"`
	Status             string    `json:"status"`
	ConfidenceScore    int       `json:"confidence_score"`
	ConfirmationsCount int       `json:"confirmations_count"`
	DisputesCount      int       `json:"disputes_count"`
	SpatialHash        string    `json:"spatial_hash"`
	MunicipalConfirmed bool      `json:"municipal_confirmed"`
	CreatedBy          *string   `json:"created_by"`
	CreatedAt          time.Time `json:"created_at"`
	LastConfirmedAt    time.Time `json:"last_confirmed_at"`
}

const obstacleColumns = `
	id, obstacle_type, latitude, longitude, severity, status,
	confidence_score, confirmations_count, disputes_count, spatial_hash,
	municipal_confirmed, created_by, created_at, last_confirmed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObstacle(row rowScanner) (*Obstacle, error) {
	var o Obstacle
	var municipalInt int
	var createdAt, lastConfirmedAt int64

	err := row.Scan(
		&o.ID,
		&o.Type,
		&o.Latitude,
		&o.Longitude,
		&o.Severity,
		&o.Status,
		&o.ConfidenceScore,
		&o.ConfirmationsCount,
		&o.DisputesCount,
		&o.SpatialHash,
		&municipalInt,
		&o.CreatedBy,
		&createdAt,
		&lastConfirmedAt,
	)
	if err != nil {
		return nil, err
	}

	o.MunicipalConfirmed = municipalInt != 0
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.LastConfirmedAt = time.Unix(lastConfirmedAt, 0).UTC()
	return &o, nil
}

// CreateObstacle inserts a new obstacle, assigning its ID and spatial hash.
// LastConfirmedAt defaults to CreatedAt.
func (db *DB) CreateObstacle(ctx context.Context, o *Obstacle) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Severity == "" {
		o.Severity = "medium"
	}
	if o.Status == "" {
		o.Status = StatusActive
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.LastConfirmedAt.IsZero() {
		o.LastConfirmedAt = o.CreatedAt
	}
	o.SpatialHash = geohash.Encode(o.Latitude, o.Longitude, HashPrecision)

	municipalInt := 0
	if o.MunicipalConfirmed {
		municipalInt = 1
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO obstacles (
			id, obstacle_type, latitude, longitude, severity, status,
			confidence_score, confirmations_count, disputes_count, spatial_hash,
			municipal_confirmed, created_by, created_at, last_confirmed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Type, o.Latitude, o.Longitude, o.Severity, o.Status,
		o.ConfidenceScore, o.ConfirmationsCount, o.DisputesCount, o.SpatialHash,
		municipalInt, o.CreatedBy, o.CreatedAt.Unix(), o.LastConfirmedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create obstacle: %w", err)
	}
	return nil
}

// GetObstacle retrieves an obstacle by ID. Returns ErrNotFound if absent.
func (db *DB) GetObstacle(ctx context.Context, id string) (*Obstacle, error) {
	row := db.QueryRowContext(ctx, `SELECT`+obstacleColumns+` FROM obstacles WHERE id = ?`, id)
	o, err := scanObstacle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("obstacle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get obstacle: %w", err)
	}
	return o, nil
}

// SetConfidence persists a recomputed confidence score.
func (db *DB) SetConfidence(ctx context.Context, id string, score int) error {
	result, err := db.ExecContext(ctx,
		`UPDATE obstacles SET confidence_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("failed to set confidence: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("obstacle %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementConfirmations bumps confirmations_count and stamps
// last_confirmed_at in one statement.
func (db *DB) IncrementConfirmations(ctx context.Context, id string, now time.Time) error {
	result, err := db.ExecContext(ctx, `
		UPDATE obstacles
		SET confirmations_count = confirmations_count + 1, last_confirmed_at = ?
		WHERE id = ?`,
		now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to increment confirmations: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("obstacle %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementDisputes bumps disputes_count. Disputes do not touch
// last_confirmed_at.
func (db *DB) IncrementDisputes(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE obstacles SET disputes_count = disputes_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment disputes: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("obstacle %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetStatus transitions an obstacle's status and appends an obstacle_history
// row in the same transaction.
func (db *DB) SetStatus(ctx context.Context, id, action, oldStatus, newStatus string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE obstacles SET status = ? WHERE id = ? AND status = ?`,
		newStatus, id, oldStatus)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// either the obstacle is gone or another writer transitioned it first
		return fmt.Errorf("obstacle %s not in status %s: %w", id, oldStatus, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO obstacle_history (obstacle_id, action, old_status, new_status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, action, oldStatus, newStatus, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	return tx.Commit()
}

// Bounds is a latitude/longitude bounding box.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// Valid reports whether the bounds describe a non-empty box in range.
func (b Bounds) Valid() bool {
	return b.MinLat < b.MaxLat && b.MinLng < b.MaxLng &&
		b.MinLat >= -90 && b.MaxLat <= 90 &&
		b.MinLng >= -180 && b.MaxLng <= 180
}

// QueryOptions filter obstacle reads. Zero values mean "no filter" except
// MinConfidence, which callers usually set to the hide threshold.
type QueryOptions struct {
	MinConfidence int
	Types         []string
	Severity      string
}

// ObstaclesInBounds returns active obstacles inside the box that pass the
// filters.
func (db *DB) ObstaclesInBounds(ctx context.Context, b Bounds, opts QueryOptions) ([]*Obstacle, error) {
	query := `SELECT` + obstacleColumns + `
		FROM obstacles
		WHERE status = ?
		  AND latitude BETWEEN ? AND ?
		  AND longitude BETWEEN ? AND ?
		  AND confidence_score >= ?`
	args := []any{StatusActive, b.MinLat, b.MaxLat, b.MinLng, b.MaxLng, opts.MinConfidence}

	if len(opts.Types) > 0 {
		query += ` AND obstacle_type IN (?` + strings.Repeat(", ?", len(opts.Types)-1) + `)`
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	if opts.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, opts.Severity)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obstacles in bounds: %w", err)
	}
	defer rows.Close()

	return collectObstacles(rows)
}

// ObstaclesByHashPrefix returns up to limit active obstacles whose stored
// spatial hash starts with prefix, ordered by confidence then recency. Used
// for cluster drill-down.
func (db *DB) ObstaclesByHashPrefix(ctx context.Context, prefix string, opts QueryOptions, limit int) ([]*Obstacle, error) {
	query := `SELECT` + obstacleColumns + `
		FROM obstacles
		WHERE status = ?
		  AND spatial_hash LIKE ?
		  AND confidence_score >= ?`
	args := []any{StatusActive, prefix + "%", opts.MinConfidence}

	if len(opts.Types) > 0 {
		query += ` AND obstacle_type IN (?` + strings.Repeat(", ?", len(opts.Types)-1) + `)`
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	if opts.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, opts.Severity)
	}

	query += ` ORDER BY confidence_score DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obstacles by prefix: %w", err)
	}
	defer rows.Close()

	return collectObstacles(rows)
}

// ActiveObstaclesPage returns active obstacles with id > afterID, ordered by
// id, up to limit rows. Keyset pagination for the decay scheduler: bounded
// memory regardless of the size of the active set.
func (db *DB) ActiveObstaclesPage(ctx context.Context, afterID string, limit int) ([]*Obstacle, error) {
	rows, err := db.QueryContext(ctx, `SELECT`+obstacleColumns+`
		FROM obstacles
		WHERE status = ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		StatusActive, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page active obstacles: %w", err)
	}
	defer rows.Close()

	return collectObstacles(rows)
}

// NearestActiveObstacle finds the closest active obstacle of the given type
// within radiusMeters of the point, or ErrNotFound. The write path uses this
// to attach confirmations to an existing obstacle instead of minting a
// duplicate.
func (db *DB) NearestActiveObstacle(ctx context.Context, lat, lng, radiusMeters float64, obstacleType string) (*Obstacle, error) {
	b := boundsAround(lat, lng, radiusMeters)

	rows, err := db.QueryContext(ctx, `SELECT`+obstacleColumns+`
		FROM obstacles
		WHERE status = ?
		  AND obstacle_type = ?
		  AND latitude BETWEEN ? AND ?
		  AND longitude BETWEEN ? AND ?`,
		StatusActive, obstacleType, b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby obstacles: %w", err)
	}
	defer rows.Close()

	candidates, err := collectObstacles(rows)
	if err != nil {
		return nil, err
	}

	point := orb.Point{lng, lat}
	var nearest *Obstacle
	best := radiusMeters
	for _, o := range candidates {
		d := geo.Distance(point, orb.Point{o.Longitude, o.Latitude})
		if d <= best {
			best = d
			nearest = o
		}
	}
	if nearest == nil {
		return nil, fmt.Errorf("no active %s within %.0fm: %w", obstacleType, radiusMeters, ErrNotFound)
	}
	return nearest, nil
}

// DeleteObstacle hard-deletes an obstacle with its reports and history.
// Admin-only; expiration never deletes.
func (db *DB) DeleteObstacle(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE obstacle_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete reports: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM obstacle_history WHERE obstacle_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM obstacles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete obstacle: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("obstacle %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

func collectObstacles(rows *sql.Rows) ([]*Obstacle, error) {
	var obstacles []*Obstacle
	for rows.Next() {
		o, err := scanObstacle(rows)
		if err != nil {
			return nil, err
		}
		obstacles = append(obstacles, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return obstacles, nil
}

// boundsAround returns a bounding box radiusMeters around a point, used as a
// cheap prefilter before exact distance checks.
func boundsAround(lat, lng, radiusMeters float64) Bounds {
	latDelta := radiusMeters / 111320.0
	lngDelta := latDelta
	if cosLat := math.Cos(lat * math.Pi / 180); cosLat > 0.01 {
		lngDelta = radiusMeters / (111320.0 * cosLat)
	}
	return Bounds{
		MinLat: lat - latDelta,
		MaxLat: lat + latDelta,
		MinLng: lng - lngDelta,
		MaxLng: lng + lngDelta,
	}
}
