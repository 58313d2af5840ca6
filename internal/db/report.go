package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Report types
const (
	ReportNew     = "new"
	ReportConfirm = "confirm"
	ReportFixed   = "fixed"
	ReportDispute = "dispute"
)

// MaxReportPhotos caps the photo URIs attached to a single report.
const MaxReportPhotos = 3

// Report is a single user submission about an obstacle. Rows are immutable
// once created except description/photos (owner or admin edits). A user holds
// at most one confirm and one dispute per obstacle; the unique index enforces
// it and callers treat the constraint violation as a no-op duplicate.
type Report struct {
	ID          string    `json:"id"`
	ObstacleID  string    `json:"obstacle_id"`
	UserID      string    `json:"user_id"`
	Type        string    `json:"report_type"`
	Severity    *string   `json:"severity"`
	Description *string   `json:"description"`
	PhotoURLs   []string  `json:"photo_urls"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateReport inserts a report, assigning its ID.
func (db *DB) CreateReport(ctx context.Context, r *Report) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if len(r.PhotoURLs) > MaxReportPhotos {
		return fmt.Errorf("report carries %d photos, max %d", len(r.PhotoURLs), MaxReportPhotos)
	}

	var photos *string
	if len(r.PhotoURLs) > 0 {
		encoded, err := json.Marshal(r.PhotoURLs)
		if err != nil {
			return fmt.Errorf("failed to encode photo urls: %w", err)
		}
		p := string(encoded)
		photos = &p
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO reports (
			id, obstacle_id, user_id, report_type, severity, description,
			photo_urls, latitude, longitude, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ObstacleID, r.UserID, r.Type, r.Severity, r.Description,
		photos, r.Latitude, r.Longitude, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

// ReportsForObstacle returns all reports filed against an obstacle, oldest
// first.
func (db *DB) ReportsForObstacle(ctx context.Context, obstacleID string) ([]*Report, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, obstacle_id, user_id, report_type, severity, description,
		       photo_urls, latitude, longitude, created_at
		FROM reports
		WHERE obstacle_id = ?
		ORDER BY created_at`,
		obstacleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}

func scanReport(rows *sql.Rows) (*Report, error) {
	var r Report
	var photos *string
	var createdAt int64

	if err := rows.Scan(
		&r.ID, &r.ObstacleID, &r.UserID, &r.Type, &r.Severity, &r.Description,
		&photos, &r.Latitude, &r.Longitude, &createdAt,
	); err != nil {
		return nil, err
	}
	if photos != nil {
		if err := json.Unmarshal([]byte(*photos), &r.PhotoURLs); err != nil {
			return nil, fmt.Errorf("report %s has malformed photo urls: %w", r.ID, err)
		}
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

// AvgReporterTrust returns the mean trust score of users who filed a "new"
// or "confirm" report on the obstacle. found is false when no such reporters
// exist. Dispute and fixed reporters are deliberately excluded from the
// average.
func (db *DB) AvgReporterTrust(ctx context.Context, obstacleID string) (avg float64, found bool, err error) {
	var result sql.NullFloat64
	err = db.QueryRowContext(ctx, `
		SELECT AVG(u.trust_score)
		FROM reports r
		JOIN users u ON u.id = r.user_id
		WHERE r.obstacle_id = ? AND r.report_type IN (?, ?)`,
		obstacleID, ReportNew, ReportConfirm).Scan(&result)
	if err != nil {
		return 0, false, fmt.Errorf("failed to average reporter trust: %w", err)
	}
	if !result.Valid {
		return 0, false, nil
	}
	return result.Float64, true, nil
}

// ObstacleHasPhoto reports whether any report on the obstacle carries at
// least one photo.
func (db *DB) ObstacleHasPhoto(ctx context.Context, obstacleID string) (bool, error) {
	var exists int
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reports
			WHERE obstacle_id = ? AND photo_urls IS NOT NULL AND photo_urls != '[]'
		)`,
		obstacleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for photos: %w", err)
	}
	return exists != 0, nil
}

// CountFixedReports counts distinct users who reported the obstacle fixed.
func (db *DB) CountFixedReports(ctx context.Context, obstacleID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM reports
		WHERE obstacle_id = ? AND report_type = ?`,
		obstacleID, ReportFixed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fixed reports: %w", err)
	}
	return count, nil
}

// CountUserReportsSince counts reports the user filed at or after since.
// Fallback path for the rapid-reporting heuristic when the counter store is
// down.
func (db *DB) CountUserReportsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reports
		WHERE user_id = ? AND created_at >= ?`,
		userID, since.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user reports: %w", err)
	}
	return count, nil
}

// CountUserReportsNear counts reports the user filed within radiusMeters of
// the point at or after since.
func (db *DB) CountUserReportsNear(ctx context.Context, userID string, lat, lng, radiusMeters float64, since time.Time) (int, error) {
	b := boundsAround(lat, lng, radiusMeters)

	rows, err := db.QueryContext(ctx, `
		SELECT latitude, longitude FROM reports
		WHERE user_id = ?
		  AND created_at >= ?
		  AND latitude BETWEEN ? AND ?
		  AND longitude BETWEEN ? AND ?`,
		userID, since.Unix(), b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
	if err != nil {
		return 0, fmt.Errorf("failed to query nearby reports: %w", err)
	}
	defer rows.Close()

	point := orb.Point{lng, lat}
	count := 0
	for rows.Next() {
		var rlat, rlng float64
		if err := rows.Scan(&rlat, &rlng); err != nil {
			return 0, err
		}
		if geo.Distance(point, orb.Point{rlng, rlat}) <= radiusMeters {
			count++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

// HasDuplicateReport reports whether the user already filed a report of the
// same obstacle type within radiusMeters of the point at or after since.
func (db *DB) HasDuplicateReport(ctx context.Context, userID, obstacleType string, lat, lng, radiusMeters float64, since time.Time) (bool, error) {
	b := boundsAround(lat, lng, radiusMeters)

	rows, err := db.QueryContext(ctx, `
		SELECT r.latitude, r.longitude
		FROM reports r
		JOIN obstacles o ON o.id = r.obstacle_id
		WHERE r.user_id = ?
		  AND o.obstacle_type = ?
		  AND r.created_at >= ?
		  AND r.latitude BETWEEN ? AND ?
		  AND r.longitude BETWEEN ? AND ?`,
		userID, obstacleType, since.Unix(), b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
	if err != nil {
		return false, fmt.Errorf("failed to query duplicate reports: %w", err)
	}
	defer rows.Close()

	point := orb.Point{lng, lat}
	for rows.Next() {
		var rlat, rlng float64
		if err := rows.Scan(&rlat, &rlng); err != nil {
			return false, err
		}
		if geo.Distance(point, orb.Point{rlng, rlat}) <= radiusMeters {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// UserReportActivity summarizes a user's reporting over a trailing window:
// total reports and the count of distinct minutes that saw at least one
// report. The spam score uses the ratio to spot bursts.
func (db *DB) UserReportActivity(ctx context.Context, userID string, since time.Time) (total, activeMinutes int, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT created_at / 60)
		FROM reports
		WHERE user_id = ? AND created_at >= ?`,
		userID, since.Unix()).Scan(&total, &activeMinutes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to summarize user activity: %w", err)
	}
	return total, activeMinutes, nil
}

// UpdateReportContent edits a report's description and photos. Only the
// report owner or an admin may call this; everything else on a report is
// immutable.
func (db *DB) UpdateReportContent(ctx context.Context, id string, description *string, photoURLs []string) error {
	if len(photoURLs) > MaxReportPhotos {
		return fmt.Errorf("report carries %d photos, max %d", len(photoURLs), MaxReportPhotos)
	}

	var photos *string
	if len(photoURLs) > 0 {
		encoded, err := json.Marshal(photoURLs)
		if err != nil {
			return fmt.Errorf("failed to encode photo urls: %w", err)
		}
		p := string(encoded)
		photos = &p
	}

	result, err := db.ExecContext(ctx,
		`UPDATE reports SET description = ?, photo_urls = ? WHERE id = ?`,
		description, photos, id)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return nil
}
