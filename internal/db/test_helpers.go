package db

import (
	"context"
	"os"
	"testing"
	"time"
)

func strPtr(s string) *string {
	return &s
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	db, err := NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	return db
}

func cleanupTestDB(t *testing.T, db *DB) {
	t.Helper()
	fname := t.Name() + ".db"
	db.Close()
	_ = os.Remove(fname)
	_ = os.Remove(fname + "-shm")
	_ = os.Remove(fname + "-wal")
}

// createTestObstacle inserts an active obstacle at the given point with
// sensible defaults and returns it.
func createTestObstacle(t *testing.T, db *DB, obstacleType string, lat, lng float64) *Obstacle {
	t.Helper()

	o := &Obstacle{
		Type:      obstacleType,
		Latitude:  lat,
		Longitude: lng,
		Severity:  "medium",
	}
	if err := db.CreateObstacle(context.Background(), o); err != nil {
		t.Fatalf("CreateObstacle failed: %v", err)
	}
	return o
}

// createTestUser inserts a user with the given trust score and returns it.
func createTestUser(t *testing.T, db *DB, trustScore int) *User {
	t.Helper()

	u := &User{TrustScore: trustScore}
	if err := db.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

// createTestReport inserts a report filed by userID against obstacle o at
// the obstacle's own coordinates.
func createTestReport(t *testing.T, db *DB, o *Obstacle, userID, reportType string, createdAt time.Time) *Report {
	t.Helper()

	r := &Report{
		ObstacleID: o.ID,
		UserID:     userID,
		Type:       reportType,
		Latitude:   o.Latitude,
		Longitude:  o.Longitude,
		CreatedAt:  createdAt,
	}
	if err := db.CreateReport(context.Background(), r); err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	return r
}
