package decay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/score"
	"github.com/banshee-data/hazard.report/internal/timeutil"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	database, err := db.NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		_ = os.Remove(fname)
		_ = os.Remove(fname + "-shm")
		_ = os.Remove(fname + "-wal")
	})
	return database
}

func newTestWorker(t *testing.T, database *db.DB, clock *timeutil.MockClock) *Worker {
	t.Helper()
	return NewWorker(database, score.NewConfidenceEngine(database, clock), nil, clock)
}

func addObstacleAged(t *testing.T, database *db.DB, clock timeutil.Clock, age time.Duration) *db.Obstacle {
	t.Helper()
	o := &db.Obstacle{
		Type:      db.TypePothole,
		Latitude:  37.7749,
		Longitude: -122.4194,
		CreatedAt: clock.Now().Add(-age),
	}
	require.NoError(t, database.CreateObstacle(context.Background(), o))
	return o
}

type recordingInvalidator struct {
	points [][2]float64
}

func (r *recordingInvalidator) InvalidateCache(lat, lng float64) {
	r.points = append(r.points, [2]float64{lat, lng})
}

func TestRunOnceExpiresStaleObstacles(t *testing.T) {
	database := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))
	w := newTestWorker(t, database, clock)
	ctx := context.Background()

	stale := addObstacleAged(t, database, clock, 200*24*time.Hour)
	boundary := addObstacleAged(t, database, clock, 180*24*time.Hour)
	fresh := addObstacleAged(t, database, clock, 90*24*time.Hour)

	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 3, Decayed: 1, Expired: 2}, stats)

	for _, id := range []string{stale.ID, boundary.ID} {
		got, err := database.GetObstacle(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, db.StatusFixed, got.Status)

		history, err := database.ObstacleHistory(ctx, id)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, db.ActionAutoExpired, history[0].Action)
		assert.Equal(t, db.StatusActive, *history[0].OldStatus)
		assert.Equal(t, db.StatusFixed, *history[0].NewStatus)
	}

	got, err := database.GetObstacle(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, got.Status)
	// 90 days unconfirmed: 50 - 3 decay steps... 90/30=3 -> -15
	assert.Equal(t, 35, got.ConfidenceScore)
}

func TestRunOnceIdempotent(t *testing.T) {
	database := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))
	w := newTestWorker(t, database, clock)
	ctx := context.Background()

	stale := addObstacleAged(t, database, clock, 200*24*time.Hour)
	fresh := addObstacleAged(t, database, clock, 45*24*time.Hour)

	first, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 2, Decayed: 1, Expired: 1}, first)

	afterFirst, err := database.GetObstacle(ctx, fresh.ID)
	require.NoError(t, err)

	second, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Decayed: 1, Expired: 0}, second)

	afterSecond, err := database.GetObstacle(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, afterFirst.ConfidenceScore, afterSecond.ConfidenceScore)

	// the expired obstacle gained no second history record
	histories, err := database.ObstacleHistory(ctx, stale.ID)
	require.NoError(t, err)
	assert.Len(t, histories, 1)
}

func TestRunOncePaginates(t *testing.T) {
	database := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))
	w := newTestWorker(t, database, clock)
	w.BatchSize = 2

	for i := 0; i < 7; i++ {
		addObstacleAged(t, database, clock, time.Duration(i*40)*24*time.Hour)
	}

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Processed)
	assert.Equal(t, 2, stats.Expired) // the 200- and 240-day obstacles
	assert.Equal(t, 5, stats.Decayed)
}

func TestRunOnceInvalidatesExpiredLocations(t *testing.T) {
	database := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))
	inv := &recordingInvalidator{}
	w := NewWorker(database, score.NewConfidenceEngine(database, clock), inv, clock)

	addObstacleAged(t, database, clock, 200*24*time.Hour)
	addObstacleAged(t, database, clock, 10*24*time.Hour)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, inv.points, 1)
	assert.InDelta(t, 37.7749, inv.points[0][0], 0.0001)
}

func TestRunWithRetryBacksOff(t *testing.T) {
	database := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))
	w := newTestWorker(t, database, clock)

	database.Close()

	_, err := w.RunWithRetry(context.Background())
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, clock.Sleeps())
}

func TestStartStopTicks(t *testing.T) {
	database := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))
	w := newTestWorker(t, database, clock)

	addObstacleAged(t, database, clock, 200*24*time.Hour)

	w.Start()
	defer w.Stop()

	clock.Advance(w.Interval + time.Minute)

	// the tick is delivered asynchronously; wait for the run to land
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		obstacles, err := database.ActiveObstaclesPage(context.Background(), "", 10)
		require.NoError(t, err)
		if len(obstacles) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("decay run never expired the stale obstacle")
}
