package route

import (
	"context"
	"os"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/units"
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

func addObstacle(t *testing.T, database *db.DB, severity string, lat, lng float64) *db.Obstacle {
	t.Helper()
	o := &db.Obstacle{Type: db.TypePothole, Severity: severity, Latitude: lat, Longitude: lng}
	require.NoError(t, database.CreateObstacle(context.Background(), o))
	return o
}

func mkObstacle(severity string) *db.Obstacle {
	return &db.Obstacle{Severity: severity}
}

// a ~1.1km straight segment north along a San Francisco street
var testLine = orb.LineString{{-122.4194, 37.7749}, {-122.4194, 37.7849}}

func TestSmoothnessScoreDeductions(t *testing.T) {
	assert.Equal(t, 100, SmoothnessScore(nil))

	obstacles := []*db.Obstacle{
		mkObstacle(units.SeverityHigh),
		mkObstacle(units.SeverityHigh),
		mkObstacle(units.SeverityMedium),
		mkObstacle(units.SeverityLow),
	}
	assert.Equal(t, 73, SmoothnessScore(obstacles)) // 100 - 20 - 5 - 2

	// score floors at zero
	var many []*db.Obstacle
	for i := 0; i < 15; i++ {
		many = append(many, mkObstacle(units.SeverityHigh))
	}
	assert.Equal(t, 0, SmoothnessScore(many))
}

func TestObstaclesAlongRouteBuffer(t *testing.T) {
	database := setupTestDB(t)
	s := NewScorer(database)
	ctx := context.Background()

	onLine := addObstacle(t, database, units.SeverityHigh, 37.7800, -122.4194)
	// ~30m east of the line
	nearLine := addObstacle(t, database, units.SeverityLow, 37.7800, -122.41906)
	// ~200m east of the line
	addObstacle(t, database, units.SeverityHigh, 37.7800, -122.4171)

	got, err := s.ObstaclesAlongRoute(ctx, testLine, db.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := []string{got[0].ID, got[1].ID}
	assert.Contains(t, ids, onLine.ID)
	assert.Contains(t, ids, nearLine.ID)
}

func TestScoreVariants(t *testing.T) {
	database := setupTestDB(t)
	s := NewScorer(database)
	ctx := context.Background()

	addObstacle(t, database, units.SeverityHigh, 37.7800, -122.4194)
	addObstacle(t, database, units.SeverityMedium, 37.7820, -122.4194)
	addObstacle(t, database, units.SeverityLow, 37.7840, -122.4194)

	variants, err := s.ScoreVariants(ctx, testLine, nil, db.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, variants, 3)

	byName := map[string]ScoredRoute{}
	for _, v := range variants {
		byName[v.Variant] = v
	}

	smooth := byName[VariantSmooth]
	assert.Equal(t, 83, smooth.SmoothnessScore) // 100 - 10 - 5 - 2
	assert.Equal(t, 3, smooth.ObstacleCount)
	assert.InDelta(t, 1110, smooth.DistanceMeters, 20)

	standard := byName[VariantStandard]
	assert.Equal(t, 90, standard.SmoothnessScore) // high severity only
	assert.Equal(t, 1, standard.ObstacleCount)

	fastest := byName[VariantFastest]
	assert.Equal(t, 100, fastest.SmoothnessScore)
	assert.Equal(t, 0, fastest.ObstacleCount)
}

func TestClearanceFiltering(t *testing.T) {
	obstacles := []*db.Obstacle{
		mkObstacle(units.SeverityHigh),
		mkObstacle(units.SeverityLow),
		mkObstacle(units.SeverityLow),
	}

	// 7in of clearance rolls over the low-severity obstacles
	kept := FilterByClearance(obstacles, &VehicleProfile{GroundClearanceIn: 7})
	require.Len(t, kept, 1)
	assert.Equal(t, units.SeverityHigh, kept[0].Severity)

	// 4in keeps everything
	kept = FilterByClearance(obstacles, &VehicleProfile{GroundClearanceIn: 4})
	assert.Len(t, kept, 3)

	// no profile means conservative scoring
	assert.Len(t, FilterByClearance(obstacles, nil), 3)
}

func TestScoreVariantsWithClearance(t *testing.T) {
	database := setupTestDB(t)
	s := NewScorer(database)
	ctx := context.Background()

	addObstacle(t, database, units.SeverityLow, 37.7800, -122.4194)
	addObstacle(t, database, units.SeverityLow, 37.7820, -122.4194)

	tall, err := s.ScoreVariants(ctx, testLine, &VehicleProfile{GroundClearanceIn: 7}, db.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 100, tall[0].SmoothnessScore)
	assert.Equal(t, 0, tall[0].ObstacleCount)

	low, err := s.ScoreVariants(ctx, testLine, &VehicleProfile{GroundClearanceIn: 4}, db.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 96, low[0].SmoothnessScore)
	assert.Equal(t, 2, low[0].ObstacleCount)
}

func TestDetourMetrics(t *testing.T) {
	d := DetourMetrics(1000, 1125)
	assert.Equal(t, 125.0, d.Meters)
	assert.Equal(t, 12.5, d.Percentage)

	// shorter alternative is not a detour
	d = DetourMetrics(1000, 900)
	assert.Equal(t, 0.0, d.Meters)
	assert.Equal(t, 0.0, d.Percentage)

	// degenerate base
	d = DetourMetrics(0, 500)
	assert.Equal(t, 500.0, d.Meters)
	assert.Equal(t, 0.0, d.Percentage)

	// rounding to one decimal
	d = DetourMetrics(3000, 3100)
	assert.Equal(t, 3.3, d.Percentage)
}

func TestLength(t *testing.T) {
	assert.Equal(t, 0.0, Length(orb.LineString{{-122.4194, 37.7749}}))
	assert.InDelta(t, 1110, Length(testLine), 20)
}

func TestObstaclesAlongRouteEmptyLine(t *testing.T) {
	database := setupTestDB(t)
	s := NewScorer(database)

	got, err := s.ObstaclesAlongRoute(context.Background(), orb.LineString{{-122.4194, 37.7749}}, db.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
