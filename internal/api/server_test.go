package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hazard.report/internal/cache"
	"github.com/banshee-data/hazard.report/internal/cluster"
	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/route"
	"github.com/banshee-data/hazard.report/internal/score"
	"github.com/banshee-data/hazard.report/internal/spam"
	"github.com/banshee-data/hazard.report/internal/timeutil"
)

type testEnv struct {
	db  *db.DB
	mux *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	database, err := db.NewDB(fname)
	require.NoError(t, err)
	t.Cleanup(func() {
		database.Close()
		_ = os.Remove(fname)
		_ = os.Remove(fname + "-shm")
		_ = os.Remove(fname + "-wal")
	})

	store, err := cache.NewBadgerStore(cache.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := timeutil.RealClock{}
	confidence := score.NewConfidenceEngine(database, clock)
	trust := score.NewTrustEngine(database, clock)
	detector := spam.NewDetector(database, store, clock)
	clusters := cluster.NewService(database, store)
	routes := route.NewScorer(database)

	srv := NewServer(database, confidence, trust, detector, clusters, routes)
	return &testEnv{db: database, mux: srv.ServeMux()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postReport(t *testing.T, req ReportRequest) (*httptest.ResponseRecorder, ReportResponse) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/reports", req)
	var resp ReportResponse
	if rec.Code == http.StatusCreated {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestSubmitNewReportCreatesObstacle(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.postReport(t, ReportRequest{
		UserID:       "alice",
		ObstacleType: db.TypePothole,
		Latitude:     37.7749,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.False(t, resp.Attached)
	assert.Equal(t, db.ReportNew, resp.ReportType)
	require.NotNil(t, resp.Obstacle)
	assert.Equal(t, db.TypePothole, resp.Obstacle.Type)
	assert.Equal(t, db.StatusActive, resp.Obstacle.Status)
	assert.Len(t, resp.Obstacle.SpatialHash, 9)

	// base 50 plus the trust term for one neutral reporter
	assert.Equal(t, 57, resp.Obstacle.ConfidenceScore)
	assert.Equal(t, "unverified", resp.ConfidenceLevel)
	assert.False(t, resp.ScoreDefaulted)

	// the reporter row was created on first contact
	u, err := env.db.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 50, u.TrustScore)
}

func TestSubmitReportWithPhoto(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.postReport(t, ReportRequest{
		UserID:       "alice",
		ObstacleType: db.TypeSpeedbump,
		Latitude:     37.7749,
		Longitude:    -122.4194,
		PhotoURLs:    []string{"https://img.example/1.jpg"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 67, resp.Obstacle.ConfidenceScore)
}

func TestSubmitNearbyReportAttachesAsConfirmation(t *testing.T) {
	env := newTestEnv(t)

	rec, first := env.postReport(t, ReportRequest{
		UserID:       "alice",
		ObstacleType: db.TypePothole,
		Latitude:     37.7749,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// ~5m north, same type: lands on the existing pin
	rec, second := env.postReport(t, ReportRequest{
		UserID:       "bob",
		ObstacleType: db.TypePothole,
		Latitude:     37.77494,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.True(t, second.Attached)
	assert.Equal(t, db.ReportConfirm, second.ReportType)
	assert.Equal(t, first.Obstacle.ID, second.Obstacle.ID)
	assert.Equal(t, 1, second.Obstacle.ConfirmationsCount)

	// one confirmation and two neutral reporters
	assert.Equal(t, 63, second.Obstacle.ConfidenceScore)

	// alice's original report was verified by bob's confirmation
	u, err := env.db.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, u.ReportsVerified)
}

func TestSubmitDuplicateReportRejectedAsSpam(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.postReport(t, ReportRequest{
		UserID:       "mallory",
		ObstacleType: db.TypePothole,
		Latitude:     37.7749,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/reports", ReportRequest{
		UserID:       "mallory",
		ObstacleType: db.TypePothole,
		Latitude:     37.7749,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var rejection struct {
		Error string      `json:"error"`
		Spam  spam.Result `json:"spam"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejection))
	assert.True(t, rejection.Spam.IsSpam)
	assert.True(t, rejection.Spam.IsDuplicate)
}

func TestSubmitDisputeFollowUp(t *testing.T) {
	env := newTestEnv(t)

	rec, created := env.postReport(t, ReportRequest{
		UserID:       "alice",
		ObstacleType: db.TypeConstruction,
		Latitude:     37.7749,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, disputed := env.postReport(t, ReportRequest{
		UserID:     "bob",
		ObstacleID: created.Obstacle.ID,
		ReportType: db.ReportDispute,
		Latitude:   37.7749,
		Longitude:  -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, disputed.Obstacle.DisputesCount)

	u, err := env.db.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, u.ReportsDisputed)

	// one confirm and one dispute per user per obstacle
	rec = env.do(t, http.MethodPost, "/api/reports", ReportRequest{
		UserID:     "bob",
		ObstacleID: created.Obstacle.ID,
		ReportType: db.ReportDispute,
		Latitude:   37.7749,
		Longitude:  -122.4194,
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestFixedReportsFromTwoUsersCloseObstacle(t *testing.T) {
	env := newTestEnv(t)

	rec, created := env.postReport(t, ReportRequest{
		UserID:       "alice",
		ObstacleType: db.TypePothole,
		Latitude:     37.7749,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := created.Obstacle.ID

	rec, resp := env.postReport(t, ReportRequest{
		UserID:     "bob",
		ObstacleID: id,
		ReportType: db.ReportFixed,
		Latitude:   37.7749,
		Longitude:  -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, db.StatusActive, resp.Obstacle.Status)

	rec, resp = env.postReport(t, ReportRequest{
		UserID:     "carol",
		ObstacleID: id,
		ReportType: db.ReportFixed,
		Latitude:   37.7749,
		Longitude:  -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, db.StatusFixed, resp.Obstacle.Status)

	var detail ObstacleDetail
	rec = env.do(t, http.MethodGet, "/api/obstacles/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Len(t, detail.History, 1)
	assert.Equal(t, db.ActionFixedByReports, detail.History[0].Action)
}

func TestSubmitReportValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		req  ReportRequest
	}{
		{"missing user", ReportRequest{ObstacleType: db.TypePothole, Latitude: 1, Longitude: 1}},
		{"bad type", ReportRequest{UserID: "u", ObstacleType: "crater", Latitude: 1, Longitude: 1}},
		{"bad report type", ReportRequest{UserID: "u", ObstacleType: db.TypePothole, ReportType: "retract", Latitude: 1, Longitude: 1}},
		{"lat out of range", ReportRequest{UserID: "u", ObstacleType: db.TypePothole, Latitude: 91, Longitude: 1}},
		{"bad severity", ReportRequest{UserID: "u", ObstacleType: db.TypePothole, Latitude: 1, Longitude: 1, Severity: strPtr("catastrophic")}},
		{"too many photos", ReportRequest{UserID: "u", ObstacleType: db.TypePothole, Latitude: 1, Longitude: 1, PhotoURLs: []string{"a", "b", "c", "d"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/reports", tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := env.do(t, http.MethodGet, "/api/reports", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// follow-up against a pin that does not exist
	rec = env.do(t, http.MethodPost, "/api/reports", ReportRequest{
		UserID:     "u",
		ObstacleID: "no-such-id",
		ReportType: db.ReportConfirm,
		Latitude:   1,
		Longitude:  1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func strPtr(s string) *string {
	return &s
}

func clusterURL(minLat, maxLat, minLng, maxLng float64, zoom int) string {
	return fmt.Sprintf("/api/obstacles?min_lat=%f&max_lat=%f&min_lng=%f&max_lng=%f&zoom=%d",
		minLat, maxLat, minLng, maxLng, zoom)
}

func TestListClusters(t *testing.T) {
	env := newTestEnv(t)

	for i, user := range []string{"u1", "u2", "u3"} {
		rec, _ := env.postReport(t, ReportRequest{
			UserID:       user,
			ObstacleType: db.TypePothole,
			Latitude:     37.7749 + float64(i)*0.01, // ~1.1km apart, separate pins
			Longitude:    -122.4194,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, clusterURL(37.70, 37.85, -122.52, -122.35, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var clusters []cluster.Cluster
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clusters))
	total := 0
	for _, c := range clusters {
		total += c.Count
	}
	assert.Equal(t, 3, total)
}

func TestListClustersValidation(t *testing.T) {
	env := newTestEnv(t)

	// missing bounds
	rec := env.do(t, http.MethodGet, "/api/obstacles?zoom=10", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// inverted box
	rec = env.do(t, http.MethodGet, clusterURL(37.85, 37.70, -122.52, -122.35, 10), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// bad filter values
	rec = env.do(t, http.MethodGet, clusterURL(37.70, 37.85, -122.52, -122.35, 10)+"&types=crater", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, clusterURL(37.70, 37.85, -122.52, -122.35, 10)+"&min_confidence=150", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShowCluster(t *testing.T) {
	env := newTestEnv(t)

	rec, created := env.postReport(t, ReportRequest{
		UserID:       "alice",
		ObstacleType: db.TypePothole,
		Latitude:     37.7749,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	prefix := created.Obstacle.SpatialHash[:5]
	rec = env.do(t, http.MethodGet, "/api/clusters/"+prefix, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var obstacles []*db.Obstacle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obstacles))
	require.Len(t, obstacles, 1)
	assert.Equal(t, created.Obstacle.ID, obstacles[0].ID)

	rec = env.do(t, http.MethodGet, "/api/clusters/ab!", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScoreRoutes(t *testing.T) {
	env := newTestEnv(t)

	// one medium pothole on the line
	rec, _ := env.postReport(t, ReportRequest{
		UserID:       "alice",
		ObstacleType: db.TypePothole,
		Latitude:     37.7749,
		Longitude:    -122.4194,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/routes/score", RouteScoreRequest{
		Coordinates: [][2]float64{{-122.4194, 37.7749}, {-122.4194, 37.7849}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RouteScoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Variants, 3)

	byVariant := map[string]route.ScoredRoute{}
	for _, v := range resp.Variants {
		byVariant[v.Variant] = v
	}
	assert.Equal(t, 95, byVariant[route.VariantSmooth].SmoothnessScore)
	assert.Equal(t, 100, byVariant[route.VariantStandard].SmoothnessScore)
	assert.Equal(t, 100, byVariant[route.VariantFastest].SmoothnessScore)
	assert.InDelta(t, 1113, resp.DistanceMeters, 5)
	assert.Nil(t, resp.Detour)
}

func TestScoreRoutesDetour(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/routes/score", RouteScoreRequest{
		Coordinates:    [][2]float64{{-122.4194, 37.7749}, {-122.4194, 37.7849}},
		BaselineMeters: 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RouteScoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Detour)
	assert.InDelta(t, resp.DistanceMeters-1000, resp.Detour.Meters, 5)
}

func TestScoreRoutesValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/routes/score", RouteScoreRequest{
		Coordinates: [][2]float64{{-122.4194, 37.7749}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/routes/score", RouteScoreRequest{
		Coordinates: [][2]float64{{-200, 37.7749}, {-122.4194, 37.7849}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/routes/score", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestShowUserTrust(t *testing.T) {
	env := newTestEnv(t)

	// unknown users read as neutral with the defaulted flag set
	rec := env.do(t, http.MethodGet, "/api/users/ghost/trust", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trust TrustResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trust))
	assert.Equal(t, 50, trust.TrustScore)
	assert.Equal(t, "neutral", trust.TrustLevel)
	assert.True(t, trust.Defaulted)

	ctx := context.Background()
	require.NoError(t, env.db.CreateUser(ctx, &db.User{ID: "veteran"}))
	require.NoError(t, env.db.SetTrustScore(ctx, "veteran", 85))

	rec = env.do(t, http.MethodGet, "/api/users/veteran/trust", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trust))
	assert.Equal(t, 85, trust.TrustScore)
	assert.Equal(t, "highly_trusted", trust.TrustLevel)
	assert.False(t, trust.Defaulted)
}

func TestShowUserSpamScore(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/users/quiet/spam_score", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SpamScoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.SpamScore)

	rec = env.do(t, http.MethodGet, "/api/users/quiet/badges", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShowVersion(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dev", resp["version"])
}
