package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/geohash"
	"github.com/banshee-data/hazard.report/internal/httputil"
	"github.com/banshee-data/hazard.report/internal/route"
	"github.com/banshee-data/hazard.report/internal/score"
	"github.com/banshee-data/hazard.report/internal/spam"
	"github.com/banshee-data/hazard.report/internal/units"
	"github.com/banshee-data/hazard.report/internal/version"
)

// AttachRadiusMeters is how close a new report must be to an existing active
// obstacle of the same type to count as a confirmation of it instead of
// creating a duplicate pin.
const AttachRadiusMeters = 10

// FixedReportThreshold is how many distinct users must report an obstacle as
// fixed before it is closed.
const FixedReportThreshold = 2

// ReportRequest is the body of POST /api/reports.
type ReportRequest struct {
	UserID       string   `json:"user_id"`
	ObstacleID   string   `json:"obstacle_id,omitempty"`
	ObstacleType string   `json:"obstacle_type"`
	ReportType   string   `json:"report_type"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Severity     *string  `json:"severity,omitempty"`
	Description  *string  `json:"description,omitempty"`
	PhotoURLs    []string `json:"photo_urls,omitempty"`
}

// ReportResponse echoes the stored report and the obstacle it landed on.
type ReportResponse struct {
	ReportID        string       `json:"report_id"`
	ReportType      string       `json:"report_type"`
	Attached        bool         `json:"attached"`
	Obstacle        *db.Obstacle `json:"obstacle"`
	ConfidenceLevel string       `json:"confidence_level"`
	ScoreDefaulted  bool         `json:"score_defaulted,omitempty"`
}

// spamRejection is the 422 body when the spam gate trips.
type spamRejection struct {
	Error string      `json:"error"`
	Spam  spam.Result `json:"spam"`
}

func (s *Server) submitReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ReportType == "" {
		req.ReportType = db.ReportNew
	}

	switch req.ReportType {
	case db.ReportNew, db.ReportConfirm, db.ReportDispute, db.ReportFixed:
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown report_type %q", req.ReportType))
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		httputil.BadRequest(w, "latitude/longitude out of range")
		return
	}
	if len(req.PhotoURLs) > db.MaxReportPhotos {
		httputil.BadRequest(w, fmt.Sprintf("at most %d photos per report", db.MaxReportPhotos))
		return
	}
	if req.Severity != nil && !units.IsValidSeverity(*req.Severity) {
		httputil.BadRequest(w, fmt.Sprintf("unknown severity %q", *req.Severity))
		return
	}

	ctx := r.Context()
	if err := s.ensureUser(ctx, req.UserID); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to resolve user: %v", err))
		return
	}

	if req.ReportType == db.ReportNew {
		s.submitNewReport(w, r, req)
		return
	}
	s.submitFollowUp(w, r, req)
}

// submitNewReport handles the create path: spam gate, then either attach the
// report to a nearby active obstacle of the same type as a confirmation, or
// create a fresh obstacle pin.
func (s *Server) submitNewReport(w http.ResponseWriter, r *http.Request, req ReportRequest) {
	ctx := r.Context()

	if !db.IsValidObstacleType(req.ObstacleType) {
		httputil.BadRequest(w, fmt.Sprintf("unknown obstacle_type %q", req.ObstacleType))
		return
	}

	result := s.spam.Detect(ctx, req.UserID, req.ObstacleType, req.Latitude, req.Longitude)
	if result.IsSpam {
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, spamRejection{
			Error: "report rejected as spam",
			Spam:  result,
		})
		return
	}

	reportType := db.ReportNew
	attached := false
	obstacle, err := s.db.NearestActiveObstacle(ctx, req.Latitude, req.Longitude, AttachRadiusMeters, req.ObstacleType)
	switch {
	case err == nil:
		reportType = db.ReportConfirm
		attached = true
	case errors.Is(err, db.ErrNotFound):
		obstacle = &db.Obstacle{
			Type:      req.ObstacleType,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			CreatedBy: &req.UserID,
		}
		if req.Severity != nil {
			obstacle.Severity = *req.Severity
		}
		if err := s.db.CreateObstacle(ctx, obstacle); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to create obstacle: %v", err))
			return
		}
	default:
		httputil.InternalServerError(w, fmt.Sprintf("failed to look up nearby obstacles: %v", err))
		return
	}

	report := &db.Report{
		ObstacleID:  obstacle.ID,
		UserID:      req.UserID,
		Type:        reportType,
		Severity:    req.Severity,
		Description: req.Description,
		PhotoURLs:   req.PhotoURLs,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	}
	if err := s.db.CreateReport(ctx, report); err != nil {
		if isUniqueViolation(err) {
			httputil.WriteJSONError(w, http.StatusConflict, "user already filed this report")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to create report: %v", err))
		return
	}

	var confidence int
	var defaulted bool
	if attached {
		confidence, defaulted, err = s.confidence.IncrementConfirmations(ctx, obstacle.ID)
		if err == nil && obstacle.CreatedBy != nil && *obstacle.CreatedBy != req.UserID {
			if _, terr := s.trust.IncrementVerifiedReports(ctx, *obstacle.CreatedBy); terr != nil {
				httputil.InternalServerError(w, fmt.Sprintf("failed to update reporter trust: %v", terr))
				return
			}
		}
	} else {
		confidence, defaulted, err = s.confidence.UpdateConfidence(ctx, obstacle.ID)
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to score obstacle: %v", err))
		return
	}

	s.clusters.InvalidateCache(obstacle.Latitude, obstacle.Longitude)

	obstacle, err = s.db.GetObstacle(ctx, obstacle.ID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to reload obstacle: %v", err))
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, ReportResponse{
		ReportID:        report.ID,
		ReportType:      reportType,
		Attached:        attached,
		Obstacle:        obstacle,
		ConfidenceLevel: score.ConfidenceLevel(confidence),
		ScoreDefaulted:  defaulted,
	})
}

// submitFollowUp handles confirm, dispute and fixed reports against a known
// obstacle.
func (s *Server) submitFollowUp(w http.ResponseWriter, r *http.Request, req ReportRequest) {
	ctx := r.Context()

	if req.ObstacleID == "" {
		httputil.BadRequest(w, "obstacle_id is required for follow-up reports")
		return
	}
	obstacle, err := s.db.GetObstacle(ctx, req.ObstacleID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "obstacle not found")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to load obstacle: %v", err))
		return
	}

	report := &db.Report{
		ObstacleID:  obstacle.ID,
		UserID:      req.UserID,
		Type:        req.ReportType,
		Severity:    req.Severity,
		Description: req.Description,
		PhotoURLs:   req.PhotoURLs,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	}
	if err := s.db.CreateReport(ctx, report); err != nil {
		if isUniqueViolation(err) {
			httputil.WriteJSONError(w, http.StatusConflict, "user already filed this report")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to create report: %v", err))
		return
	}

	var confidence int
	var defaulted bool
	switch req.ReportType {
	case db.ReportConfirm:
		confidence, defaulted, err = s.confidence.IncrementConfirmations(ctx, obstacle.ID)
		if err == nil && obstacle.CreatedBy != nil && *obstacle.CreatedBy != req.UserID {
			_, err = s.trust.IncrementVerifiedReports(ctx, *obstacle.CreatedBy)
		}
	case db.ReportDispute:
		confidence, defaulted, err = s.confidence.IncrementDisputes(ctx, obstacle.ID)
		if err == nil && obstacle.CreatedBy != nil && *obstacle.CreatedBy != req.UserID {
			_, err = s.trust.IncrementDisputedReports(ctx, *obstacle.CreatedBy)
		}
	case db.ReportFixed:
		confidence, defaulted, err = s.closeIfFixed(ctx, obstacle)
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to apply report: %v", err))
		return
	}

	s.clusters.InvalidateCache(obstacle.Latitude, obstacle.Longitude)

	obstacle, err = s.db.GetObstacle(ctx, obstacle.ID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to reload obstacle: %v", err))
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, ReportResponse{
		ReportID:        report.ID,
		ReportType:      req.ReportType,
		Obstacle:        obstacle,
		ConfidenceLevel: score.ConfidenceLevel(confidence),
		ScoreDefaulted:  defaulted,
	})
}

// closeIfFixed flips an obstacle to fixed once enough distinct users have
// reported it gone. The count is over distinct users, so one user filing
// repeatedly cannot close a pin alone.
func (s *Server) closeIfFixed(ctx context.Context, obstacle *db.Obstacle) (int, bool, error) {
	n, err := s.db.CountFixedReports(ctx, obstacle.ID)
	if err != nil {
		return obstacle.ConfidenceScore, false, fmt.Errorf("failed to count fixed reports: %w", err)
	}
	if n >= FixedReportThreshold && obstacle.Status == db.StatusActive {
		err := s.db.SetStatus(ctx, obstacle.ID, db.ActionFixedByReports, db.StatusActive, db.StatusFixed)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return obstacle.ConfidenceScore, false, fmt.Errorf("failed to close obstacle: %w", err)
		}
	}
	return obstacle.ConfidenceScore, false, nil
}

// ensureUser creates the user row on first contact so trust bookkeeping has
// somewhere to land. New users start at the neutral trust score.
func (s *Server) ensureUser(ctx context.Context, userID string) error {
	_, err := s.db.GetUser(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return s.db.CreateUser(ctx, &db.User{ID: userID})
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// queryOptions pulls the shared obstacle filters off the query string. The
// confidence floor defaults to the hide threshold so low-quality pins never
// reach map consumers unless explicitly requested.
func queryOptions(r *http.Request) (db.QueryOptions, error) {
	opts := db.QueryOptions{MinConfidence: score.HideThreshold}
	q := r.URL.Query()
	if t := q.Get("types"); t != "" {
		for _, typ := range strings.Split(t, ",") {
			typ = strings.TrimSpace(typ)
			if !db.IsValidObstacleType(typ) {
				return opts, fmt.Errorf("unknown obstacle type %q", typ)
			}
			opts.Types = append(opts.Types, typ)
		}
	}
	if sev := q.Get("severity"); sev != "" {
		if !units.IsValidSeverity(sev) {
			return opts, fmt.Errorf("unknown severity %q", sev)
		}
		opts.Severity = sev
	}
	if mc := q.Get("min_confidence"); mc != "" {
		n, err := strconv.Atoi(mc)
		if err != nil || n < 0 || n > 100 {
			return opts, fmt.Errorf("invalid min_confidence %q", mc)
		}
		opts.MinConfidence = n
	}
	return opts, nil
}

func parseFloatParam(q map[string][]string, name string) (float64, error) {
	vals, ok := q[name]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return 0, fmt.Errorf("missing required parameter %q", name)
	}
	f, err := strconv.ParseFloat(vals[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %q: %v", name, err)
	}
	return f, nil
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	var bounds db.Bounds
	var err error
	if bounds.MinLat, err = parseFloatParam(q, "min_lat"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if bounds.MaxLat, err = parseFloatParam(q, "max_lat"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if bounds.MinLng, err = parseFloatParam(q, "min_lng"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if bounds.MaxLng, err = parseFloatParam(q, "max_lng"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !bounds.Valid() {
		httputil.BadRequest(w, "bounds describe an empty or out-of-range box")
		return
	}

	zoom := 12
	if z := q.Get("zoom"); z != "" {
		zoom, err = strconv.Atoi(z)
		if err != nil || zoom < 1 || zoom > 22 {
			httputil.BadRequest(w, fmt.Sprintf("invalid zoom %q", z))
			return
		}
	}

	opts, err := queryOptions(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	clusters, err := s.clusters.GetClusters(r.Context(), bounds, zoom, opts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load clusters: %v", err))
		return
	}
	httputil.WriteJSONOK(w, clusters)
}

func (s *Server) showCluster(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	prefix := strings.TrimPrefix(r.URL.Path, "/api/clusters/")
	if prefix == "" || strings.Contains(prefix, "/") {
		httputil.BadRequest(w, "expected /api/clusters/{hash_prefix}")
		return
	}

	opts, err := queryOptions(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	obstacles, err := s.clusters.GetObstaclesInCluster(r.Context(), prefix, opts)
	if err != nil {
		if errors.Is(err, geohash.ErrInvalidHash) {
			httputil.BadRequest(w, fmt.Sprintf("invalid hash prefix %q", prefix))
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to load cluster obstacles: %v", err))
		return
	}
	httputil.WriteJSONOK(w, obstacles)
}

// ObstacleDetail is the GET /api/obstacles/{id} response.
type ObstacleDetail struct {
	Obstacle        *db.Obstacle       `json:"obstacle"`
	ConfidenceLevel string             `json:"confidence_level"`
	Reports         []*db.Report       `json:"reports"`
	History         []*db.HistoryEntry `json:"history"`
}

func (s *Server) showObstacle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/obstacles/")
	if id == "" || strings.Contains(id, "/") {
		httputil.BadRequest(w, "expected /api/obstacles/{id}")
		return
	}

	obstacle, err := s.db.GetObstacle(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "obstacle not found")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to load obstacle: %v", err))
		return
	}
	reports, err := s.db.ReportsForObstacle(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load reports: %v", err))
		return
	}
	history, err := s.db.ObstacleHistory(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load history: %v", err))
		return
	}

	httputil.WriteJSONOK(w, ObstacleDetail{
		Obstacle:        obstacle,
		ConfidenceLevel: score.ConfidenceLevel(obstacle.ConfidenceScore),
		Reports:         reports,
		History:         history,
	})
}

// RouteScoreRequest is the body of POST /api/routes/score. Coordinates are
// [lng, lat] pairs in GeoJSON order. BaselineMeters, when set, is the length
// of the route the caller is comparing against; the response then carries
// detour metrics for this line relative to it.
type RouteScoreRequest struct {
	Coordinates       [][2]float64 `json:"coordinates"`
	GroundClearanceIn *float64     `json:"ground_clearance_in,omitempty"`
	BaselineMeters    float64      `json:"baseline_meters,omitempty"`
}

// RouteScoreResponse carries the scored variants for one route line.
type RouteScoreResponse struct {
	Variants       []route.ScoredRoute `json:"variants"`
	DistanceMeters float64             `json:"distance_meters"`
	Detour         *route.Detour       `json:"detour,omitempty"`
}

func (s *Server) scoreRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req RouteScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Coordinates) < 2 {
		httputil.BadRequest(w, "coordinates must contain at least two [lng, lat] pairs")
		return
	}

	line := make(orb.LineString, len(req.Coordinates))
	for i, c := range req.Coordinates {
		lng, lat := c[0], c[1]
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			httputil.BadRequest(w, fmt.Sprintf("coordinate %d out of range", i))
			return
		}
		line[i] = orb.Point{lng, lat}
	}

	var profile *route.VehicleProfile
	if req.GroundClearanceIn != nil {
		profile = &route.VehicleProfile{GroundClearanceIn: *req.GroundClearanceIn}
	}

	opts, err := queryOptions(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	variants, err := s.routes.ScoreVariants(r.Context(), line, profile, opts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to score route: %v", err))
		return
	}

	resp := RouteScoreResponse{
		Variants:       variants,
		DistanceMeters: route.Length(line),
	}
	if req.BaselineMeters > 0 {
		d := route.DetourMetrics(req.BaselineMeters, resp.DistanceMeters)
		resp.Detour = &d
	}
	httputil.WriteJSONOK(w, resp)
}

// TrustResponse is the GET /api/users/{id}/trust payload.
type TrustResponse struct {
	UserID     string `json:"user_id"`
	TrustScore int    `json:"trust_score"`
	TrustLevel string `json:"trust_level"`
	Defaulted  bool   `json:"defaulted,omitempty"`
}

// SpamScoreResponse is the GET /api/users/{id}/spam_score payload.
type SpamScoreResponse struct {
	UserID    string `json:"user_id"`
	SpamScore int    `json:"spam_score"`
}

func (s *Server) showUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		httputil.BadRequest(w, "expected /api/users/{id}/trust or /api/users/{id}/spam_score")
		return
	}
	userID := parts[0]

	switch parts[1] {
	case "trust":
		trust, defaulted := s.trust.TrustFor(r.Context(), userID)
		httputil.WriteJSONOK(w, TrustResponse{
			UserID:     userID,
			TrustScore: trust,
			TrustLevel: score.TrustLevel(trust),
			Defaulted:  defaulted,
		})
	case "spam_score":
		httputil.WriteJSONOK(w, SpamScoreResponse{
			UserID:    userID,
			SpamScore: s.spam.UserSpamScore(r.Context(), userID),
		})
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown user resource %q", parts[1]))
	}
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
