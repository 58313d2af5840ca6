// Package api exposes the HTTP surface of the hazard service: report
// submission, viewport clusters, route scoring and moderation lookups.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/hazard.report/internal/cluster"
	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/route"
	"github.com/banshee-data/hazard.report/internal/score"
	"github.com/banshee-data/hazard.report/internal/spam"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server wires the scoring engines and stores behind the HTTP handlers.
type Server struct {
	db         *db.DB
	confidence *score.ConfidenceEngine
	trust      *score.TrustEngine
	spam       *spam.Detector
	clusters   *cluster.Service
	routes     *route.Scorer
}

// NewServer builds a Server around already-constructed engines.
func NewServer(
	database *db.DB,
	confidence *score.ConfidenceEngine,
	trust *score.TrustEngine,
	detector *spam.Detector,
	clusters *cluster.Service,
	routes *route.Scorer,
) *Server {
	return &Server{
		db:         database,
		confidence: confidence,
		trust:      trust,
		spam:       detector,
		clusters:   clusters,
		routes:     routes,
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture the status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 500:
		return colorBoldRed + "ERR" + colorReset
	case statusCode >= 400:
		return colorYellow + "WRN" + colorReset
	default:
		return colorBoldGreen + "OK " + colorReset
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table for the public API.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reports", s.submitReport)
	mux.HandleFunc("/api/obstacles", s.listClusters)
	mux.HandleFunc("/api/obstacles/", s.showObstacle)
	mux.HandleFunc("/api/clusters/", s.showCluster)
	mux.HandleFunc("/api/routes/score", s.scoreRoutes)
	mux.HandleFunc("/api/users/", s.showUser)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}
