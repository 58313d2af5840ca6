// Package spam holds the abuse heuristics applied to incoming reports.
//
// Every signal fails soft: if the counter store or the database is
// unreachable, the heuristic reports "not spam". A false negative lets one
// bad report through; a false positive blocks a legitimate user, which is
// worse.
package spam

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/hazard.report/internal/cache"
	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/monitoring"
	"github.com/banshee-data/hazard.report/internal/timeutil"
)

const (
	// Duplicate detection: same user, same type, close in space and time.
	duplicateRadiusMeters = 10
	duplicateWindow       = 30 * time.Minute

	// Rapid reporting: too many reports in a short burst.
	rapidThreshold = 5
	rapidWindow    = 60 * time.Second

	// Clustering abuse: many reports piled onto one spot.
	clusterThreshold    = 10
	clusterRadiusMeters = 100
	clusterWindow       = 24 * time.Hour
)

// Result carries the individual signals alongside the combined verdict so
// moderation tooling can see which heuristic fired.
type Result struct {
	IsSpam       bool `json:"is_spam"`
	IsDuplicate  bool `json:"is_duplicate"`
	IsRapid      bool `json:"is_rapid"`
	IsClustering bool `json:"is_clustering"`
}

// Detector evaluates the spam heuristics against the report history and a
// fast expiring counter store.
type Detector struct {
	db    *db.DB
	cache cache.Store
	clock timeutil.Clock
}

func NewDetector(database *db.DB, store cache.Store, clock timeutil.Clock) *Detector {
	return &Detector{db: database, cache: store, clock: clock}
}

// Detect runs all signals for an incoming report. Rapid reporting alone is
// tolerated: a user covering real ground quickly files many reports that are
// geographically spread, so rapid only counts against them when the reports
// also pile up in one place.
func (d *Detector) Detect(ctx context.Context, userID, obstacleType string, lat, lng float64) Result {
	r := Result{
		IsDuplicate:  d.IsDuplicateReport(ctx, userID, obstacleType, lat, lng),
		IsRapid:      d.IsRapidReporting(ctx, userID),
		IsClustering: d.IsSuspiciousClustering(ctx, userID, lat, lng),
	}
	r.IsSpam = r.IsDuplicate || (r.IsRapid && r.IsClustering)
	if r.IsSpam {
		monitoring.SpamReportsFlagged.Inc()
	}
	return r
}

// IsDuplicateReport reports whether the user already filed a report of the
// same obstacle type within 10 meters in the last 30 minutes.
func (d *Detector) IsDuplicateReport(ctx context.Context, userID, obstacleType string, lat, lng float64) bool {
	since := d.clock.Now().Add(-duplicateWindow)
	dup, err := d.db.HasDuplicateReport(ctx, userID, obstacleType, lat, lng, duplicateRadiusMeters, since)
	if err != nil {
		monitoring.Logf("spam: duplicate check for %s failed, assuming not spam: %v", userID, err)
		return false
	}
	return dup
}

// IsRapidReporting reports whether this is at least the user's fifth report
// in the trailing 60 seconds. The expiring counter is the fast path; when
// the counter store is down the check falls back to counting persisted
// reports, and if that fails too the answer is no.
func (d *Detector) IsRapidReporting(ctx context.Context, userID string) bool {
	count, err := d.cache.Increment(rateKey(userID), rapidWindow)
	if err == nil {
		return count >= rapidThreshold
	}

	since := d.clock.Now().Add(-rapidWindow)
	n, err := d.db.CountUserReportsSince(ctx, userID, since)
	if err != nil {
		monitoring.Logf("spam: rapid check for %s failed, assuming not spam: %v", userID, err)
		return false
	}
	// the incoming report is not persisted yet, so it counts as one more
	return n+1 >= rapidThreshold
}

// IsSuspiciousClustering reports whether the user has filed 10 or more
// reports within 100 meters of the point in the trailing 24 hours.
func (d *Detector) IsSuspiciousClustering(ctx context.Context, userID string, lat, lng float64) bool {
	since := d.clock.Now().Add(-clusterWindow)
	n, err := d.db.CountUserReportsNear(ctx, userID, lat, lng, clusterRadiusMeters, since)
	if err != nil {
		monitoring.Logf("spam: clustering check for %s failed, assuming not spam: %v", userID, err)
		return false
	}
	return n >= clusterThreshold
}

// UserSpamScore grades a user's recent reporting 0-100 for the moderation
// view. It never gates the write path.
func (d *Detector) UserSpamScore(ctx context.Context, userID string) int {
	now := d.clock.Now()

	dayTotal, activeMinutes, err := d.db.UserReportActivity(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		monitoring.Logf("spam: activity summary for %s failed, scoring 0: %v", userID, err)
		return 0
	}
	hourTotal, err := d.db.CountUserReportsSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		monitoring.Logf("spam: hourly count for %s failed, scoring 0: %v", userID, err)
		return 0
	}

	score := 0
	if dayTotal > 20 {
		score += 30
	}
	if activeMinutes > 0 && float64(dayTotal)/float64(activeMinutes) > 3 {
		score += 40
	}
	if hourTotal > 10 {
		score += 30
	}
	return min(score, 100)
}

func rateKey(userID string) string {
	return fmt.Sprintf("spam:rate:%s", userID)
}
