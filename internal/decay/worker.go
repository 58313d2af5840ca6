// Package decay holds the recurring batch job that re-applies time decay to
// every active obstacle and retires the ones nobody has confirmed for six
// months.
package decay

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/monitoring"
	"github.com/banshee-data/hazard.report/internal/score"
	"github.com/banshee-data/hazard.report/internal/timeutil"
)

// ExpireAfterDays is how long an active obstacle survives without a
// confirmation before it is auto-marked fixed.
const ExpireAfterDays = 180

// Stats summarizes one batch run.
type Stats struct {
	Processed int `json:"processed"`
	Decayed   int `json:"decayed"`
	Expired   int `json:"expired"`
	Errors    int `json:"errors"`
}

// CacheInvalidator is the slice of the cluster service the worker needs:
// expiring an obstacle changes the map, so its viewport caches must go.
type CacheInvalidator interface {
	InvalidateCache(lat, lng float64)
}

// Worker walks the active obstacle set once per Interval in id-ordered pages.
// Runs never overlap: a tick that fires while a run is still going joins the
// in-flight run instead of starting a second one.
type Worker struct {
	DB         *db.DB
	Confidence *score.ConfidenceEngine
	Clusters   CacheInvalidator // may be nil
	Clock      timeutil.Clock
	Interval   time.Duration
	BatchSize  int
	StopChan   chan struct{}

	group singleflight.Group
}

func NewWorker(database *db.DB, confidence *score.ConfidenceEngine, clusters CacheInvalidator, clock timeutil.Clock) *Worker {
	return &Worker{
		DB:         database,
		Confidence: confidence,
		Clusters:   clusters,
		Clock:      clock,
		Interval:   24 * time.Hour,
		BatchSize:  500,
		StopChan:   make(chan struct{}),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *Worker) Start() {
	go func() {
		ticker := w.Clock.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				stats, err := w.RunWithRetry(context.Background())
				if err != nil {
					log.Printf("decay worker run failed: %v", err)
					continue
				}
				log.Printf("decay worker: processed=%d decayed=%d expired=%d errors=%d",
					stats.Processed, stats.Decayed, stats.Expired, stats.Errors)
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *Worker) Stop() {
	close(w.StopChan)
}

// RunWithRetry attempts the batch up to three times with exponential backoff
// between failures.
func (w *Worker) RunWithRetry(ctx context.Context) (Stats, error) {
	backoff := time.Minute
	var stats Stats
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			w.Clock.Sleep(backoff)
			backoff *= 2
		}
		stats, err = w.RunOnce(ctx)
		if err == nil {
			return stats, nil
		}
		log.Printf("decay worker attempt %d failed: %v", attempt+1, err)
	}
	return stats, err
}

// RunOnce processes every active obstacle exactly once: obstacles past the
// expiry threshold are marked fixed with a history record, the rest get
// their confidence recomputed. A bad row increments Errors and the loop
// moves on. The run is idempotent: recompute is pure given the counters and
// an expired obstacle drops out of the active set.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	v, err, _ := w.group.Do("run", func() (any, error) {
		return w.run(ctx)
	})
	stats, _ := v.(Stats)
	if err != nil {
		monitoring.DecayRuns.WithLabelValues("failure").Inc()
		return stats, err
	}
	monitoring.DecayRuns.WithLabelValues("success").Inc()
	return stats, nil
}

func (w *Worker) run(ctx context.Context) (Stats, error) {
	var stats Stats
	afterID := ""
	for {
		page, err := w.DB.ActiveObstaclesPage(ctx, afterID, w.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(page) == 0 {
			return stats, nil
		}

		for _, o := range page {
			stats.Processed++
			w.processObstacle(ctx, o, &stats)
		}
		afterID = page[len(page)-1].ID
	}
}

func (w *Worker) processObstacle(ctx context.Context, o *db.Obstacle, stats *Stats) {
	days := int(w.Clock.Since(o.LastConfirmedAt).Hours() / 24)
	if days >= ExpireAfterDays {
		err := w.DB.SetStatus(ctx, o.ID, db.ActionAutoExpired, db.StatusActive, db.StatusFixed)
		if err != nil {
			log.Printf("decay worker: failed to expire %s: %v", o.ID, err)
			stats.Errors++
			return
		}
		stats.Expired++
		monitoring.DecayObstaclesExpired.Inc()
		if w.Clusters != nil {
			w.Clusters.InvalidateCache(o.Latitude, o.Longitude)
		}
		return
	}

	if _, _, err := w.Confidence.UpdateConfidence(ctx, o.ID); err != nil {
		log.Printf("decay worker: failed to recompute %s: %v", o.ID, err)
		stats.Errors++
		return
	}
	stats.Decayed++
}
