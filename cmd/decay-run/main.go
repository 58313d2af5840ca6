// decay-run executes one decay pass by hand: recompute confidence for every
// active obstacle and expire the ones nothing has confirmed in six months.
// Useful after importing historical data or when the service has been down
// past its daily tick.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/banshee-data/hazard.report/internal/cache"
	"github.com/banshee-data/hazard.report/internal/cluster"
	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/decay"
	"github.com/banshee-data/hazard.report/internal/score"
	"github.com/banshee-data/hazard.report/internal/timeutil"
)

func main() {
	var dbPath string
	var batchSize int
	var retry bool

	flag.StringVar(&dbPath, "db", "hazard.db", "path to sqlite db")
	flag.IntVar(&batchSize, "batch", 500, "obstacles per page while scanning")
	flag.BoolVar(&retry, "retry", false, "retry with backoff on failure")
	flag.Parse()

	dbConn, err := db.NewDB(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer dbConn.Close()

	clock := timeutil.RealClock{}
	confidence := score.NewConfidenceEngine(dbConn, clock)

	// no shared cache to invalidate when run out of process; entries on the
	// live service expire by TTL
	clusters := cluster.NewService(dbConn, cache.Disabled{})

	w := decay.NewWorker(dbConn, confidence, clusters, clock)
	w.BatchSize = batchSize

	var stats decay.Stats
	if retry {
		stats, err = w.RunWithRetry(context.Background())
	} else {
		stats, err = w.RunOnce(context.Background())
	}
	if err != nil {
		log.Fatalf("decay run failed: %v", err)
	}

	fmt.Printf("decay run complete: processed=%d decayed=%d expired=%d errors=%d\n",
		stats.Processed, stats.Decayed, stats.Expired, stats.Errors)
}
