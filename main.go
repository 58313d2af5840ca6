package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/hazard.report/internal/api"
	"github.com/banshee-data/hazard.report/internal/cache"
	"github.com/banshee-data/hazard.report/internal/cluster"
	"github.com/banshee-data/hazard.report/internal/config"
	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/decay"
	"github.com/banshee-data/hazard.report/internal/route"
	"github.com/banshee-data/hazard.report/internal/score"
	"github.com/banshee-data/hazard.report/internal/spam"
	"github.com/banshee-data/hazard.report/internal/timeutil"
	"github.com/banshee-data/hazard.report/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	dbPath        = flag.String("db", "hazard.db", "Path to the sqlite database")
	cacheDir      = flag.String("cache-dir", "", "Directory for the cluster/rate cache; empty disables caching")
	migrationsDir = flag.String("migrations", "migrations", "Directory holding schema migrations")
	tuningPath    = flag.String("tuning", "", "Optional JSON tuning file")
	noDecay       = flag.Bool("no-decay", false, "Disable the background decay worker")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	// subcommands run and exit before any server wiring
	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "migrate":
			db.RunMigrateCommand(args[1:], *dbPath, *migrationsDir)
			return
		case "version":
			log.Printf("hazard-report %s built %s", version.String(), version.BuildTime)
			return
		default:
			log.Fatalf("Unknown command: %s", args[0])
		}
	}

	tuning := config.EmptyTuningConfig()
	if *tuningPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*tuningPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	var store cache.Store = cache.Disabled{}
	if *cacheDir != "" {
		badger, err := cache.NewBadgerStore(cache.Config{Path: *cacheDir})
		if err != nil {
			log.Fatalf("Failed to open cache at %s: %v", *cacheDir, err)
		}
		defer badger.Close()
		store = badger
	} else {
		log.Print("no cache-dir configured, running without cluster/rate caching")
	}

	clock := timeutil.RealClock{}
	confidence := score.NewConfidenceEngine(database, clock)
	trust := score.NewTrustEngine(database, clock)
	detector := spam.NewDetector(database, store, clock)
	clusters := cluster.NewService(database, store)

	routes := route.NewScorer(database)
	routes.BufferMeters = tuning.GetRouteBufferMeters()

	worker := decay.NewWorker(database, confidence, clusters, clock)
	worker.Interval = tuning.GetDecayInterval()
	worker.BatchSize = tuning.GetDecayBatchSize()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*noDecay {
		worker.Start()
		defer worker.Stop()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// admin debugging routes (tailsql console, backup download)
		database.AttachAdminRoutes(mux)

		apiMux := api.NewServer(database, confidence, trust, detector, clusters, routes).ServeMux()
		mux.Handle("/api/", apiMux)
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("hazard-report %s listening on %s", version.String(), *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
}
