// Package cluster groups active obstacles by spatial-hash prefix for map
// rendering, with a short-TTL cache keyed by the query shape.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hazard.report/internal/cache"
	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/geohash"
	"github.com/banshee-data/hazard.report/internal/monitoring"
	"github.com/banshee-data/hazard.report/internal/units"
)

const (
	// CacheTTL bounds cluster staleness on the read path.
	CacheTTL = 300 * time.Second

	// DrillDownLimit caps the obstacles returned for one cluster.
	DrillDownLimit = 100

	// invalidationPrecision is the hash length writes are bucketed at for
	// cache invalidation. Cache keys record their covering cells at this
	// precision (or coarser) so a write can find the entries it staled.
	invalidationPrecision = 6

	// maxCoveringCells caps the covering-cell list embedded in a cache key.
	// Wider viewports coarsen the cells instead of growing the list.
	maxCoveringCells = 64

	keyPrefix = "clusters:"
)

// Cluster is one aggregated map marker, derived per query and never
// persisted.
type Cluster struct {
	HashPrefix    string   `json:"hash_prefix"`
	Count         int      `json:"count"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	AvgConfidence float64  `json:"avg_confidence"`
	MaxSeverity   string   `json:"max_severity"`
	Types         []string `json:"types"`
	IsSingle      bool     `json:"is_single"`
}

// Service answers viewport cluster queries. The cache is best-effort: any
// cache failure falls through to the database.
type Service struct {
	db    *db.DB
	cache cache.Store
}

func NewService(database *db.DB, store cache.Store) *Service {
	return &Service{db: database, cache: store}
}

// GetClusters aggregates the active obstacles in bounds at the hash
// precision for zoom. Identical queries inside the TTL window are served
// from the cache.
func (s *Service) GetClusters(ctx context.Context, bounds db.Bounds, zoom int, opts db.QueryOptions) ([]Cluster, error) {
	if !bounds.Valid() {
		return nil, fmt.Errorf("%w: bounds %+v", geohash.ErrInvalidHash, bounds)
	}
	precision := geohash.PrecisionForZoom(zoom)
	key := cacheKey(bounds, precision, opts)

	if data, err := s.cache.Get(key); err == nil {
		var clusters []Cluster
		if err := json.Unmarshal(data, &clusters); err == nil {
			monitoring.ClusterCacheHits.Inc()
			return clusters, nil
		}
		monitoring.Logf("cluster: dropping malformed cache entry %s: %v", key, err)
		_ = s.cache.Delete(key)
	}
	monitoring.ClusterCacheMisses.Inc()

	obstacles, err := s.db.ObstaclesInBounds(ctx, bounds, opts)
	if err != nil {
		return nil, err
	}
	clusters := aggregate(obstacles, precision)

	if data, err := json.Marshal(clusters); err == nil {
		if err := s.cache.Set(key, data, CacheTTL); err != nil && err != cache.ErrUnavailable {
			monitoring.Logf("cluster: cache write failed: %v", err)
		}
	}
	return clusters, nil
}

// GetObstaclesInCluster returns the individual obstacles behind a cluster
// marker, ordered by confidence then recency, for client drill-down.
func (s *Service) GetObstaclesInCluster(ctx context.Context, hashPrefix string, opts db.QueryOptions) ([]*db.Obstacle, error) {
	if _, err := geohash.Decode(hashPrefix); err != nil {
		return nil, err
	}
	return s.db.ObstaclesByHashPrefix(ctx, hashPrefix, opts, DrillDownLimit)
}

// InvalidateCache drops every cached cluster list whose viewport could
// contain the given point. Over-invalidation is fine; a stale entry
// surviving a write is not. Failures are logged and swallowed: the entries
// still expire by TTL.
func (s *Service) InvalidateCache(lat, lng float64) {
	s.invalidateByPrefix(geohash.Encode(lat, lng, invalidationPrecision))
}

func (s *Service) invalidateByPrefix(prefix string) {
	keys, err := s.cache.Keys(keyPrefix)
	if err != nil {
		if err != cache.ErrUnavailable {
			monitoring.Logf("cluster: cache key scan failed: %v", err)
		}
		return
	}

	for _, key := range keys {
		for _, cell := range coveringCellsOf(key) {
			if strings.HasPrefix(prefix, cell) || strings.HasPrefix(cell, prefix) {
				if err := s.cache.Delete(key); err != nil {
					monitoring.Logf("cluster: cache delete failed for %s: %v", key, err)
				}
				break
			}
		}
	}
}

func aggregate(obstacles []*db.Obstacle, precision int) []Cluster {
	groups := make(map[string][]*db.Obstacle)
	for _, o := range obstacles {
		prefix := o.SpatialHash
		if len(prefix) > precision {
			prefix = prefix[:precision]
		}
		groups[prefix] = append(groups[prefix], o)
	}

	clusters := make([]Cluster, 0, len(groups))
	for prefix, members := range groups {
		lats := make([]float64, len(members))
		lngs := make([]float64, len(members))
		confidences := make([]float64, len(members))
		maxSeverity := units.SeverityLow
		typeSet := make(map[string]bool)

		for i, o := range members {
			lats[i] = o.Latitude
			lngs[i] = o.Longitude
			confidences[i] = float64(o.ConfidenceScore)
			maxSeverity = units.MaxSeverity(maxSeverity, o.Severity)
			typeSet[o.Type] = true
		}

		types := make([]string, 0, len(typeSet))
		for t := range typeSet {
			types = append(types, t)
		}
		sort.Strings(types)

		clusters = append(clusters, Cluster{
			HashPrefix:    prefix,
			Count:         len(members),
			Latitude:      stat.Mean(lats, nil),
			Longitude:     stat.Mean(lngs, nil),
			AvgConfidence: stat.Mean(confidences, nil),
			MaxSeverity:   maxSeverity,
			Types:         types,
			IsSingle:      len(members) == 1,
		})
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		return clusters[i].HashPrefix < clusters[j].HashPrefix
	})
	return clusters
}

// cacheKey builds a key that is unique per query shape and carries the
// covering cells the invalidation path matches against.
func cacheKey(bounds db.Bounds, precision int, opts db.QueryOptions) string {
	cells := coveringCells(bounds, min(precision, invalidationPrecision))
	return fmt.Sprintf("%s%s:p%d:%.6f,%.6f,%.6f,%.6f:c%d:t%s:s%s",
		keyPrefix,
		strings.Join(cells, ","),
		precision,
		bounds.MinLat, bounds.MaxLat, bounds.MinLng, bounds.MaxLng,
		opts.MinConfidence,
		strings.Join(opts.Types, "+"),
		opts.Severity,
	)
}

// coveringCellsOf extracts the covering-cell list back out of a cache key.
func coveringCellsOf(key string) []string {
	rest := strings.TrimPrefix(key, keyPrefix)
	end := strings.IndexByte(rest, ':')
	if end < 0 {
		return nil
	}
	return strings.Split(rest[:end], ",")
}

// coveringCells enumerates the hash cells of the given precision that
// intersect bounds, coarsening the precision until the list fits the cap.
func coveringCells(bounds db.Bounds, precision int) []string {
	for p := precision; p >= 1; p-- {
		cells, ok := coveringCellsAt(bounds, p)
		if ok {
			return cells
		}
	}
	// a single precision-1 cell spans 45 degrees of latitude; by the time we
	// get here the viewport covers most of the planet
	return []string{geohash.Encode((bounds.MinLat+bounds.MaxLat)/2, (bounds.MinLng+bounds.MaxLng)/2, 1)}
}

func coveringCellsAt(bounds db.Bounds, precision int) ([]string, bool) {
	origin, err := geohash.Decode(geohash.Encode(bounds.MinLat, bounds.MinLng, precision))
	if err != nil {
		return nil, false
	}
	cellH := origin.LatMax - origin.LatMin
	cellW := origin.LngMax - origin.LngMin

	var cells []string
	seen := make(map[string]bool)
	for lat := origin.Lat; lat < bounds.MaxLat+cellH; lat += cellH {
		for lng := origin.Lng; lng < bounds.MaxLng+cellW; lng += cellW {
			h := geohash.Encode(lat, lng, precision)
			if seen[h] {
				continue
			}
			seen[h] = true
			cells = append(cells, h)
			if len(cells) > maxCoveringCells {
				return nil, false
			}
		}
	}
	sort.Strings(cells)
	return cells, true
}
