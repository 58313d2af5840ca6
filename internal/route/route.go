// Package route scores route geometries against the obstacles near them and
// produces the three standard variants offered to the client.
package route

import (
	"context"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/units"
)

// Route variants. Each scores the same base geometry against a different
// slice of the nearby obstacles.
const (
	VariantSmooth   = "smooth"   // every obstacle along the route counts
	VariantStandard = "standard" // only high severity counts
	VariantFastest  = "fastest"  // obstacles ignored entirely
)

// Smoothness deductions per obstacle by severity.
const (
	deductionHigh   = 10
	deductionMedium = 5
	deductionLow    = 2
)

// Ground clearance thresholds in inches. At or above ClearanceRelief the
// vehicle rolls over low-severity obstacles safely, so they are dropped
// before scoring. Below ClearanceConservative nothing is ever dropped.
const (
	ClearanceRelief       = 6.0
	ClearanceConservative = 4.5
)

// metersPerDegreeLat is the approximate north-south span of one degree.
const metersPerDegreeLat = 111320.0

// VehicleProfile carries the vehicle attributes that affect scoring.
type VehicleProfile struct {
	GroundClearanceIn float64 `json:"ground_clearance_in"`
}

// ScoredRoute is one variant's result.
type ScoredRoute struct {
	Variant         string  `json:"variant"`
	SmoothnessScore int     `json:"smoothness_score"`
	ObstacleCount   int     `json:"obstacle_count"`
	DistanceMeters  float64 `json:"distance_meters"`
}

// Detour compares an alternative route against the base geometry.
type Detour struct {
	Meters     float64 `json:"detour_meters"`
	Percentage float64 `json:"detour_percentage"`
}

// Scorer finds the obstacles within BufferMeters of a route line and scores
// the route variants against them.
type Scorer struct {
	db *db.DB

	// BufferMeters is how far from the line an obstacle still affects the
	// route.
	BufferMeters float64
}

func NewScorer(database *db.DB) *Scorer {
	return &Scorer{db: database, BufferMeters: 50}
}

// ObstaclesAlongRoute returns the active obstacles within the scorer's
// buffer of the line, after the usual visibility filters.
func (s *Scorer) ObstaclesAlongRoute(ctx context.Context, line orb.LineString, opts db.QueryOptions) ([]*db.Obstacle, error) {
	if len(line) < 2 {
		return nil, nil
	}

	bound := line.Bound()
	latPad := s.BufferMeters / metersPerDegreeLat
	lngPad := latPad
	midLat := (bound.Min[1] + bound.Max[1]) / 2
	if cosLat := math.Cos(midLat * math.Pi / 180); cosLat > 0.01 {
		lngPad = s.BufferMeters / (metersPerDegreeLat * cosLat)
	}

	candidates, err := s.db.ObstaclesInBounds(ctx, db.Bounds{
		MinLat: bound.Min[1] - latPad,
		MaxLat: bound.Max[1] + latPad,
		MinLng: bound.Min[0] - lngPad,
		MaxLng: bound.Max[0] + lngPad,
	}, opts)
	if err != nil {
		return nil, err
	}

	var near []*db.Obstacle
	for _, o := range candidates {
		point := orb.Point{o.Longitude, o.Latitude}
		if distanceToLine(point, line, midLat) <= s.BufferMeters {
			near = append(near, o)
		}
	}
	return near, nil
}

// ScoreVariants scores the three route variants against the obstacles near
// the line.
func (s *Scorer) ScoreVariants(ctx context.Context, line orb.LineString, profile *VehicleProfile, opts db.QueryOptions) ([]ScoredRoute, error) {
	obstacles, err := s.ObstaclesAlongRoute(ctx, line, opts)
	if err != nil {
		return nil, err
	}
	obstacles = FilterByClearance(obstacles, profile)
	distance := Length(line)

	highOnly := make([]*db.Obstacle, 0, len(obstacles))
	for _, o := range obstacles {
		if o.Severity == units.SeverityHigh {
			highOnly = append(highOnly, o)
		}
	}

	return []ScoredRoute{
		{
			Variant:         VariantSmooth,
			SmoothnessScore: SmoothnessScore(obstacles),
			ObstacleCount:   len(obstacles),
			DistanceMeters:  distance,
		},
		{
			Variant:         VariantStandard,
			SmoothnessScore: SmoothnessScore(highOnly),
			ObstacleCount:   len(highOnly),
			DistanceMeters:  distance,
		},
		{
			Variant:         VariantFastest,
			SmoothnessScore: 100,
			ObstacleCount:   0,
			DistanceMeters:  distance,
		},
	}, nil
}

// SmoothnessScore deducts per obstacle by severity, floored at zero.
func SmoothnessScore(obstacles []*db.Obstacle) int {
	deduction := 0
	for _, o := range obstacles {
		switch o.Severity {
		case units.SeverityHigh:
			deduction += deductionHigh
		case units.SeverityMedium:
			deduction += deductionMedium
		default:
			deduction += deductionLow
		}
	}
	return max(0, 100-deduction)
}

// FilterByClearance drops low-severity obstacles for vehicles with enough
// ground clearance to traverse them. A nil profile and anything under the
// relief threshold score conservatively against everything.
func FilterByClearance(obstacles []*db.Obstacle, profile *VehicleProfile) []*db.Obstacle {
	if profile == nil || profile.GroundClearanceIn < ClearanceRelief {
		return obstacles
	}

	kept := make([]*db.Obstacle, 0, len(obstacles))
	for _, o := range obstacles {
		if o.Severity == units.SeverityLow {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

// Length returns the great-circle length of the line in meters.
func Length(line orb.LineString) float64 {
	total := 0.0
	for i := 1; i < len(line); i++ {
		total += geo.Distance(line[i-1], line[i])
	}
	return total
}

// DetourMetrics compares an alternative distance against the base distance.
// The percentage is rounded to one decimal place.
func DetourMetrics(baseMeters, altMeters float64) Detour {
	meters := math.Max(0, altMeters-baseMeters)
	pct := 0.0
	if baseMeters > 0 {
		pct = math.Round(100*meters/baseMeters*10) / 10
	}
	return Detour{Meters: meters, Percentage: pct}
}

// distanceToLine is the minimum distance in meters from the point to any
// segment of the line. Points are projected onto a local equirectangular
// plane first; at route scale the distortion is negligible.
func distanceToLine(point orb.Point, line orb.LineString, refLat float64) float64 {
	p := project(point, refLat)
	best := math.MaxFloat64
	for i := 1; i < len(line); i++ {
		a := project(line[i-1], refLat)
		b := project(line[i], refLat)
		if d := planar.DistanceFromSegment(a, b, p); d < best {
			best = d
		}
	}
	return best
}

func project(p orb.Point, refLat float64) orb.Point {
	return orb.Point{
		p[0] * metersPerDegreeLat * math.Cos(refLat*math.Pi/180),
		p[1] * metersPerDegreeLat,
	}
}
