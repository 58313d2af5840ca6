// Package score computes the two reliability signals of the engine: a 0-100
// confidence score per obstacle and a 0-100 trust score per user. Both are
// advisory. Reads that fail mid-computation collapse to the neutral default
// of 50 instead of propagating, and the defaulted return value tells the
// caller which happened.
package score

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/monitoring"
	"github.com/banshee-data/hazard.report/internal/timeutil"
)

const (
	// Neutral is the score assigned when inputs are missing or unreadable.
	Neutral = 50

	// HideThreshold is the confidence below which an obstacle is dropped
	// from default map queries and, after a dispute, flipped to disputed.
	HideThreshold = 30
)

// ConfidenceEngine recomputes obstacle confidence from the persisted
// counters. It never hand-edits a score: every write goes through the same
// formula over the current row.
type ConfidenceEngine struct {
	db    *db.DB
	clock timeutil.Clock
}

func NewConfidenceEngine(database *db.DB, clock timeutil.Clock) *ConfidenceEngine {
	return &ConfidenceEngine{db: database, clock: clock}
}

// ComputeConfidence scores an obstacle from its counters plus the reporter
// trust average and photo evidence. defaulted is true when a store error
// forced the neutral fallback.
func (e *ConfidenceEngine) ComputeConfidence(ctx context.Context, o *db.Obstacle) (score int, defaulted bool) {
	avgTrust, found, err := e.db.AvgReporterTrust(ctx, o.ID)
	if err != nil {
		return e.fallback("avg reporter trust", o.ID, err)
	}

	hasPhoto, err := e.db.ObstacleHasPhoto(ctx, o.ID)
	if err != nil {
		return e.fallback("photo check", o.ID, err)
	}

	score = Neutral
	score += min(o.ConfirmationsCount*6, 30)
	if found {
		// no reporters means no trust evidence either way
		score += int(avgTrust / 100 * 15)
	}
	score -= min(o.DisputesCount*10, 40)

	days := int(e.clock.Since(o.LastConfirmedAt).Hours() / 24)
	if days > 0 {
		score -= min(days/30*5, 20)
	}

	if hasPhoto {
		score += 10
	}
	if o.MunicipalConfirmed {
		score += 15
	}

	return clamp(score), false
}

func (e *ConfidenceEngine) fallback(what, obstacleID string, err error) (int, bool) {
	monitoring.ScoreFallbacks.Inc()
	monitoring.Logf("confidence for %s: %s failed, using neutral default: %v", obstacleID, what, err)
	return Neutral, true
}

// UpdateConfidence recomputes and persists an obstacle's confidence.
// Load and persist failures are returned; only the sub-queries inside
// ComputeConfidence fail soft.
func (e *ConfidenceEngine) UpdateConfidence(ctx context.Context, obstacleID string) (score int, defaulted bool, err error) {
	o, err := e.db.GetObstacle(ctx, obstacleID)
	if err != nil {
		return 0, false, err
	}

	score, defaulted = e.ComputeConfidence(ctx, o)
	if err := e.db.SetConfidence(ctx, obstacleID, score); err != nil {
		return score, defaulted, err
	}
	return score, defaulted, nil
}

// IncrementConfirmations records a confirmation: bumps the counter, stamps
// last_confirmed_at, and recomputes confidence.
func (e *ConfidenceEngine) IncrementConfirmations(ctx context.Context, obstacleID string) (int, bool, error) {
	if err := e.db.IncrementConfirmations(ctx, obstacleID, e.clock.Now()); err != nil {
		return 0, false, err
	}
	return e.UpdateConfidence(ctx, obstacleID)
}

// IncrementDisputes records a dispute and recomputes confidence. When the
// recomputed score falls below HideThreshold the obstacle is transitioned
// active -> disputed with a history record; losing that race to another
// disputer is fine.
func (e *ConfidenceEngine) IncrementDisputes(ctx context.Context, obstacleID string) (int, bool, error) {
	if err := e.db.IncrementDisputes(ctx, obstacleID); err != nil {
		return 0, false, err
	}

	score, defaulted, err := e.UpdateConfidence(ctx, obstacleID)
	if err != nil {
		return score, defaulted, err
	}

	if score < HideThreshold {
		err := e.db.SetStatus(ctx, obstacleID, db.ActionDisputedHidden, db.StatusActive, db.StatusDisputed)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return score, defaulted, fmt.Errorf("failed to mark obstacle disputed: %w", err)
		}
	}
	return score, defaulted, nil
}

// ShouldHide reports whether a score is below the default-visibility floor.
func ShouldHide(score int) bool {
	return score < HideThreshold
}

// ConfidenceLevel maps a score to the label rendered next to a marker.
func ConfidenceLevel(score int) string {
	switch {
	case score >= 80:
		return "confirmed"
	case score >= 60:
		return "probable"
	case score >= 40:
		return "unverified"
	case score >= 20:
		return "doubtful"
	default:
		return "disputed"
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
