package score

import (
	"context"

	"github.com/banshee-data/hazard.report/internal/db"
	"github.com/banshee-data/hazard.report/internal/monitoring"
	"github.com/banshee-data/hazard.report/internal/timeutil"
)

// TrustEngine recomputes user trust from account age and the
// verified/disputed counters.
type TrustEngine struct {
	db    *db.DB
	clock timeutil.Clock
}

func NewTrustEngine(database *db.DB, clock timeutil.Clock) *TrustEngine {
	return &TrustEngine{db: database, clock: clock}
}

// ComputeTrust scores a user. Pure given the row: a brand-new user with no
// history scores exactly the neutral 50.
func (e *TrustEngine) ComputeTrust(u *db.User) int {
	score := Neutral

	ageMonths := int(e.clock.Since(u.CreatedAt).Hours() / (24 * 30))
	if ageMonths > 0 {
		score += min(ageMonths, 10)
	}

	score += min(u.ReportsVerified*3, 30)
	score -= min(u.ReportsDisputed*4, 40)

	if total := u.ReportsVerified + u.ReportsDisputed; total > 0 {
		accuracy := float64(u.ReportsVerified) / float64(total)
		score += int(accuracy * 10)
	}

	return clamp(score)
}

// TrustFor loads a user and scores them, collapsing any load failure
// (including an unknown user) to the neutral default. Used by the
// confidence side, where a missing reporter must not poison an obstacle's
// score.
func (e *TrustEngine) TrustFor(ctx context.Context, userID string) (score int, defaulted bool) {
	u, err := e.db.GetUser(ctx, userID)
	if err != nil {
		monitoring.ScoreFallbacks.Inc()
		monitoring.Logf("trust for %s: load failed, using neutral default: %v", userID, err)
		return Neutral, true
	}
	return e.ComputeTrust(u), false
}

// UpdateTrust recomputes and persists a user's trust score.
func (e *TrustEngine) UpdateTrust(ctx context.Context, userID string) (int, error) {
	u, err := e.db.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	score := e.ComputeTrust(u)
	if err := e.db.SetTrustScore(ctx, userID, score); err != nil {
		return score, err
	}
	return score, nil
}

// IncrementVerifiedReports records that one of the user's reports was
// confirmed by someone else, then recomputes trust.
func (e *TrustEngine) IncrementVerifiedReports(ctx context.Context, userID string) (int, error) {
	if err := e.db.IncrementVerifiedReports(ctx, userID); err != nil {
		return 0, err
	}
	return e.UpdateTrust(ctx, userID)
}

// IncrementDisputedReports is the dispute analogue.
func (e *TrustEngine) IncrementDisputedReports(ctx context.Context, userID string) (int, error) {
	if err := e.db.IncrementDisputedReports(ctx, userID); err != nil {
		return 0, err
	}
	return e.UpdateTrust(ctx, userID)
}

// TrustLevel maps a trust score to its moderation band.
func TrustLevel(score int) string {
	switch {
	case score >= 80:
		return "highly_trusted"
	case score >= 60:
		return "trusted"
	case score >= 40:
		return "neutral"
	case score >= 20:
		return "low_trust"
	default:
		return "flagged"
	}
}
