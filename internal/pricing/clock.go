package pricing

import (
	"time"

	"github.com/seongmin1117/stock-quest-sub011/internal/model"
)

// SimulatedNow maps wall time to the session's position inside its
// replayed historical period:
//
//	simNow = periodStart + (wallNow - startedAt) * speedFactor
//
// clamped to the period bounds. One simulated timestamp must cover an
// entire valuation call so the snapshot never mixes ticks.
func SimulatedNow(sess *model.ChallengeSession, wallNow time.Time) time.Time {
	speed := sess.SpeedFactor
	if speed < 1 {
		speed = 1
	}

	elapsed := wallNow.Sub(sess.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	// Clamp before multiplying so a long-running session at a high speed
	// factor cannot overflow the duration arithmetic.
	span := sess.PeriodEnd.Sub(sess.PeriodStart)
	if elapsed > span/time.Duration(speed) {
		return sess.PeriodEnd
	}
	return sess.PeriodStart.Add(elapsed * time.Duration(speed))
}

// Expired reports whether the session's replay has consumed its whole
// historical period.
func Expired(sess *model.ChallengeSession, wallNow time.Time) bool {
	return !SimulatedNow(sess, wallNow).Before(sess.PeriodEnd)
}
