// Package scoring computes relevance and health scores from a memory's
// access, feedback, and age signals. All functions are pure: they read the
// memory and an explicit instant, and touch nothing.
package scoring

import (
	"math"
	"time"

	"github.com/lcrawford/membank/internal/memory"
)

// AgeFactor rewards young memories: 25 at creation, declining by one point
// every 14 days down to zero.
func AgeFactor(m *memory.Memory, now time.Time) float64 {
	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	return math.Max(0, 25-ageDays/14)
}

// AccessFactor rewards frequently read memories, capped at 25.
func AccessFactor(m *memory.Memory) float64 {
	return math.Min(25, float64(m.AccessCount)*2.5)
}

// FeedbackFactor maps the helpful/unhelpful balance onto [0, 25], with 12.5
// for neutral feedback.
func FeedbackFactor(m *memory.Memory) float64 {
	net := float64(m.HelpfulCount-m.UnhelpfulCount) * 2.5
	return 12.5 + clamp(net, -12.5, 12.5)
}

// FreshnessFactor rewards recently accessed memories: 25 right after an
// access, declining by one point every 7 days. Never-accessed memories score
// zero.
func FreshnessFactor(m *memory.Memory, now time.Time) float64 {
	if m.LastAccessedAt == nil {
		return 0
	}
	sinceDays := now.Sub(*m.LastAccessedAt).Hours() / 24
	return math.Max(0, 25-sinceDays/7)
}

// HealthScore is the 0-100 decay-based score combining the four factors,
// rounded to two decimals.
func HealthScore(m *memory.Memory, now time.Time) float64 {
	score := AgeFactor(m, now) + AccessFactor(m) + FeedbackFactor(m) + FreshnessFactor(m, now)
	return math.Round(score*100) / 100
}

// Weights tunes the relevance combination. The exact values are
// configuration, not contract; the contract is monotonicity: relevance grows
// with priority, access count, and recent access, and never grows with age
// alone.
type Weights struct {
	Priority  float64
	Access    float64
	Freshness float64
	Feedback  float64
}

// DefaultWeights is the tuning used by the pruning policy unless overridden.
var DefaultWeights = Weights{
	Priority:  0.35,
	Access:    0.25,
	Freshness: 0.25,
	Feedback:  0.15,
}

// RelevanceScore combines the signal family onto [0, 100] for pruning
// decisions. Pinned memories are defined to never register as low-relevance.
func RelevanceScore(m *memory.Memory, now time.Time, w Weights) float64 {
	if m.Pinned() {
		return 100
	}

	priority := float64(m.Priority)
	access := math.Min(100, float64(m.AccessCount)*10)
	freshness := FreshnessFactor(m, now) * 4
	feedback := FeedbackFactor(m) * 4

	score := w.Priority*priority + w.Access*access + w.Freshness*freshness + w.Feedback*feedback
	return math.Round(clamp(score, 0, 100)*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
