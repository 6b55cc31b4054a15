// Package risk maps a transaction's risk score onto routing decisions:
// the display level, the approval priority, and whether the transaction
// needs human sign-off or is blocked outright.
package risk

// Level classifies a score for operators and event payloads.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Priority orders approval queues. Derived from Level, never set directly.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Thresholds holds the tunable cut lines. Band edges below Approval are
// fixed; these only move the approval and block gates.
type Thresholds struct {
	Approval float64 // scores >= Approval require sign-off
	Block    float64 // scores > Block are refused outright
}

// DefaultThresholds returns the stock gates.
func DefaultThresholds() Thresholds {
	return Thresholds{Approval: 0.5, Block: 0.95}
}

// Clamp forces a score into [0,1].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// LevelFor bands a score. Bands are half-open upper-exclusive except the
// top band, which includes 1.0.
func LevelFor(score float64) Level {
	score = Clamp(score)
	switch {
	case score < 0.5:
		return LevelLow
	case score < 0.7:
		return LevelMedium
	case score < 0.85:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// PriorityFor maps a score's level onto an approval priority.
func PriorityFor(score float64) Priority {
	switch LevelFor(score) {
	case LevelLow:
		return PriorityLow
	case LevelMedium:
		return PriorityNormal
	case LevelHigh:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

// RequiresApproval reports whether a score needs human sign-off.
func (t Thresholds) RequiresApproval(score float64) bool {
	return Clamp(score) >= t.Approval
}

// Blocked reports whether a score exceeds the hard ceiling. Blocked
// transactions never create an approval request.
func (t Thresholds) Blocked(score float64) bool {
	return Clamp(score) > t.Block
}
