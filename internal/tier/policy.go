package tier

import (
	"fmt"
	"time"
)

// Day is the unit of the migration age threshold.
const Day = 24 * time.Hour

// Policy decides whether a hot object is old enough to migrate to cold.
// The threshold is fixed at construction.
type Policy struct {
	threshold time.Duration
}

// NewPolicy creates a policy from a threshold in whole days. Zero days makes
// every object with a known, non-future last-modified time eligible.
func NewPolicy(ageDays int) (*Policy, error) {
	if ageDays < 0 {
		return nil, fmt.Errorf("age threshold must be >= 0 days, got %d", ageDays)
	}
	return &Policy{threshold: time.Duration(ageDays) * Day}, nil
}

// Threshold returns the minimum object age for migration.
func (p *Policy) Threshold() time.Duration {
	return p.threshold
}

// Eligible evaluates IsEligible with the policy's threshold.
func (p *Policy) Eligible(lastModified, now time.Time) bool {
	return IsEligible(lastModified, now, p.threshold)
}

// IsEligible returns true iff now - lastModified >= threshold. An unknown
// (zero) lastModified is never eligible.
func IsEligible(lastModified, now time.Time, threshold time.Duration) bool {
	if lastModified.IsZero() {
		return false
	}
	return now.Sub(lastModified) >= threshold
}
