package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Horizon is a fixed forward-looking prediction window.
type Horizon string

const (
	Horizon2Week Horizon = "2week"
	Horizon4Week Horizon = "4week"
	Horizon6Week Horizon = "6week"
	Horizon8Week Horizon = "8week"
)

var horizonDays = map[Horizon]int{
	Horizon2Week: 14,
	Horizon4Week: 28,
	Horizon6Week: 42,
	Horizon8Week: 56,
}

// Horizons returns every supported horizon, shortest first.
func Horizons() []Horizon {
	return []Horizon{Horizon2Week, Horizon4Week, Horizon6Week, Horizon8Week}
}

// Days returns the window length in days, or 0 for an unknown horizon.
func (h Horizon) Days() int {
	return horizonDays[h]
}

// Valid reports whether h is a supported horizon.
func (h Horizon) Valid() bool {
	_, ok := horizonDays[h]
	return ok
}

// ParseHorizon parses a horizon name such as "4week".
func ParseHorizon(s string) (Horizon, error) {
	h := Horizon(strings.ToLower(strings.TrimSpace(s)))
	if !h.Valid() {
		return "", eris.Errorf("model: unknown horizon %q", s)
	}
	return h, nil
}

// Severity is the coarse shortage-magnitude bucket derived from probability.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities: low=1, medium=2, high=3, unknown=0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// ConfidenceLevel buckets a confidence score.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// PredictionStatus is the lifecycle state of a prediction.
type PredictionStatus string

const (
	// StatusPending marks a persisted prediction still waiting on its explanation.
	StatusPending  PredictionStatus = "pending"
	StatusActive   PredictionStatus = "active"
	StatusResolved PredictionStatus = "resolved"
	StatusExpired  PredictionStatus = "expired"
)

var statusTransitions = map[PredictionStatus][]PredictionStatus{
	StatusPending: {StatusActive, StatusExpired},
	StatusActive:  {StatusResolved, StatusExpired},
}

// Valid reports whether s is a known status.
func (s PredictionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusResolved, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether a prediction may move from s to next.
func (s PredictionStatus) CanTransition(next PredictionStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
