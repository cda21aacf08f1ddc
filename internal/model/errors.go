package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = eris.New("not found")
	// ErrFeatureConflict is returned when a stored feature vector would be overwritten
	// with different values.
	ErrFeatureConflict = eris.New("feature vector already exists with different values")
	// ErrInvalidTransition is returned for a disallowed prediction status change.
	ErrInvalidTransition = eris.New("invalid status transition")
)

// InsufficientDataError reports required features missing for a horizon.
// The caller skips that (subject, horizon) instead of guessing.
type InsufficientDataError struct {
	Subject string
	Horizon Horizon
	Missing []string
	Reason  string
}

func (e *InsufficientDataError) Error() string {
	msg := fmt.Sprintf("insufficient data for %s/%s", e.Subject, e.Horizon)
	if len(e.Missing) > 0 {
		msg += ": missing " + strings.Join(e.Missing, ", ")
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ExplanationUnavailableError reports that the model produced no attributions.
// The prediction is persisted as pending and explained on a later run.
type ExplanationUnavailableError struct {
	PredictionID string
	Err          error
}

func (e *ExplanationUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("explanation unavailable for %s: %v", e.PredictionID, e.Err)
	}
	return fmt.Sprintf("explanation unavailable for %s: model returned no attributions", e.PredictionID)
}

func (e *ExplanationUnavailableError) Unwrap() error {
	return e.Err
}

// DuplicateExplanationError is returned when a prediction already has an explanation.
type DuplicateExplanationError struct {
	PredictionID string
}

func (e *DuplicateExplanationError) Error() string {
	return fmt.Sprintf("explanation already exists for prediction %s", e.PredictionID)
}

// ModelLoadError is fatal for a run: no subject is processed.
type ModelLoadError struct {
	Source string
	Err    error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model from %s: %v", e.Source, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
