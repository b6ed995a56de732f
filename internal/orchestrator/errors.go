package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidQuery rejects queries that normalize to fewer than two runes.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrAllSourcesFailed matches *AllSourcesFailedError.
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// SourceError is one marketplace's failure. It is reported as an ERROR event
// and never fails the query on its own.
type SourceError struct {
	Marketplace string `json:"marketplace"`
	Message     string `json:"message"`
}

func (e *SourceError) Error() string { return e.Marketplace + ": " + e.Message }

// AllSourcesFailedError is returned when every dispatched adapter failed and no
// cached listings contributed to the result.
type AllSourcesFailedError struct {
	Query    string
	Failures []SourceError
}

func (e *AllSourcesFailedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("all sources failed for %q: %s", e.Query, strings.Join(parts, "; "))
}

func (e *AllSourcesFailedError) Is(target error) bool { return target == ErrAllSourcesFailed }
