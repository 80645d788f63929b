package calibrate

import (
	"errors"
	"fmt"
)

// ErrSkipped marks frames that were deliberately not calibrated. It is not a
// failure: batch callers count it separately.
var ErrSkipped = errors.New("frame skipped")

// SkipReason explains why a frame was skipped.
type SkipReason string

const (
	SkipNoAstrometry   SkipReason = "no-astrometry"
	SkipEmptyCatalog   SkipReason = "empty-catalog"
	SkipArtifactExists SkipReason = "artifact-exists"
)

// SkipError is returned for skipped frames and wraps ErrSkipped.
type SkipError struct {
	Reason SkipReason
	Detail string
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("frame skipped: %s", e.Reason)
	}
	return fmt.Sprintf("frame skipped: %s: %s", e.Reason, e.Detail)
}

func (e *SkipError) Unwrap() error { return ErrSkipped }

// IsSkip reports whether err is a skip and returns its reason.
func IsSkip(err error) (SkipReason, bool) {
	var se *SkipError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}
