package jobs

import (
	"github.com/cockroachdb/errors"

	"jobcrawler/internal/recurrence"
)

var (
	// ErrValidation marks malformed job or recurrence input. Nothing is changed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an id that does not (or no longer) exist.
	ErrNotFound = errors.New("job not found")
	// ErrExecution marks a crawl that failed or timed out.
	ErrExecution = errors.New("crawl execution failed")
	// ErrPersist marks a failed write to the job or settings store.
	ErrPersist = errors.New("persist failed")
	// ErrAlreadyRunning is returned when a job is triggered while it is in flight.
	ErrAlreadyRunning = errors.New("job already running")
)

// Invalid wraps a validation message so errors.Is(err, ErrValidation) holds.
func Invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// NotFound builds an ErrNotFound for id.
func NotFound(id ID) error {
	return errors.Wrapf(ErrNotFound, "job %d", id)
}

// PersistFailed wraps a store error so errors.Is(err, ErrPersist) holds while
// the original cause stays reachable.
func PersistFailed(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrPersist)
}

// IsValidation also covers recurrence errors, which are input errors too.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, recurrence.ErrInvalidRecurrence)
}
