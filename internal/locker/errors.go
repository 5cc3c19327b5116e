package locker

import "errors"

// Domain errors for the locker package. Check with errors.Is.
var (
	// ErrValidation is returned for malformed or missing input. Nothing is
	// mutated when it is returned.
	ErrValidation = errors.New("locker: validation failed")

	// ErrLockerNotFound is returned when a locker ID does not exist.
	ErrLockerNotFound = errors.New("locker: not found")

	// ErrBoxNotFound is returned when a box does not exist.
	ErrBoxNotFound = errors.New("locker: box not found")

	// ErrConflict is returned when a box or locker is not in the state the
	// requested transition needs, e.g. filling a box that is already full.
	ErrConflict = errors.New("locker: conflict")

	// ErrCodeMismatch is returned when a pickup supplies the wrong unlock code.
	ErrCodeMismatch = errors.New("locker: unlock code mismatch")

	// ErrStaleReport is returned when a device report is older than the
	// state already applied for that locker.
	ErrStaleReport = errors.New("locker: stale report")

	// ErrPersistence wraps failures of the underlying store.
	ErrPersistence = errors.New("locker: persistence failure")
)

// isDomainError reports whether err already carries one of the package
// sentinels and so must not be rewrapped as ErrPersistence.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrLockerNotFound, ErrBoxNotFound,
		ErrConflict, ErrCodeMismatch, ErrStaleReport, ErrPersistence,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
