package tryon

import "errors"

var (
	// ErrJobNotFound is returned when a job does not exist or belongs
	// to another user. The two cases are deliberately indistinguishable.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when cancelling a job that already
	// reached a terminal state.
	ErrJobFinished = errors.New("job already finished")

	// ErrJobSuperseded is returned when a guarded status write loses to
	// a concurrent terminal transition (e.g. a user cancel racing the
	// worker). The earlier terminal write wins.
	ErrJobSuperseded = errors.New("job superseded by a terminal transition")

	// ErrNoModelImage is returned at submit time when no model image
	// was supplied and the caller has no default profile image.
	ErrNoModelImage = errors.New("model image is required")

	// ErrNoGarmentInput is returned at submit time when none of the
	// recognized garment input shapes is present.
	ErrNoGarmentInput = errors.New("at least one garment input is required")
)
