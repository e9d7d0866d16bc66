package scan

import "errors"

var (
	ErrValidation        = errors.New("invalid scan configuration")
	ErrInvalidTransition = errors.New("invalid job state transition")

	ErrJobNotFound       = errors.New("scan job not found")
	ErrExecutionNotFound = errors.New("product execution not found")

	// ErrClaimRaceLost signals that another dispatcher cycle claimed the job
	// first. Never surfaced to users; the dispatcher simply retries next cycle.
	ErrClaimRaceLost = errors.New("job claim race lost")
)
