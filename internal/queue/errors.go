package queue

import "errors"

var (
	ErrNotInitialized     = errors.New("queue: client not initialized")
	ErrAlreadyInitialized = errors.New("queue: client already initialized")
	ErrUnknownJob         = errors.New("queue: no processor registered for job")
	ErrInvalidEnvelope    = errors.New("queue: invalid envelope")
	ErrInvalidState       = errors.New("queue: invalid state transition")
	ErrDuplicateJob       = errors.New("queue: duplicate job name")
	ErrNoJobs             = errors.New("queue: no job specs registered")
)
