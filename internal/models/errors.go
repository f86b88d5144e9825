package models

import "errors"

var (
	// ErrInvalidInput marks malformed or out-of-range client data
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict marks a request incompatible with the current state
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks a missing task or resource
	ErrNotFound = errors.New("not found")
	// ErrAssemblyFailed is fatal for the task; the client must start a new upload attempt
	ErrAssemblyFailed = errors.New("assembly failed")
	// ErrStorageIO marks a failure of the staging, artifact or metadata backends
	ErrStorageIO = errors.New("storage i/o failure")
	// ErrUnauthorized marks a request without a usable owner identity
	ErrUnauthorized = errors.New("unauthorized")
)
