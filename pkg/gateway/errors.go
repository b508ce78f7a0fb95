package gateway

import "errors"

// Common domain errors used across gateway subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrNoRoute indicates no backend advertises the requested capability.
	// Wrapping errors carry the capability key that failed to resolve.
	ErrNoRoute = errors.New("no server found for capability")

	// ErrNoHealthyBackend indicates the routed backend has no instance that
	// is healthy and under its connection budget.
	ErrNoHealthyBackend = errors.New("no healthy server instances available")

	// ErrBackendNotFound indicates the backend id is not registered.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrDuplicateCapability indicates two backends declared the same
	// capability key. The capability table builder rejects this at startup.
	ErrDuplicateCapability = errors.New("duplicate capability mapping")

	// ErrSessionQuota indicates the global session budget is exhausted.
	ErrSessionQuota = errors.New("maximum concurrent sessions reached")

	// ErrUnresolvedOrganization indicates no organization context could be
	// resolved from the presented credentials.
	ErrUnresolvedOrganization = errors.New("unable to resolve organization context")

	// ErrSessionNotFound indicates the session id does not identify a live
	// session. Expired and removed sessions report this.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidToken indicates a session token that failed validation.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrForward indicates the forward to a backend failed after any
	// applicable retries. Wrapping errors carry the transport cause.
	ErrForward = errors.New("forward failed")

	// ErrInvalidConfig indicates invalid configuration was provided.
	// Wrapping errors should provide specific details about what is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)
