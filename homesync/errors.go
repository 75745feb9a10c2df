package homesync

import (
	"fmt"
)

// failure taxonomy. everything below the dispatcher is recovered locally
// (retried or resolved) except PermanentRejectionError and
// UnresolvedConflictError, which require user-visible action.

// malformed enqueue request. rejected synchronously, never enters the log.
type ValidationError struct {
	Message string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", self.Message)
}

// timeout, connection reset, 5xx. retried with backoff.
type TransientNetworkError struct {
	Cause error
}

func (self *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error: %s", self.Cause)
}

func (self *TransientNetworkError) Unwrap() error {
	return self.Cause
}

// the server's entity version advanced past the mutation's base version.
// routed to the conflict resolver, never surfaced raw.
type VersionConflictError struct {
	CurrentVersion EntityVersion
	CurrentFields  map[string]any
	// the server's record no longer exists
	CurrentDeleted bool
}

func (self *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: server at %d", self.CurrentVersion)
}

// server-side business-rule failure. terminal, surfaced for user correction.
type PermanentRejectionError struct {
	StatusCode int
	Message    string
}

func (self *PermanentRejectionError) Error() string {
	return fmt.Sprintf("permanent rejection (%d): %s", self.StatusCode, self.Message)
}

// parked conflict, requires a `Resolve` call.
type UnresolvedConflictError struct {
	ConflictId Id
}

func (self *UnresolvedConflictError) Error() string {
	return fmt.Sprintf("unresolved conflict %s", self.ConflictId)
}

// status transition not in the allowed set
type InvalidTransitionError struct {
	From MutationStatus
	To   MutationStatus
}

func (self *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", self.From, self.To)
}
