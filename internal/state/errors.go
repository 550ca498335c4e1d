package state

import "errors"

// Error kinds the driver dispatches on. Storage and broker failures call
// for different recovery (retry vs pause), so they stay distinct.
var (
	// ErrStorageUnavailable wraps ledger failures that must stop trading
	// (session creation, position saves). Checkpoint failures are NOT
	// reported through this; see CheckpointResult.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBrokerUnavailable wraps broker API failures during reconciliation.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrReconcileConflict marks recovered state that needs manual review.
	ErrReconcileConflict = errors.New("reconciliation conflict")

	// ErrSessionActive is returned by CreateSession while another session
	// for the instance is still active.
	ErrSessionActive = errors.New("another session is already active")

	// ErrSessionNotFound is returned when resuming an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoCheckpoint is returned when no checkpoint exists to restore.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrNoSession is returned by operations that need a current session
	// before one was created or resumed.
	ErrNoSession = errors.New("no current session")
)
