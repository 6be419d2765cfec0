// Package taperror defines the sentinel error kinds the runtime needs to
// tell apart when deciding whether a stream failure is fatal or skippable.
package taperror

import "errors"

var (
	// ErrUnsupportedPartitioning is returned when a stream is invoked with a
	// non-nil partition context; partitioned-stream parallelism is out of scope.
	ErrUnsupportedPartitioning = errors.New("tap-postgres: partitioned stream contexts are not supported")

	// ErrTypeTranslationFailure is returned by the Type Mapper when the input
	// is neither a recognized type name nor a structured type descriptor.
	ErrTypeTranslationFailure = errors.New("tap-postgres: could not translate sql type")

	// ErrUnknownWALAction is returned by the wal2json decoder when a change
	// message carries an action byte outside the known I/U/D/T/B/C set.
	ErrUnknownWALAction = errors.New("tap-postgres: unknown wal2json action")

	// ErrMissingReplicationKey is returned when an INCREMENTAL query stream
	// is asked to run without a replication key set.
	ErrMissingReplicationKey = errors.New("tap-postgres: missing replication key")

	// ErrConnectionFailure wraps failures opening or writing to the dedicated
	// replication connection. Errors from building the query pool are not
	// wrapped with it.
	ErrConnectionFailure = errors.New("tap-postgres: connection failure")
)
