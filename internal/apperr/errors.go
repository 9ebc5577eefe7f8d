// Package apperr defines the error taxonomy shared across the ingestion core.
//
// Callers branch on these sentinels with errors.Is. None of them is fatal to
// the process: a single source's failure never halts ingestion for the others.
package apperr

import "errors"

var (
	// ErrPermissionDenied means the operating environment has not granted
	// (or has revoked) read access to a source's store. Recoverable by user
	// action outside this core; the source is suspended and probed on a
	// longer interval until access returns.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSourceUnavailable means the store could not be opened or read
	// within the bounded retry budget (lock contention, missing file).
	// Transient; retried with exponential backoff.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSchemaUnrecognized means the adapter cannot interpret the store's
	// current schema version. Requires an adapter update; never retried
	// automatically.
	ErrSchemaUnrecognized = errors.New("schema unrecognized")

	// ErrConsumerRejected means the downstream consumer failed to
	// acknowledge a batch. The cursor is not advanced and the batch is
	// retried on the next cycle.
	ErrConsumerRejected = errors.New("consumer rejected batch")

	// ErrNotFound is returned by lookup surfaces for unknown identifiers.
	ErrNotFound = errors.New("not found")
)
