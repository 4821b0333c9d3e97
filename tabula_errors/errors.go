// Provides common tabula error definitions.
package tabula_errors

import "errors"

var (
	// ErrConflict is the optimistic-concurrency loss: some entity the
	// transaction read or wrote was modified by another committed
	// transaction. Always retriable from a fresh snapshot; surfaced to the
	// caller only after the bounded retry budget is spent.
	ErrConflict = errors.New("tabula: transaction conflict")

	// ErrValidation covers malformed documents, schema violations and
	// index-constraint violations. Fatal to the single mutation, never
	// retried automatically.
	ErrValidation = errors.New("tabula: validation failed")

	// ErrAuth covers identity resolution and authorization failures.
	ErrAuth = errors.New("tabula: unauthorized")

	// ErrInvalidSpec is a malformed cron specification, reported at
	// schedule-creation time.
	ErrInvalidSpec = errors.New("tabula: invalid cron spec")

	// ErrJobExecution is recorded in job state when the scheduled function
	// itself fails; it drives retry/backoff and is never process-fatal.
	ErrJobExecution = errors.New("tabula: job execution failed")

	ErrTableUnknown    = errors.New("tabula: unknown table")
	ErrDocumentUnknown = errors.New("tabula: unknown document")
	ErrDocumentExists  = errors.New("tabula: document already exists")
	ErrJobUnknown      = errors.New("tabula: unknown job")
	ErrJobTerminal     = errors.New("tabula: job is in a terminal state")
	ErrBlobUnknown     = errors.New("tabula: unknown blob")
	ErrUniqueIndex     = errors.New("tabula: unique index constraint violation")
	ErrClosed          = errors.New("tabula: database is closed")
)
