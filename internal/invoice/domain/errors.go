package domain

import "errors"

// Pipeline error taxonomy. The orchestrator keys its retry/abort decisions
// off these sentinels, so adapters must wrap provider failures into one of
// them with %w.
var (
	// ErrAuth means the account's tokens cannot be refreshed without user
	// re-consent. Aborts the account's scan.
	ErrAuth = errors.New("mailbox authentication failed")

	// ErrTransientProvider covers mailbox/model 5xx and rate-limit
	// responses. Bounded retry, then degrade.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrMalformedMessage marks a message missing its id/thread id or
	// otherwise unparseable. Skipped, never retried.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrDuplicateInvoice is a unique-constraint hit on
	// (account, message). Swallowed as already-processed.
	ErrDuplicateInvoice = errors.New("invoice already recorded for message")
)

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientProvider)
}
