package model

import "errors"

// Error kinds shared across the router, registration handler, and
// reconciler (§7 of the core specification). None of these crash a handler:
// every call site logs and drops or defers to the next reconciliation tick.
var (
	ErrMalformedMessage          = errors.New("dispatcher: malformed message")
	ErrUnknownRecipient          = errors.New("dispatcher: unknown recipient")
	ErrDuplicateRegistration     = errors.New("dispatcher: duplicate registration")
	ErrMissingRelatedTransaction = errors.New("dispatcher: missing related transaction")
	ErrStoreRace                 = errors.New("dispatcher: store race")
)
