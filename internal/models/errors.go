package models

import "errors"

// Pipeline error kinds. None of these are fatal to the process; they are
// surfaced to the operator or escalate an alert to manual handling.
var (
	// ErrMalformedIntent signals that strict parsing of reasoning-oracle
	// output failed and the keyword fallback could not recover it either.
	ErrMalformedIntent = errors.New("malformed intent")

	// ErrAmbiguousIntent signals that the fallback scan matched zero or more
	// than one action keyword.
	ErrAmbiguousIntent = errors.New("ambiguous intent")

	// ErrResourceNotFound signals that no inventory entry matched a name tag.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrAmbiguousResource signals that a name tag matched several resources.
	ErrAmbiguousResource = errors.New("ambiguous resource")

	// ErrForbiddenCommand signals a tool outside the permitted registry or on
	// the static blocklist; such requests never reach the gate.
	ErrForbiddenCommand = errors.New("forbidden command")

	// ErrNoProcedureFound signals an empty (post-filter) retrieval result.
	ErrNoProcedureFound = errors.New("no procedure found")
)

// Rejection reasons recorded on terminal requests.
const (
	ReasonApprovalTimeout = "approval timeout"
	ReasonOperatorDenied  = "denied by operator"
	ReasonTicketCancelled = "ticket cancelled"
)
