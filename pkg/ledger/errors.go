package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when the ledger cannot be reached or the circuit
// breaker is open.
var ErrUnavailable = errors.New("ledger unavailable")

// Class is the classification of a rejected ledger operation.
type Class string

const (
	ClassNonceReuse        Class = "nonce_reuse"
	ClassInsufficientFunds Class = "insufficient_funds"
	ClassGenericRevert     Class = "generic_revert"
)

// RejectedError is returned when the ledger processed a call and refused it.
type RejectedError struct {
	Op     string
	Class  Class
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected %s (%s): %s", e.Op, e.Class, e.Reason)
}

// Classify returns the rejection class of err, if err is a rejection.
func Classify(err error) (Class, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Class, true
	}
	return "", false
}

// ClassifyReason maps a structured reason code, or failing that the free-form
// failure message, onto a Class.
func ClassifyReason(reason, message string) Class {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "nonce_reuse", "nonce_used", "duplicate_nonce":
		return ClassNonceReuse
	case "insufficient_funds", "insufficient_balance":
		return ClassInsufficientFunds
	case "reverted", "revert", "generic_revert":
		return ClassGenericRevert
	}

	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "nonce") &&
		(strings.Contains(msg, "used") || strings.Contains(msg, "reuse") ||
			strings.Contains(msg, "already") || strings.Contains(msg, "consumed")):
		return ClassNonceReuse
	case strings.Contains(msg, "insufficient"):
		return ClassInsufficientFunds
	default:
		return ClassGenericRevert
	}
}
