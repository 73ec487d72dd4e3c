package data

import (
	"errors"
	"fmt"
)

// Rejection reasons carried by StaleOrInvalidData.
const (
	ReasonStaleSequence   = "stale_sequence"
	ReasonDuplicate       = "duplicate"
	ReasonBadSignature    = "bad_signature"
	ReasonBadProofOfWork  = "bad_proof_of_work"
	ReasonExpired         = "expired"
	ReasonUnknownKind     = "unknown_kind"
	ReasonAlreadyRemoved  = "already_removed"
	ReasonNotAuthorized   = "not_authorized"
	ReasonTooLarge        = "too_large"
	ReasonFutureCreated   = "future_created"
	ReasonInvalidReceiver = "invalid_receiver"
)

var (
	ErrReconciliationIncomplete = errors.New("reconciliation incomplete")
	ErrNotFound                 = errors.New("data entry not found")
	ErrNotOwner                 = errors.New("not owner or receiver of entry")
)

// StaleOrInvalidData reports an add or remove that was rejected without
// changing the store.
type StaleOrInvalidData struct {
	Reason string
	Err    error
}

func (e *StaleOrInvalidData) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stale or invalid data (%s): %v", e.Reason, e.Err)
	}
	return "stale or invalid data: " + e.Reason
}

func (e *StaleOrInvalidData) Unwrap() error { return e.Err }

func rejected(reason string) error {
	return &StaleOrInvalidData{Reason: reason}
}

// ReasonOf extracts the rejection reason, or "" if err is not a rejection.
func ReasonOf(err error) string {
	var sd *StaleOrInvalidData
	if errors.As(err, &sd) {
		return sd.Reason
	}
	return ""
}

// settled reports whether the outcome for an envelope cannot change on a
// later delivery. Only settled envelopes enter the duplicate cache.
func settled(err error) bool {
	return ReasonOf(err) != ReasonFutureCreated
}
