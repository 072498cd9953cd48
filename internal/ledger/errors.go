package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind names a class of trade failure. Values are stable and appear in API
// responses and metric labels.
type Kind string

const (
	KindInvalidAmount       Kind = "InvalidAmount"
	KindInvalidDirection    Kind = "InvalidDirection"
	KindInvalidAsset        Kind = "InvalidAsset"
	KindPriceUnavailable    Kind = "PriceUnavailable"
	KindAccountNotFound     Kind = "AccountNotFound"
	KindInsufficientFunds   Kind = "InsufficientFunds"
	KindNoSuchHolding       Kind = "NoSuchHolding"
	KindInsufficientHolding Kind = "InsufficientHolding"
	KindPersistence         Kind = "PersistenceFailure"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidDirection    = errors.New("invalid direction")
	ErrInvalidAsset        = errors.New("invalid asset")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrNoSuchHolding       = errors.New("no such holding")
	ErrInsufficientHolding = errors.New("insufficient holding")

	// ErrPersistence means the atomic commit did not complete. Nothing was
	// applied; the caller may retry the whole trade.
	ErrPersistence = errors.New("persistence failure")
)

var sentinels = map[Kind]error{
	KindInvalidAmount:       ErrInvalidAmount,
	KindInvalidDirection:    ErrInvalidDirection,
	KindInvalidAsset:        ErrInvalidAsset,
	KindPriceUnavailable:    ErrPriceUnavailable,
	KindAccountNotFound:     ErrAccountNotFound,
	KindInsufficientFunds:   ErrInsufficientFunds,
	KindNoSuchHolding:       ErrNoSuchHolding,
	KindInsufficientHolding: ErrInsufficientHolding,
	KindPersistence:         ErrPersistence,
}

// RejectionError is a business-rule refusal. No state was changed. The
// decimal fields carry the diagnostics a client needs to explain the refusal:
// Shortfall for InsufficientFunds, Held and Requested (asset units) for
// InsufficientHolding.
type RejectionError struct {
	Kind      Kind
	Message   string
	Shortfall decimal.Decimal
	Held      decimal.Decimal
	Requested decimal.Decimal

	cause error
}

func (e *RejectionError) Error() string { return e.Message }

// Unwrap exposes the kind's sentinel and, when present, the underlying cause.
func (e *RejectionError) Unwrap() []error {
	errs := []error{sentinels[e.Kind]}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func reject(kind Kind, format string, args ...any) *RejectionError {
	return &RejectionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func persistence(err error) error {
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// KindOf reports the failure kind of err, or "" for nil and unknown errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
