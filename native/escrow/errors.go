package escrow

import (
	"errors"
	"fmt"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/ledger"
)

// Kind classifies why a transition was rejected so callers can decide
// between retrying, giving up and reconciling.
type Kind uint8

const (
	KindInternal Kind = iota
	KindAuthorization
	KindPrecondition
	KindEncoding
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindPrecondition:
		return "precondition"
	case KindEncoding:
		return "encoding"
	default:
		return "internal"
	}
}

var (
	ErrUnauthorized        = errors.New("escrow: caller not authorized")
	ErrAccountMismatch     = errors.New("escrow: supplied account does not match derivation")
	ErrNotMatured          = errors.New("escrow: record has not matured")
	ErrInsufficientFunds   = errors.New("escrow: insufficient funds")
	ErrInsufficientDeposit = errors.New("escrow: insufficient native balance for deposit")
	ErrRecordExists        = errors.New("escrow: record already exists")
	ErrRecordRetired       = errors.New("escrow: record address already used")
	ErrRecordNotFound      = errors.New("escrow: record not found")
	ErrInvalidAmount       = errors.New("escrow: amount must be positive")
	ErrInvalidAsset        = errors.New("escrow: asset identifier required")
	ErrInvalidExpiry       = errors.New("escrow: expiry must be in the future")
	ErrSchedulerRejected   = errors.New("escrow: scheduler rejected registration")
	ErrCompileTransaction  = errors.New("escrow: compile transaction failed")

	errNilState    = errors.New("escrow engine: storage not configured")
	errNoScheduler = errors.New("escrow engine: scheduler not configured")
)

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrUnauthorized, KindAuthorization},
	{ErrAccountMismatch, KindAuthorization},
	{ErrNotMatured, KindPrecondition},
	{ErrInsufficientFunds, KindPrecondition},
	{ErrInsufficientDeposit, KindPrecondition},
	{ErrRecordExists, KindPrecondition},
	{ErrRecordRetired, KindPrecondition},
	{ErrRecordNotFound, KindPrecondition},
	{ErrInvalidAmount, KindPrecondition},
	{ErrInvalidAsset, KindPrecondition},
	{ErrInvalidExpiry, KindPrecondition},
	{ErrSchedulerRejected, KindPrecondition},
	{ErrCompileTransaction, KindEncoding},
}

// Error is returned by every failed transition. The state is unchanged
// whenever an Error is returned.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("escrow %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the category of err. Bare sentinels are classified too;
// anything else is KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	for _, entry := range sentinelKinds {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// ledgerErr translates ledger failures into program sentinels while keeping
// the ledger cause in the chain.
func ledgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountNotFound):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrInsufficientNative):
		return fmt.Errorf("%w: %w", ErrInsufficientDeposit, err)
	case errors.Is(err, ledger.ErrOwnerMismatch):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, ledger.ErrMintMismatch):
		return fmt.Errorf("%w: %w", ErrAccountMismatch, err)
	default:
		return err
	}
}
