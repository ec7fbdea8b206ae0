package engine

import (
	"errors"
	"fmt"

	"crosslend/internal/bridge"
	"crosslend/internal/ledger"
	"crosslend/internal/oracle"
	"crosslend/internal/risk"
)

// Kind classifies operation failures for callers. The split matters
// operationally: precondition and stale-price failures are fixed by the
// caller and retried, relay timeouts mean "pending, check back later", and
// duplicate mirrors are not failures at all.
type Kind string

const (
	KindPrecondition    Kind = "precondition"
	KindStalePrice      Kind = "stale_price"
	KindRelayTimeout    Kind = "relay_timeout"
	KindDuplicateMirror Kind = "duplicate_mirror"
	KindInsufficientFee Kind = "insufficient_fee"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindInternal        Kind = "internal"
)

// OpError is the typed failure every engine operation returns.
type OpError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// ErrOrderBusy rejects a second in-flight operation on the same order.
var ErrOrderBusy = errors.New("engine: operation already in flight for this order")

func opErr(op string, kind Kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// classify maps lower-layer errors onto the operation error taxonomy.
func classify(op string, err error) *OpError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrOrderNotFound),
		errors.Is(err, ledger.ErrPositionNotFound):
		return opErr(op, KindNotFound, err)
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrPriceDeviation):
		return opErr(op, KindStalePrice, err)
	case errors.Is(err, bridge.ErrRelayTimeout):
		return opErr(op, KindRelayTimeout, err)
	case errors.Is(err, bridge.ErrDuplicateMirror):
		return opErr(op, KindDuplicateMirror, err)
	case errors.Is(err, bridge.ErrInsufficientFee):
		return opErr(op, KindInsufficientFee, err)
	case errors.Is(err, ErrOrderBusy):
		return opErr(op, KindConflict, err)
	case errors.Is(err, ledger.ErrOrderExists),
		errors.Is(err, ledger.ErrAlreadyFunded),
		errors.Is(err, ledger.ErrNotFunded),
		errors.Is(err, ledger.ErrOrderLiquidated),
		errors.Is(err, ledger.ErrNothingUnlocked),
		errors.Is(err, ledger.ErrPositionClosed),
		errors.Is(err, ledger.ErrNoDebt),
		errors.Is(err, ledger.ErrRepayExceedsDebt),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, risk.ErrExceedsMaxBorrow),
		errors.Is(err, risk.ErrZeroDebtRepay):
		return opErr(op, KindPrecondition, err)
	default:
		return opErr(op, KindInternal, err)
	}
}
