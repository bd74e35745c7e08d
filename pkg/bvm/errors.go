package bvm

import (
	"errors"
	"fmt"
)

// Fault kinds. Any of these aborts the whole invocation; the caller must
// discard every ledger mutation made since the invocation started.
var (
	ErrMemoryAccess        = errors.New("invalid memory access")
	ErrStringUnterminated  = errors.New("string not terminated")
	ErrStackOverflow       = errors.New("stack overflow")
	ErrOperandStack        = errors.New("operand stack violation")
	ErrInvalidOpcode       = errors.New("invalid opcode")
	ErrUnreachable         = errors.New("unreachable executed")
	ErrDivByZero           = errors.New("division by zero")
	ErrLocalIndex          = errors.New("local index out of range")
	ErrCallDepth           = errors.New("local call depth exceeded")
	ErrFarCallDepth        = errors.New("far call depth exceeded")
	ErrChargeExhausted     = errors.New("charge exhausted")
	ErrShaderNotFound      = errors.New("contract shader not found")
	ErrBadModule           = errors.New("malformed module")
	ErrMethodOutOfRange    = errors.New("method index out of range")
	ErrHalt                = errors.New("halted")
	ErrHeap                = errors.New("heap violation")
	ErrFundsOverflow       = errors.New("funds overflow")
	ErrFundsUnderflow      = errors.New("funds underflow")
	ErrRefOverflow         = errors.New("reference counter overflow")
	ErrRefUnderflow        = errors.New("reference counter underflow")
	ErrAssetNotFound       = errors.New("asset not found")
	ErrAssetOwner          = errors.New("asset owner mismatch")
	ErrAssetSupply         = errors.New("asset still in circulation")
	ErrAssetMeta           = errors.New("invalid asset metadata")
	ErrVarKey              = errors.New("invalid variable key")
	ErrVarSize             = errors.New("variable too large")
	ErrReservedTag         = errors.New("reserved storage tag")
	ErrWrongMode           = errors.New("operation not available in this mode")
	ErrUnknownHostCall     = errors.New("unknown host call")
	ErrBadHandle           = errors.New("invalid handle")
	ErrInvalidKey          = errors.New("invalid public key")
	ErrSignature           = errors.New("kernel signature invalid")
	ErrContractReferenced  = errors.New("contract is still referenced")
	ErrContractExists      = errors.New("contract already deployed")
	ErrEnumRange           = errors.New("invalid enumeration range")
	ErrDocNesting          = errors.New("document nesting violation")
	ErrStorage             = errors.New("storage failure")
	ErrInvalidState        = errors.New("processor not in a runnable state")
	ErrInternal            = errors.New("internal error")
)

// Request-level errors. These are not faults: they reject a manager request
// without implying anything about ledger state.
var (
	ErrArgMissing = errors.New("missing argument")
	ErrArgInvalid = errors.New("invalid argument")
)

// Fault is a fatal VM fault.
type Fault struct {
	Kind   error
	Detail string
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return f.Kind.Error()
	}
	return f.Kind.Error() + ": " + f.Detail
}

func (f *Fault) Unwrap() error {
	return f.Kind
}

// faultf builds a fault of the given kind.
func faultf(kind error, format string, args ...any) error {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// asFault passes faults through and wraps anything else under kind.
func asFault(kind error, err error) error {
	if err == nil || IsFault(err) {
		return err
	}
	return &Fault{Kind: kind, Detail: err.Error()}
}

// IsFault reports whether err is a VM fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}
