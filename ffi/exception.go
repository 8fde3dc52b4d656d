package ffi

import (
	"unicode/utf8"

	"github.com/chazu/embedvm/vm"
)

// Exception state limits, in bytes.
const (
	maxExceptionMessage = 512
	maxExceptionStack   = 2048
)

// exceptionState is the last guest exception captured by a trapping call.
// A thrown reference value stays rooted until the state is cleared.
type exceptionState struct {
	set     bool
	message string
	stack   string
	ex      *vm.Exception
	root    vm.RootID
}

// clearException drops the recorded exception and its root. Every public
// call operation starts with it.
func (b *Bridge) clearException() {
	if b.exc.root != 0 {
		b.vm.Heap.RemoveRoot(b.exc.root)
	}
	b.exc = exceptionState{}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// recordException stores ex as the bridge's current exception.
func (b *Bridge) recordException(ex *vm.Exception) {
	msg := ex.Message
	if msg == "" {
		msg = "guest exception"
	}
	b.clearException()
	b.exc = exceptionState{
		set:     true,
		message: truncate(msg, maxExceptionMessage),
		stack:   truncate(ex.StackTrace(), maxExceptionStack),
		ex:      ex,
	}
	if ex.Value.IsRef() && b.vm.Heap.Valid(ex.Value) {
		b.exc.root = b.vm.Heap.AddRoot(ex.Value)
	}
	log.Debug("guest exception", "bridge", b.ID, "message", b.exc.message)
}

// thrown records ex and returns the EXCEPTION_THROWN error for op.
func (b *Bridge) thrown(op string, ex *vm.Exception) error {
	b.recordException(ex)
	return b.fail(newError(ExceptionThrown, op).detail("%s", b.exc.message).cause(ex).build())
}

// ExceptionMessage returns the message of the last captured exception, or
// "".
func (b *Bridge) ExceptionMessage() string { return b.exc.message }

// ExceptionStack returns the stack of the last captured exception,
// innermost frame first, one frame per line.
func (b *Bridge) ExceptionStack() string { return b.exc.stack }

// HasException reports whether an exception is recorded.
func (b *Bridge) HasException() bool { return b.exc.set }

// Exception returns the last captured exception, or nil. Its Value stays
// valid until the exception is cleared.
func (b *Bridge) Exception() *vm.Exception { return b.exc.ex }

// ExceptionValue returns a new rooted handle for the thrown guest value,
// or NoHandle when no exception is recorded. The handle outlives the
// exception state and must be freed by the caller.
func (b *Bridge) ExceptionValue() Handle {
	if !b.exc.set {
		return NoHandle
	}
	return b.Wrap(b.exc.ex.Value)
}

// ClearException forgets the recorded exception.
func (b *Bridge) ClearException() { b.clearException() }

// LastError returns the most recent failure of any bridge operation.
func (b *Bridge) LastError() error { return b.lastErr }

// ---------------------------------------------------------------------------
// Classified calls
// ---------------------------------------------------------------------------

// CallResult classifies the outcome of a call.
type CallResult int

const (
	// CallOK means the callee returned normally.
	CallOK CallResult = iota
	// CallException means the guest threw.
	CallException
	// CallError means the call never ran: bad arguments, missing class or
	// member, uninitialized module.
	CallError
)

func (r CallResult) String() string {
	switch r {
	case CallOK:
		return "OK"
	case CallException:
		return "EXCEPTION"
	}
	return "ERROR"
}

// Classify derives a CallResult from the error returned by a call.
func Classify(err error) CallResult {
	switch CodeOf(err) {
	case OK:
		return CallOK
	case ExceptionThrown:
		return CallException
	}
	return CallError
}

// TryCallStatic is CallStatic with its outcome classified.
func (b *Bridge) TryCallStatic(class, method string, args ...Handle) (Handle, CallResult, error) {
	h, err := b.CallStatic(class, method, args...)
	return h, Classify(err), err
}

// TryCallMethod is CallMethod with its outcome classified.
func (b *Bridge) TryCallMethod(obj Handle, method string, args ...Handle) (Handle, CallResult, error) {
	h, err := b.CallMethod(obj, method, args...)
	return h, Classify(err), err
}
