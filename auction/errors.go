package auction

import (
	"errors"
	"fmt"
)

// Kind classifies protocol errors so callers can branch without matching strings.
type Kind int

const (
	// KindUnspecified is used for errors that carry no protocol classification.
	KindUnspecified Kind = iota
	// KindValidation indicates malformed input rejected before any network action.
	KindValidation
	// KindPhaseViolation indicates an operation outside its valid height window or order.
	KindPhaseViolation
	// KindIntegrity indicates a reveal hash mismatch or a missing secret. It is fatal for the bid.
	KindIntegrity
	// KindExternal indicates a signer, network or ledger failure. It is retryable
	// unless the error is marked permanent.
	KindExternal
)

// String returns a string-encoded kind.
func (k Kind) String() string {
	switch k {
	case KindUnspecified:
		return "unspecified"
	case KindValidation:
		return "validation"
	case KindPhaseViolation:
		return "phase_violation"
	case KindIntegrity:
		return "integrity_failure"
	case KindExternal:
		return "external_failure"
	default:
		return invalidStatus
	}
}

// Retryable reports whether errors of kind may go away on retry. Use
// IsRetryable to also honor permanent external failures.
func (k Kind) Retryable() bool {
	return k == KindExternal
}

// Error is a classified protocol error.
type Error struct {
	Kind Kind
	Msg  string
	// Next is the next height window in which the operation is valid.
	// Only set for phase violations.
	Next *Window
	// Permanent marks an external failure that automatic retries must not
	// repeat, e.g. a transaction the ledger refused or one that was broadcast
	// but not recorded.
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	default:
		return e.Msg
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError returns a validation error with the given message.
func NewValidationError(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// Validationf returns a validation error wrapping cause, which may be nil.
func Validationf(cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// PhaseViolationf returns a phase violation that reports the next valid window.
func PhaseViolationf(next Window, cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindPhaseViolation, Msg: fmt.Sprintf(format, args...), Next: &next, Err: cause}
}

// OrderViolationf returns a phase violation for operations that are out of order
// rather than out of a height window.
func OrderViolationf(cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindPhaseViolation, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Integrityf returns an integrity failure wrapping cause.
func Integrityf(cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindIntegrity, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Externalf returns an external failure wrapping cause.
func Externalf(cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindExternal, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// PermanentExternalf returns an external failure that must not be retried
// automatically.
func PermanentExternalf(cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindExternal, Msg: fmt.Sprintf(format, args...), Permanent: true, Err: cause}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnspecified
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// NextWindowOf returns the next valid window of a phase violation.
func NextWindowOf(err error) (Window, bool) {
	var e *Error
	if errors.As(err, &e) && e.Next != nil {
		return *e.Next, true
	}
	return Window{}, false
}

// IsRetryable reports whether retrying the operation that failed with err
// may succeed: err is an external failure and nothing in its chain is
// marked permanent.
func IsRetryable(err error) bool {
	if KindOf(err) != KindExternal {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if pe, ok := e.(*Error); ok && pe.Permanent {
			return false
		}
	}
	return true
}
