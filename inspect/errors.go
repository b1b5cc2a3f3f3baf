package inspect

import "fmt"

// ErrorKind is the failure class of an engine error
type ErrorKind uint8

const (
	AllocationFailure ErrorKind = iota + 1
	SuspendRegistrationFailure
	InjectionFailure
	HeaderReconstructionFailure
)

func (k ErrorKind) String() string {
	switch k {
	case AllocationFailure:
		return "allocation failure"
	case SuspendRegistrationFailure:
		return "suspend registration failure"
	case InjectionFailure:
		return "injection failure"
	case HeaderReconstructionFailure:
		return "header reconstruction failure"
	}
	return fmt.Sprintf("error kind %d", uint8(k))
}

// Error is returned by engine internals and collaborators. It never crosses
// the hook boundary: the host only sees permit or block.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Sentinels for errors.Is
var (
	ErrAllocationFailure           = &Error{Kind: AllocationFailure}
	ErrSuspendRegistrationFailure  = &Error{Kind: SuspendRegistrationFailure}
	ErrInjectionFailure            = &Error{Kind: InjectionFailure}
	ErrHeaderReconstructionFailure = &Error{Kind: HeaderReconstructionFailure}
)

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
