package apmux

import "errors"

var (
	// ErrAlreadyUp reports an attach of an interface that is already
	// registered. Callers treat it as success.
	ErrAlreadyUp = errors.New("interface already up")
	// ErrInterfaceDown reports that the named interface is not registered.
	ErrInterfaceDown = errors.New("interface down")
	// ErrFailure is the operation-specific hard error. It wraps the cause.
	ErrFailure = errors.New("operation failed")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrRegistryFull    = errors.New("interface registry full")
	ErrNotFound        = errors.New("interface not found")
	ErrAlreadyExists   = errors.New("interface already registered")
	ErrQueryInProgress = errors.New("another driver query is in progress")
	ErrNoReply         = errors.New("no reply received")
)

// Result is the coarse outcome reported to control clients.
type Result int

const (
	ResultSuccess Result = iota
	ResultAlreadyUp
	ResultInterfaceDown
	ResultFailure
)

// ResultOf maps an error returned by Manager to its Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrAlreadyUp):
		return ResultAlreadyUp
	case errors.Is(err, ErrInterfaceDown):
		return ResultInterfaceDown
	default:
		return ResultFailure
	}
}

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultAlreadyUp:
		return "AlreadyUp"
	case ResultInterfaceDown:
		return "InterfaceDown"
	default:
		return "Failure"
	}
}
