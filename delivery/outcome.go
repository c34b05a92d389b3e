package delivery

import (
	"errors"
	"fmt"
)

// Outcome is the handler result as seen by the Context finalizer.
type Outcome int

const (
	// OutcomeSuccess means the handler returned nil.
	OutcomeSuccess Outcome = iota
	// OutcomeAck means the handler requested an ack.
	OutcomeAck
	// OutcomeNack means the handler requested redelivery.
	OutcomeNack
	// OutcomeReject means the handler requested a reject.
	OutcomeReject
	// OutcomeSkip means the handler requested no broker call at all.
	OutcomeSkip
	// OutcomeFailure means the handler returned any other error.
	OutcomeFailure
)

var (
	// ErrAck requests an ack.
	ErrAck = errors.New("delivery: ack requested")
	// ErrNack requests redelivery.
	ErrNack = errors.New("delivery: nack requested")
	// ErrReject requests a reject.
	ErrReject = errors.New("delivery: reject requested")
	// ErrSkip requests that the message is left untouched.
	ErrSkip = errors.New("delivery: skip requested")
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAck:
		return "ack"
	case OutcomeNack:
		return "nack"
	case OutcomeReject:
		return "reject"
	case OutcomeSkip:
		return "skip"
	default:
		return "failure"
	}
}

// IsSignal reports whether the outcome was requested explicitly by the handler.
// Signals are suppressed after the terminal action.
func (o Outcome) IsSignal() bool {
	switch o {
	case OutcomeAck, OutcomeNack, OutcomeReject, OutcomeSkip:
		return true
	}
	return false
}

func (o Outcome) sentinel() error {
	switch o {
	case OutcomeAck:
		return ErrAck
	case OutcomeNack:
		return ErrNack
	case OutcomeReject:
		return ErrReject
	case OutcomeSkip:
		return ErrSkip
	}
	return nil
}

// SignalError carries a handler-requested outcome and an optional cause.
// It matches the outcome's sentinel with errors.Is. An Outcome that is not a
// signal (success or failure) is treated as a failure.
type SignalError struct {
	Outcome Outcome
	Cause   error
}

func (e *SignalError) Error() string {
	s := e.Outcome.sentinel()
	if s == nil {
		s = fmt.Errorf("delivery: %s", e.Outcome)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", s, e.Cause)
	}
	return s.Error()
}

func (e *SignalError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Outcome.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Ack returns an error that makes the Context ack the message.
// The cause is optional and only informational.
func Ack(cause error) error {
	return &SignalError{Outcome: OutcomeAck, Cause: cause}
}

// Nack returns an error that makes the Context nack the message, or reject it
// once the retry budget is exhausted.
func Nack(cause error) error {
	return &SignalError{Outcome: OutcomeNack, Cause: cause}
}

// Reject returns an error that makes the Context reject the message.
func Reject(cause error) error {
	return &SignalError{Outcome: OutcomeReject, Cause: cause}
}

// Skip returns an error that makes the Context leave the message untouched.
// Use it when the handler hands the message over to another component.
func Skip(cause error) error {
	return &SignalError{Outcome: OutcomeSkip, Cause: cause}
}

// OutcomeOf translates a handler error into an Outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var sig *SignalError
	if errors.As(err, &sig) {
		if sig.Outcome.IsSignal() {
			return sig.Outcome
		}
		return OutcomeFailure
	}
	switch {
	case errors.Is(err, ErrSkip):
		return OutcomeSkip
	case errors.Is(err, ErrAck):
		return OutcomeAck
	case errors.Is(err, ErrNack):
		return OutcomeNack
	case errors.Is(err, ErrReject):
		return OutcomeReject
	}
	return OutcomeFailure
}
