package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// PanicError wraps a panic raised by a handler together with its stack trace.
type PanicError struct {
	// Value is the original value passed to panic().
	Value any
	// Stack is the stack trace at the point of the panic.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("delivery: panic recovered: %v", e.Value)
}

// ErrHandlerExited is the handler result when the handler goroutine exited
// without returning, e.g. through runtime.Goexit.
var ErrHandlerExited = errors.New("delivery: handler exited without returning")

// Context scopes the processing of a single message.
//
// Enter registers the attempt with the Watcher. Exit performs exactly one
// terminal action (ack, nack or reject, or nothing for a skip) based on the
// handler error and updates the Watcher. Run combines both around a handler
// and guarantees Exit on every path, panics included.
//
// A Context is used by a single goroutine and must not be reused.
type Context struct {
	msg     *TrackedMessage
	watcher Watcher
	opts    Options

	entered bool
	exited  bool
	outcome Outcome
}

// NewContext creates a Context for msg. The opts are forwarded verbatim to the
// broker acknowledgement call. A nil watcher behaves like OneTryWatcher.
func NewContext(msg Message, watcher Watcher, opts Options) *Context {
	if watcher == nil {
		watcher = OneTryWatcher{}
	}
	return &Context{
		msg:     Track(msg),
		watcher: watcher,
		opts:    opts,
	}
}

// Message returns the tracked message handed to the handler.
func (c *Context) Message() *TrackedMessage {
	return c.msg
}

// Outcome returns the outcome evaluated by Exit.
func (c *Context) Outcome() Outcome {
	return c.outcome
}

// Disposition returns how the message was settled.
func (c *Context) Disposition() Disposition {
	return c.msg.Disposition()
}

// Enter records the processing attempt. Calling it twice has no effect.
func (c *Context) Enter() {
	if c.entered {
		return
	}
	c.entered = true
	c.watcher.Add(c.msg.ID())
}

// Run enters the scope, calls handler and exits the scope with the handler's
// result. A panicking handler is recovered and treated as a failure with a
// *PanicError; a handler that exits its goroutine fails with ErrHandlerExited.
func (c *Context) Run(ctx context.Context, handler HandlerFunc) (err error) {
	c.Enter()
	returned := false
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		} else if !returned {
			err = ErrHandlerExited
		}
		err = c.Exit(ctx, err)
	}()
	err = handler(ctx, c.msg)
	returned = true
	return err
}

// Exit performs the terminal action for the handler result err.
//
// Handler signals (see Ack, Nack, Reject, Skip) are acted upon and suppressed.
// Any other error is returned after the message was nacked or rejected.
// An error of the broker call itself is returned as well, joined with the
// handler error if there is one.
//
// The broker call is not bound to the cancellation of ctx: a cancelled
// handler still settles its message. Only the first call to Exit acts;
// later calls return err unchanged.
func (c *Context) Exit(ctx context.Context, err error) error {
	if c.exited {
		return err
	}
	c.exited = true
	c.outcome = OutcomeOf(err)

	ctx = context.WithoutCancel(ctx)
	id := c.msg.ID()

	var settleErr error
	switch d := c.msg.Disposition(); {
	case d != DispositionNone:
		// Settled manually by the handler.
		if d != DispositionNacked {
			c.watcher.Remove(id)
		}
	default:
		switch c.outcome {
		case OutcomeSuccess, OutcomeAck:
			settleErr = c.ack(ctx)
		case OutcomeSkip:
			c.watcher.Remove(id)
		case OutcomeReject:
			settleErr = c.reject(ctx)
		default:
			if c.watcher.IsExhausted(id) {
				settleErr = c.reject(ctx)
			} else {
				settleErr = c.nack(ctx)
			}
		}
	}

	switch {
	case c.outcome != OutcomeFailure:
		return settleErr
	case settleErr != nil:
		return errors.Join(err, settleErr)
	default:
		return err
	}
}

func (c *Context) ack(ctx context.Context) error {
	if err := c.msg.Ack(ctx, c.opts); err != nil {
		return fmt.Errorf("delivery: ack %s: %w", c.msg.ID(), err)
	}
	c.watcher.Remove(c.msg.ID())
	return nil
}

func (c *Context) nack(ctx context.Context) error {
	if err := c.msg.Nack(ctx, c.opts); err != nil {
		return fmt.Errorf("delivery: nack %s: %w", c.msg.ID(), err)
	}
	return nil
}

func (c *Context) reject(ctx context.Context) error {
	if err := c.msg.Reject(ctx, c.opts); err != nil {
		return fmt.Errorf("delivery: reject %s: %w", c.msg.ID(), err)
	}
	c.watcher.Remove(c.msg.ID())
	return nil
}
