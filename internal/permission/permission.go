// Package permission decides whether the anchoring notification may be shown.
package permission

import (
	"context"
	"errors"
	"fmt"
)

// Status is the notification permission state
type Status int

const (
	// NotDetermined means the user has not answered yet
	NotDetermined Status = iota
	// Granted means notifications may be shown
	Granted
	// Denied means the user refused notifications
	Denied
	// NotSupported means this host has no notification permission concept
	NotSupported
)

// String returns the wire name of the status
func (s Status) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case NotSupported:
		return "not_supported"
	default:
		return "not_determined"
	}
}

// ParseStatus parses a wire name. Unknown names are NotDetermined.
func ParseStatus(s string) Status {
	switch s {
	case "granted":
		return Granted
	case "denied":
		return Denied
	case "not_supported", "unsupported":
		return NotSupported
	default:
		return NotDetermined
	}
}

// AllowsNotification reports whether a notification may be shown. A host
// without a permission concept shows it unprompted.
func (s Status) AllowsNotification() bool {
	return s == Granted || s == NotSupported
}

// ErrQueryFailed marks a platform failure of the permission call itself.
// A user denial is a Status, never this error.
var ErrQueryFailed = errors.New("permission query failed")

// QueryError wraps the cause of a failed permission call
type QueryError struct {
	Cause error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("permission query failed: %v", e.Cause)
}

func (e *QueryError) Unwrap() error { return e.Cause }

// Is lets errors.Is match ErrQueryFailed
func (e *QueryError) Is(target error) bool {
	return target == ErrQueryFailed
}

// Result is the outcome delivered on a request channel
type Result struct {
	Status Status
	Err    error
}

// Callback receives the outcome of a permission check or request
type Callback interface {
	OnResult(status Status)
	OnError(err error)
}

// CallbackFuncs adapts two functions to Callback
type CallbackFuncs struct {
	Result func(Status)
	Error  func(error)
}

func (c CallbackFuncs) OnResult(status Status) {
	if c.Result != nil {
		c.Result(status)
	}
}

func (c CallbackFuncs) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

// Gateway queries and requests the notification permission
type Gateway interface {
	// Check returns the current status without prompting
	Check(ctx context.Context) (Status, error)

	// Request prompts for permission if it is not yet determined. The returned
	// channel receives exactly one Result and is then closed; the call itself
	// never blocks on the user.
	Request(ctx context.Context) <-chan Result
}

// Deliver waits for the result on ch and hands it to cb.
// It returns once the callback has run or ctx is done.
func Deliver(ctx context.Context, ch <-chan Result, cb Callback) {
	select {
	case res, ok := <-ch:
		if !ok {
			cb.OnError(&QueryError{Cause: errors.New("result channel closed without a result")})
			return
		}
		if res.Err != nil {
			cb.OnError(res.Err)
			return
		}
		cb.OnResult(res.Status)
	case <-ctx.Done():
	}
}

// resolved returns a channel that already holds r
func resolved(r Result) <-chan Result {
	ch := make(chan Result, 1)
	ch <- r
	close(ch)
	return ch
}
