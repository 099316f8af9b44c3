package lifecycle

import (
	"errors"

	"github.com/stone-age-io/taskservice/internal/permission"
)

var (
	// ErrServiceAlreadyStarted is returned by Start while the task is running
	ErrServiceAlreadyStarted = errors.New("service already started")
	// ErrServiceNotStarted is returned by Restart, Update and Stop while stopped
	ErrServiceNotStarted = errors.New("service not started")
	// ErrServiceNotSupported is returned when the host cannot run the service
	ErrServiceNotSupported = errors.New("service not supported on this host")
)

// Wire codes reported to command callers
const (
	CodeServiceAlreadyStarted = "ServiceAlreadyStarted"
	CodeServiceNotStarted     = "ServiceNotStarted"
	CodeServiceNotSupported   = "ServiceNotSupported"
	CodePermissionQueryFailed = "PermissionQueryFailed"
	CodeInternal              = "Internal"
)

// Code classifies err into one of the wire codes. It returns "" for nil.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrServiceAlreadyStarted):
		return CodeServiceAlreadyStarted
	case errors.Is(err, ErrServiceNotStarted):
		return CodeServiceNotStarted
	case errors.Is(err, ErrServiceNotSupported):
		return CodeServiceNotSupported
	case errors.Is(err, permission.ErrQueryFailed):
		return CodePermissionQueryFailed
	default:
		return CodeInternal
	}
}
