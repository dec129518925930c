package studio

import (
	"context"
	"errors"
	"time"

	"github.com/teslashibe/go-tryon/pkg/background"
	"github.com/teslashibe/go-tryon/pkg/camera"
	"github.com/teslashibe/go-tryon/pkg/export"
)

// Kind classifies a terminal error for user-facing messaging.
type Kind string

const (
	KindPermissionDenied  Kind = "permission_denied"
	KindDeviceUnavailable Kind = "device_unavailable"
	KindConstraints       Kind = "constraints_not_satisfiable"
	KindDecodeError       Kind = "decode_error"
	KindTaintedSurface    Kind = "tainted_surface"
	KindUnknown           Kind = "error"
)

// Notification is a terminal error surfaced to the UI.
type Notification struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Err     error     `json:"-"`
}

// Classify maps an error from any pipeline component to a Kind. It returns
// false for errors that are not terminal: cancellations, and an empty
// surface, which clears on the first render.
func Classify(err error) (Kind, bool) {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, camera.ErrReleased),
		errors.Is(err, export.ErrEmptySurface):
		return "", false
	case errors.Is(err, camera.ErrPermissionDenied):
		return KindPermissionDenied, true
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return KindDeviceUnavailable, true
	case errors.Is(err, camera.ErrConstraintsNotSatisfiable):
		return KindConstraints, true
	case errors.Is(err, background.ErrNetwork),
		errors.Is(err, background.ErrDecode),
		errors.Is(err, background.ErrCORSBlocked):
		return KindDecodeError, true
	case errors.Is(err, export.ErrTaintedSurface):
		return KindTaintedSurface, true
	default:
		return KindUnknown, true
	}
}
