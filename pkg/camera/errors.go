package camera

import (
	"errors"
	"fmt"
)

// Sentinel errors for acquisition failures.
var (
	// ErrPermissionDenied is returned when the OS refuses access to the device.
	ErrPermissionDenied = errors.New("camera: permission denied")

	// ErrDeviceUnavailable is returned when no device can be opened.
	ErrDeviceUnavailable = errors.New("camera: device unavailable")

	// ErrConstraintsNotSatisfiable is returned when the device cannot honor the constraints.
	ErrConstraintsNotSatisfiable = errors.New("camera: constraints not satisfiable")

	// ErrReleased is returned by an acquisition that was cancelled by Release.
	ErrReleased = errors.New("camera: released during acquisition")

	// ErrNoConstraints is returned by Restart before any Acquire.
	ErrNoConstraints = errors.New("camera: no previous constraints to restart with")
)

// AcquisitionError wraps a device failure with its classification.
type AcquisitionError struct {
	// Kind is one of ErrPermissionDenied, ErrDeviceUnavailable, ErrConstraintsNotSatisfiable.
	Kind error

	// Constraints that were requested.
	Constraints Constraints

	// Err is the underlying device error, if any.
	Err error
}

// Error implements the error interface.
func (e *AcquisitionError) Error() string {
	if e.Err != nil && e.Err != e.Kind {
		return fmt.Sprintf("%v (%s): %v", e.Kind, e.Constraints, e.Err)
	}
	return fmt.Sprintf("%v (%s)", e.Kind, e.Constraints)
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *AcquisitionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classify maps a device error onto the acquisition taxonomy.
// Unrecognized errors are treated as an unavailable device.
func classify(c Constraints, err error) *AcquisitionError {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return ae
	}
	kind := ErrDeviceUnavailable
	switch {
	case errors.Is(err, ErrPermissionDenied):
		kind = ErrPermissionDenied
	case errors.Is(err, ErrConstraintsNotSatisfiable):
		kind = ErrConstraintsNotSatisfiable
	}
	return &AcquisitionError{Kind: kind, Constraints: c, Err: err}
}
