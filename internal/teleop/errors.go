// Package teleop holds the error taxonomy shared by the teleoperation session packages.
package teleop

import (
	"fmt"
)

// TransportError reports that the socket to the server could not be opened or was closed
// underneath the session. The session must be restarted explicitly.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SignalingError reports a malformed or rejected SDP/ICE exchange. The state machine is FAILED
// when one of these is recorded.
type SignalingError struct {
	State string
	Op    string
	Err   error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s (state %s): %v", e.Op, e.State, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// ControlRequestError reports a failed "request control" call. It is best effort and never
// blocks command traffic.
type ControlRequestError struct {
	VehicleID  string
	StatusCode int
	Err        error
}

func (e *ControlRequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request control for vehicle %s respond %d: %v", e.VehicleID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request control for vehicle %s: %v", e.VehicleID, e.Err)
}

func (e *ControlRequestError) Unwrap() error { return e.Err }
