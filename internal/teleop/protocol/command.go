package protocol

import (
	"github.com/pkg/errors"
)

// Fixed deltas applied by the drive buttons. These are operator policy, not protocol.
const (
	LinearStep    = 0.15
	CurvatureStep = 0.08
)

// Command is an operator intent ready to be sent to the vehicle.
type Command interface {
	Message
	command()
}

// Joystick drives the vehicle directly. Curvature is the inverse turn radius.
type Joystick struct {
	LinearVelocity float64 `json:"linearVelocity"`
	Curvature      float64 `json:"curvature"`
}

// PointAndGo targets a point on the camera image, normalized to [0,1] on both axes.
type PointAndGo struct {
	ImageX float64 `json:"imageX"`
	ImageY float64 `json:"imageY"`
}

func (Joystick) Kind() Kind   { return KindJoystick }
func (PointAndGo) Kind() Kind { return KindPointAndGo }

func (Joystick) command()   {}
func (PointAndGo) command() {}

// Button is one of the UI drive buttons.
type Button int

const (
	ButtonStop Button = iota
	ButtonForward
	ButtonBackward
	ButtonLeft
	ButtonRight
)

func (b Button) String() string {
	switch b {
	case ButtonForward:
		return "forward"
	case ButtonBackward:
		return "backward"
	case ButtonLeft:
		return "left"
	case ButtonRight:
		return "right"
	default:
		return "stop"
	}
}

// NewJoystick builds a joystick command from explicit values.
func NewJoystick(linearVelocity, curvature float64) Joystick {
	return Joystick{LinearVelocity: linearVelocity, Curvature: curvature}
}

// ButtonPress maps a drive button to its fixed-delta joystick command.
func ButtonPress(b Button) Joystick {
	switch b {
	case ButtonForward:
		return NewJoystick(LinearStep, 0)
	case ButtonBackward:
		return NewJoystick(-LinearStep, 0)
	case ButtonLeft:
		return NewJoystick(0, CurvatureStep)
	case ButtonRight:
		return NewJoystick(0, -CurvatureStep)
	default:
		return NewJoystick(0, 0)
	}
}

// PointAndGoAt normalizes a click at (px, py) on a surface of width x height pixels.
// Coordinates outside the surface are passed through unchanged; clamping is up to the UI.
func PointAndGoAt(px, py, width, height float64) (PointAndGo, error) {
	if width <= 0 || height <= 0 {
		return PointAndGo{}, errors.Errorf("invalid surface bounds %vx%v", width, height)
	}
	return PointAndGo{ImageX: px / width, ImageY: py / height}, nil
}
