// Package agenterr defines a structured error used across the agent so
// callers can branch on a stable (Component, Stage, Code) triple instead of
// string-matching messages. Adapted from the teacher's fserrors: Path
// narrowed to Component (which subsystem), Stage/Code kept the same shape.
package agenterr

import "fmt"

// Component identifies which subsystem produced the error.
type Component string

const (
	ComponentM2M         Component = "m2m"
	ComponentChannel     Component = "channel"
	ComponentService     Component = "service"
	ComponentPortForward Component = "portforward"
	ComponentTerminal    Component = "terminal"
	ComponentControlPlane Component = "controlplane"
	ComponentConfig      Component = "config"
)

// Stage identifies which step within the component failed.
type Stage string

const (
	StageDial      Stage = "dial"
	StageHandshake Stage = "handshake"
	StageDecode    Stage = "decode"
	StageEncode    Stage = "encode"
	StageSend      Stage = "send"
	StageSpawn     Stage = "spawn"
	StageConnect   Stage = "connect"
	StageRead      Stage = "read"
	StageWrite     Stage = "write"
	StageClose     Stage = "close"
	StageValidate  Stage = "validate"
	StageLoad      Stage = "load"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	CodeTimeout          Code = "timeout"
	CodeCanceled         Code = "canceled"
	CodeInvalidInput     Code = "invalid_input"
	CodeLimitReached     Code = "limit_reached"
	CodeUnknownTarget    Code = "unknown_target"
	CodeAlreadyClosed    Code = "already_closed"
	CodeProtocolError    Code = "protocol_error"
	CodeNotResponding    Code = "not_responding"
	CodeMissingIdentity  Code = "missing_identity"
	CodeProcessFailed    Code = "process_failed"
	CodeUnsupported      Code = "unsupported"
)

// Error is a structured error carrying where it happened and why.
type Error struct {
	Component Component
	Stage     Stage
	Code      Code
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Component, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Component, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap constructs a structured Error.
func Wrap(component Component, stage Stage, code Code, err error) error {
	return &Error{Component: component, Stage: stage, Code: code, Err: err}
}
