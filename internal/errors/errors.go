package errors

import (
	"errors"
	"fmt"
)

// Kind names a class of failure. The string form is what the command
// surface prints, so it must stay stable.
type Kind string

const (
	KindInvalidName       Kind = "InvalidNameError"
	KindEngineUnavailable Kind = "EngineUnavailableError"
	KindEngineOperation   Kind = "EngineOperationError"
	KindNotRunning        Kind = "NotRunningError"
	KindStillRunning      Kind = "StillRunningError"
	KindBootstrapTimeout  Kind = "BootstrapTimeoutError"
	KindReadinessTimeout  Kind = "ReadinessTimeoutError"
	KindConfigWrite       Kind = "ConfigWriteError"
	KindConfig            Kind = "ConfigError"
	KindRemoteCommand     Kind = "RemoteCommandError"
	KindUsage             Kind = "UsageError"
	KindGeneral           Kind = "Error"
)

// Exit codes for redock
const (
	ExitSuccess           = 0
	ExitGeneralError      = 1
	ExitInvalidName       = 2
	ExitEngineUnavailable = 3
	ExitEngineOperation   = 4
	ExitPrecondition      = 5
	ExitTimeout           = 6
	ExitConfigWrite       = 7
	ExitConfigError       = 8
	ExitRemoteCommand     = 9
	ExitUsage             = 10
)

var exitCodes = map[Kind]int{
	KindInvalidName:       ExitInvalidName,
	KindEngineUnavailable: ExitEngineUnavailable,
	KindEngineOperation:   ExitEngineOperation,
	KindNotRunning:        ExitPrecondition,
	KindStillRunning:      ExitPrecondition,
	KindBootstrapTimeout:  ExitTimeout,
	KindReadinessTimeout:  ExitTimeout,
	KindConfigWrite:       ExitConfigWrite,
	KindConfig:            ExitConfigError,
	KindRemoteCommand:     ExitRemoteCommand,
	KindUsage:             ExitUsage,
}

// RedockError is the base error type for redock
type RedockError struct {
	Kind    Kind
	Op      string // attempted operation, e.g. "start"
	Address string // sandbox address in namespace:tag form, if any
	Message string
	Cause   error
}

func (e *RedockError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
		if e.Address != "" {
			msg += " " + e.Address
		}
	} else if e.Address != "" {
		msg += ": " + e.Address
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RedockError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a RedockError of the same kind. This lets
// callers match on a kind with errors.Is(err, &RedockError{Kind: ...}).
func (e *RedockError) Is(target error) bool {
	t, ok := target.(*RedockError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Address == "" || t.Address == e.Address)
}

// ExitCode returns the exit code for this error
func (e *RedockError) ExitCode() int {
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}
	return ExitGeneralError
}

// WithContext returns a copy of e annotated with the operation and address,
// keeping any values already set.
func (e *RedockError) WithContext(op, address string) *RedockError {
	c := *e
	if c.Op == "" {
		c.Op = op
	}
	if c.Address == "" {
		c.Address = address
	}
	return &c
}

// New creates a new RedockError
func New(kind Kind, message string) *RedockError {
	return &RedockError{Kind: kind, Message: message}
}

// Wrap wraps an existing error with a RedockError
func Wrap(kind Kind, message string, cause error) *RedockError {
	return &RedockError{Kind: kind, Message: message, Cause: cause}
}

// InvalidName returns an error for a malformed sandbox name
func InvalidName(raw, reason string) *RedockError {
	return New(KindInvalidName, fmt.Sprintf("invalid name %q (expected 'namespace:tag'): %s", raw, reason))
}

// EngineUnavailable returns an error for a transport-level engine failure
func EngineUnavailable(op string, cause error) *RedockError {
	return &RedockError{Kind: KindEngineUnavailable, Message: "engine " + op + " failed", Cause: cause}
}

// EngineOperation returns an error for an operation the engine rejected.
// The engine's own diagnostic is kept as the cause.
func EngineOperation(op string, cause error) *RedockError {
	return &RedockError{Kind: KindEngineOperation, Message: "engine rejected " + op, Cause: cause}
}

// NotRunning returns an error when a transition needs a running sandbox
func NotRunning(op, address string) *RedockError {
	return &RedockError{Kind: KindNotRunning, Op: op, Address: address, Message: "sandbox is not running"}
}

// StillRunning returns an error when a transition needs a stopped sandbox
func StillRunning(op, address string) *RedockError {
	return &RedockError{Kind: KindStillRunning, Op: op, Address: address, Message: "sandbox is still running, kill it first"}
}

// BootstrapTimeout returns an error for a base image bootstrap that never
// became reachable. The container is named so the operator can inspect it.
func BootstrapTimeout(container string, cause error) *RedockError {
	return Wrap(KindBootstrapTimeout, fmt.Sprintf("ssh daemon in bootstrap container %s never became ready (container kept for inspection)", container), cause)
}

// ReadinessTimeout returns an error for a sandbox whose ssh daemon did not
// come up after start.
func ReadinessTimeout(address string, cause error) *RedockError {
	return &RedockError{Kind: KindReadinessTimeout, Op: "start", Address: address, Message: "ssh daemon never became ready", Cause: cause}
}

// ConfigWrite returns an error for a failed ssh config rewrite
func ConfigWrite(path string, cause error) *RedockError {
	return Wrap(KindConfigWrite, "rewriting "+path, cause)
}

// ConfigError returns an error for configuration issues
func ConfigError(message string, cause error) *RedockError {
	return Wrap(KindConfig, message, cause)
}

// RemoteCommand returns an error for a command that failed inside a
// sandbox. status is the remote exit status, or -1 when the session ended
// without one.
func RemoteCommand(address, command string, status int, cause error) *RedockError {
	msg := fmt.Sprintf("%s exited with status %d", command, status)
	if status < 0 {
		msg = command + " ended without an exit status"
	}
	return &RedockError{Kind: KindRemoteCommand, Op: "exec", Address: address, Message: msg, Cause: cause}
}

// Usage returns an error for a command line that cannot be acted on.
func Usage(message string) *RedockError {
	return New(KindUsage, message)
}

// KindOf returns the kind of the first RedockError in err's chain, or
// KindGeneral when there is none.
func KindOf(err error) Kind {
	var re *RedockError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindGeneral
}

// IsKind reports whether err's chain holds a RedockError of the given kind
func IsKind(err error, kind Kind) bool {
	var re *RedockError
	for err != nil {
		if errors.As(err, &re) {
			if re.Kind == kind {
				return true
			}
			err = re.Cause
			continue
		}
		return false
	}
	return false
}

// GetExitCode extracts the exit code from an error
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var re *RedockError
	if errors.As(err, &re) {
		return re.ExitCode()
	}
	return ExitGeneralError
}

// Is checks if an error is of a specific type
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}
