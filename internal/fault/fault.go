// Package fault classifies pipeline failures into stage categories and
// maps each category to a distinct process exit status.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the stage category a failure belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput
	KindSource
	KindConnectivity
	KindPreparation
	KindTransfer
	KindDeployment
	KindProxy
	KindValidation
	KindCleanup
)

// Process exit statuses.
const (
	ExitSuccess      = 0
	ExitGeneric      = 1
	ExitInput        = 2
	ExitSource       = 3
	ExitConnectivity = 4
	ExitPreparation  = 5
	ExitTransfer     = 6
	ExitDeployment   = 7
	ExitProxy        = 8
	ExitValidation   = 9
	ExitCleanup      = 10
	ExitInterrupted  = 130
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindSource:
		return "SourceError"
	case KindConnectivity:
		return "ConnectivityError"
	case KindPreparation:
		return "PreparationError"
	case KindTransfer:
		return "TransferError"
	case KindDeployment:
		return "DeploymentError"
	case KindProxy:
		return "ProxyError"
	case KindValidation:
		return "ValidationError"
	case KindCleanup:
		return "CleanupError"
	default:
		return "Error"
	}
}

// ExitCode returns the process exit status for the kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindInput:
		return ExitInput
	case KindSource:
		return ExitSource
	case KindConnectivity:
		return ExitConnectivity
	case KindPreparation:
		return ExitPreparation
	case KindTransfer:
		return ExitTransfer
	case KindDeployment:
		return ExitDeployment
	case KindProxy:
		return ExitProxy
	case KindValidation:
		return ExitValidation
	case KindCleanup:
		return ExitCleanup
	default:
		return ExitGeneric
	}
}

// Code identifies a specific failure condition.
type Code string

const (
	MissingInput       Code = "MissingInput"
	InvalidInput       Code = "InvalidInput"
	CloneFailed        Code = "CloneFailed"
	CheckoutFailed     Code = "CheckoutFailed"
	NoBuildArtifact    Code = "NoBuildArtifact"
	SSHUnreachable     Code = "SSHUnreachable"
	SSHAuthFailed      Code = "SSHAuthFailed"
	HostKeyMismatch    Code = "HostKeyMismatch"
	RemotePrepFailed   Code = "RemotePrepFailed"
	SyncFailed         Code = "SyncFailed"
	DeployFailed       Code = "DeployFailed"
	NginxConfigInvalid Code = "NginxConfigInvalid"
	ProxyFailed        Code = "ProxyFailed"
	ValidationFailed   Code = "ValidationFailed"
	CleanupFailed      Code = "CleanupFailed"
)

var codeKinds = map[Code]Kind{
	MissingInput:       KindInput,
	InvalidInput:       KindInput,
	CloneFailed:        KindSource,
	CheckoutFailed:     KindSource,
	NoBuildArtifact:    KindSource,
	SSHUnreachable:     KindConnectivity,
	SSHAuthFailed:      KindConnectivity,
	HostKeyMismatch:    KindConnectivity,
	RemotePrepFailed:   KindPreparation,
	SyncFailed:         KindTransfer,
	DeployFailed:       KindDeployment,
	NginxConfigInvalid: KindProxy,
	ProxyFailed:        KindProxy,
	ValidationFailed:   KindValidation,
	CleanupFailed:      KindCleanup,
}

// Kind returns the category of the code.
func (c Code) Kind() Kind {
	return codeKinds[c]
}

// Error is a classified failure.
type Error struct {
	Code Code
	Msg  string

	// Detail holds diagnostic output shown below the failure line,
	// such as captured container logs.
	Detail string

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Msg: msg, Err: err}
}

// WithDetail attaches diagnostic output to a classified error.
func WithDetail(code Code, detail string, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Detail = detail
	return e
}

// Missing reports required fields that were not supplied.
func Missing(fields ...string) *Error {
	return New(MissingInput, "missing required input: %s", strings.Join(fields, ", "))
}

// As returns the outermost classified error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost classified error, or "".
func CodeOf(err error) Code {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return ""
}

// KindOf returns the category of err.
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}

// IsInterrupted reports whether err stems from a canceled run.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if IsInterrupted(err) {
		return ExitInterrupted
	}
	return KindOf(err).ExitCode()
}
