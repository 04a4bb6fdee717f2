// Package angzarr provides the core data model, client-logic SDK, and
// client library for the angzarr event-sourcing coordination runtime.
package angzarr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClientError represents errors from the outward-facing client SDK
// (connection/transport/grpc failures), as distinct from CoordinatorError,
// which represents the runtime's own domain errors (spec §7).
type ClientError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// ErrorKind categorizes client errors.
type ErrorKind int

const (
	// ErrConnection indicates a connection failure.
	ErrConnection ErrorKind = iota
	// ErrTransport indicates a transport-level error.
	ErrTransport
	// ErrGRPC indicates a gRPC error from the server.
	ErrGRPC
	// ErrInvalidArgument indicates an invalid argument from the caller.
	ErrInvalidArgument
	// ErrInvalidTimestamp indicates a timestamp parsing failure.
	ErrInvalidTimestamp
)

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Code returns the gRPC status code if this is a gRPC error.
func (e *ClientError) Code() codes.Code {
	if e.Kind != ErrGRPC || e.Cause == nil {
		return codes.Unknown
	}
	if s, ok := status.FromError(e.Cause); ok {
		return s.Code()
	}
	return codes.Unknown
}

// Status returns the gRPC Status if this is a gRPC error.
func (e *ClientError) Status() *status.Status {
	if e.Kind != ErrGRPC || e.Cause == nil {
		return nil
	}
	s, _ := status.FromError(e.Cause)
	return s
}

// IsNotFound returns true if this is a "not found" error.
func (e *ClientError) IsNotFound() bool {
	return e.Code() == codes.NotFound
}

// IsPreconditionFailed returns true if this is a "precondition failed" error.
func (e *ClientError) IsPreconditionFailed() bool {
	return e.Code() == codes.FailedPrecondition
}

// IsInvalidArgument returns true if this is an "invalid argument" error.
func (e *ClientError) IsInvalidArgument() bool {
	return e.Kind == ErrInvalidArgument || e.Code() == codes.InvalidArgument
}

// IsConnectionError returns true if this is a connection or transport error.
func (e *ClientError) IsConnectionError() bool {
	return e.Kind == ErrConnection || e.Kind == ErrTransport
}

// ConnectionError creates a connection error.
func ConnectionError(msg string) *ClientError {
	return &ClientError{Kind: ErrConnection, Message: msg}
}

// TransportError wraps a transport error.
func TransportError(err error) *ClientError {
	return &ClientError{Kind: ErrTransport, Message: "transport error", Cause: err}
}

// GRPCError wraps a gRPC error.
func GRPCError(err error) *ClientError {
	return &ClientError{Kind: ErrGRPC, Message: "grpc error", Cause: err}
}

// InvalidArgumentError creates an invalid argument error.
func InvalidArgumentError(msg string) *ClientError {
	return &ClientError{Kind: ErrInvalidArgument, Message: msg}
}

// InvalidTimestampError creates a timestamp parsing error.
func InvalidTimestampError(msg string) *ClientError {
	return &ClientError{Kind: ErrInvalidTimestamp, Message: msg}
}

// IsClientError checks if an error is a ClientError.
func IsClientError(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr)
}

// AsClientError extracts a ClientError from an error chain.
func AsClientError(err error) *ClientError {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr
	}
	return nil
}

// CommandRejectedError indicates client logic rejected a command due to a
// business rule violation. Maps to gRPC FAILED_PRECONDITION at the edge.
type CommandRejectedError struct {
	Message string
}

func (e CommandRejectedError) Error() string { return e.Message }

// NewCommandRejectedError creates a new command rejected error.
func NewCommandRejectedError(msg string) error { return CommandRejectedError{Message: msg} }

// CoordinatorErrorKind enumerates the runtime's own error classes (spec §7).
type CoordinatorErrorKind int

const (
	KindInvalidArgument CoordinatorErrorKind = iota
	KindNotFound
	KindSequenceConflict
	KindAborted
	KindResourceExhausted
	KindBackendError
	KindMissingCover
	KindMissingRoot
	KindProjectorFailed
	KindSagaFailed
	KindSubscribeNotSupported
)

func (k CoordinatorErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindSequenceConflict:
		return "SequenceConflict"
	case KindAborted:
		return "Aborted"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindBackendError:
		return "BackendError"
	case KindMissingCover:
		return "MissingCover"
	case KindMissingRoot:
		return "MissingRoot"
	case KindProjectorFailed:
		return "ProjectorFailed"
	case KindSagaFailed:
		return "SagaFailed"
	case KindSubscribeNotSupported:
		return "SubscribeNotSupported"
	default:
		return "Unknown"
	}
}

// CoordinatorError is the runtime's internal error type. Expected/Actual are
// populated only for KindSequenceConflict and KindAborted.
type CoordinatorError struct {
	Kind     CoordinatorErrorKind
	Message  string
	Expected uint32
	Actual   uint32
	Cause    error
}

func (e *CoordinatorError) Error() string {
	if e.Kind == KindSequenceConflict {
		return fmt.Sprintf("%s: expected %d, actual %d", e.Kind, e.Expected, e.Actual)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoordinatorError) Unwrap() error { return e.Cause }

// NewSequenceConflict builds a SequenceConflict error (spec I2, S2).
func NewSequenceConflict(expected, actual uint32) *CoordinatorError {
	return &CoordinatorError{Kind: KindSequenceConflict, Expected: expected, Actual: actual}
}

// NewAborted builds an Aborted error, after exhausting auto-resequence
// retries or on a saga compensation abort.
func NewAborted(expected, actual uint32, message string) *CoordinatorError {
	return &CoordinatorError{Kind: KindAborted, Expected: expected, Actual: actual, Message: message}
}

// NewInvalidArgument builds an InvalidArgument error.
func NewInvalidArgument(message string) *CoordinatorError {
	return &CoordinatorError{Kind: KindInvalidArgument, Message: message}
}

// NewResourceExhausted builds a ResourceExhausted error.
func NewResourceExhausted(message string) *CoordinatorError {
	return &CoordinatorError{Kind: KindResourceExhausted, Message: message}
}

// NewNotFound builds a NotFound error.
func NewNotFound(message string) *CoordinatorError {
	return &CoordinatorError{Kind: KindNotFound, Message: message}
}

// NewBackendError wraps an opaque storage/backend failure without
// interpreting it, per spec §7.
func NewBackendError(cause error) *CoordinatorError {
	return &CoordinatorError{Kind: KindBackendError, Message: "backend error", Cause: cause}
}

// NewProjectorFailed wraps a synchronous projector failure.
func NewProjectorFailed(cause error) *CoordinatorError {
	return &CoordinatorError{Kind: KindProjectorFailed, Message: "projector failed", Cause: cause}
}

// NewSagaFailed wraps a synchronous saga failure.
func NewSagaFailed(cause error) *CoordinatorError {
	return &CoordinatorError{Kind: KindSagaFailed, Message: "saga failed", Cause: cause}
}

// NewSubscribeNotSupported reports that the in-process bus cannot subscribe
// after publish; it is direct-dispatch only.
func NewSubscribeNotSupported() *CoordinatorError {
	return &CoordinatorError{Kind: KindSubscribeNotSupported, Message: "in-process bus is direct-dispatch"}
}

// AsCoordinatorError extracts a CoordinatorError from an error chain.
func AsCoordinatorError(err error) *CoordinatorError {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// ToGRPCStatus maps a CoordinatorError (or a CommandRejectedError) to the
// gRPC status code the transport edge should surface (spec §7). The gRPC
// transport wiring itself is out of scope; this is the contract a real edge
// calls.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var rejected CommandRejectedError
	if errors.As(err, &rejected) {
		return status.Error(codes.FailedPrecondition, rejected.Message)
	}
	ce := AsCoordinatorError(err)
	if ce == nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	switch ce.Kind {
	case KindInvalidArgument, KindMissingCover, KindMissingRoot:
		return status.Error(codes.InvalidArgument, ce.Error())
	case KindNotFound:
		return status.Error(codes.NotFound, ce.Error())
	case KindSequenceConflict, KindAborted:
		return status.Error(codes.FailedPrecondition, ce.Error())
	case KindResourceExhausted:
		return status.Error(codes.ResourceExhausted, ce.Error())
	case KindProjectorFailed, KindSagaFailed:
		return status.Error(codes.Internal, ce.Error())
	case KindSubscribeNotSupported:
		return status.Error(codes.Unavailable, ce.Error())
	default:
		return status.Error(codes.Internal, ce.Error())
	}
}
