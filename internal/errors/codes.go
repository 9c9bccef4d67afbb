// Package errors provides structured error handling for the relay.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authentication errors
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeNoAuthentication Code = "NO_AUTHENTICATION"
	CodeForbidden        Code = "FORBIDDEN"

	// World catalog errors
	CodeUnknownWorld Code = "UNKNOWN_WORLD"

	// Session errors
	CodeTransportFailure Code = "TRANSPORT_FAILURE"
	CodeSessionClosed    Code = "SESSION_CLOSED"
	CodeAlreadyConnected Code = "ALREADY_CONNECTED"

	// Moderation errors
	CodeBanned         Code = "BANNED"
	CodeTargetNotFound Code = "TARGET_NOT_FOUND"

	// Validation errors
	CodeEmptyDisplayName Code = "EMPTY_DISPLAY_NAME"
	CodeEmptyContent     Code = "EMPTY_CONTENT"
	CodeInvalidFrame     Code = "INVALID_FRAME"
	CodeInvalidExpiry    Code = "INVALID_EXPIRY"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps relay codes to gRPC status codes. The websocket layer uses
// the mapped code to pick the wire error name, so transports stay consistent
// with RPC conventions.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnauthorized, CodeNoAuthentication:
		return codes.Unauthenticated

	case CodeForbidden, CodeBanned:
		return codes.PermissionDenied

	case CodeEmptyDisplayName,
		CodeEmptyContent,
		CodeInvalidFrame,
		CodeInvalidExpiry,
		CodeUnknownWorld:
		return codes.InvalidArgument

	case CodeNotFound, CodeTargetNotFound:
		return codes.NotFound

	case CodeSessionClosed, CodeAlreadyConnected:
		return codes.FailedPrecondition

	case CodeTransportFailure:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
