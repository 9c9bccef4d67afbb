package errors

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeUnauthorized, "code exchange rejected")
	if !errors.Is(err, New(CodeUnauthorized, "different message")) {
		t.Fatal("expected errors with the same code to match")
	}
	if errors.Is(err, New(CodeForbidden, "code exchange rejected")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeTransportFailure, "stream closed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be traversable")
	}
	if err.Error() != "stream closed" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(CodeUnknownWorld, "no such world")); got != CodeUnknownWorld {
		t.Fatalf("expected UNKNOWN_WORLD, got %s", got)
	}
	if got := GetCode(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("expected UNKNOWN for plain error, got %s", got)
	}
	wrapped := fmt.Errorf("outer: %w", New(CodeBanned, "account banned"))
	if got := GetCode(wrapped); got != CodeBanned {
		t.Fatalf("expected BANNED through wrapping, got %s", got)
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := map[Code]codes.Code{
		CodeUnauthorized:     codes.Unauthenticated,
		CodeNoAuthentication: codes.Unauthenticated,
		CodeForbidden:        codes.PermissionDenied,
		CodeBanned:           codes.PermissionDenied,
		CodeUnknownWorld:     codes.InvalidArgument,
		CodeTargetNotFound:   codes.NotFound,
		CodeTransportFailure: codes.Unavailable,
		CodeUnknown:          codes.Internal,
	}
	for code, want := range cases {
		if got := code.GRPCCode(); got != want {
			t.Fatalf("code %s mapped to %v, want %v", code, got, want)
		}
	}
}
