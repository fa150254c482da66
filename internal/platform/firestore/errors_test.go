package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.DeadlineExceeded, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		err := WrapError("orders.get", grpcstatus.Error(tc.code, "boom"))
		var repoErr *Error
		if !errors.As(err, &repoErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %+v", tc.code, repoErr)
		}
	}
}

func TestWrapErrorPassesThroughPlainErrors(t *testing.T) {
	plain := errors.New("insufficient stock")
	if got := WrapError("transaction", plain); got != plain {
		t.Fatalf("expected plain error to pass through, got %v", got)
	}
	if got := WrapError("transaction", context.Canceled); !errors.Is(got, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", got)
	}
	if got := WrapError("transaction", grpcstatus.Error(codes.Canceled, "cancelled")); !errors.Is(got, context.Canceled) {
		t.Fatalf("expected grpc cancel mapped to context.Canceled, got %v", got)
	}
	if WrapError("noop", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestIsAlreadyExists(t *testing.T) {
	wrapped := WrapError("orders.create", grpcstatus.Error(codes.AlreadyExists, "exists"))
	if !IsAlreadyExists(wrapped) {
		t.Fatal("expected wrapped AlreadyExists to be detected")
	}
	if IsAlreadyExists(errors.New("other")) {
		t.Fatal("unexpected AlreadyExists for plain error")
	}
}
