package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

func kindOf(code codes.Code) errorKind {
	switch code {
	case codes.NotFound:
		return kindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return kindUnavailable
	default:
		return kindOther
	}
}

// Error satisfies repositories.RepositoryError so services can map storage failures
// without importing the Firestore SDK.
type Error struct {
	op   string
	err  error
	kind errorKind
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.op == "":
		return e.err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict reports a version mismatch or a precondition failure.
func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable reports a transient backend failure worth retrying.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NewConflictError reports a version mismatch found by a repository inside a transaction.
func NewConflictError(op string, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), kind: kindConflict}
}

// NewNotFoundError reports a document a repository expected to exist.
func NewNotFoundError(op string, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), kind: kindNotFound}
}

// WrapError classifies err by its gRPC status and tags it with op. Errors already
// classified keep their kind. Cancellation and deadline errors come back as the
// context sentinels so callers can tell them apart from backend failures.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var classified *Error
	if errors.As(err, &classified) {
		if classified.op == "" {
			classified.op = op
		}
		return classified
	}
	return &Error{op: op, err: err, kind: kindOf(code)}
}
