// Package merr extends the errors package with features like key-value
// attributes for errors, embedded stacktraces, and contextual annotations
// (via mctx).
//
// merr functions take in generic errors of the built-in type. The returned
// errors are wrapped by a type internal to merr, and appear to also be of the
// generic error type.
//
// As is generally recommended for go projects, errors.Is and errors.As should
// be used for equality checking.
package merr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/christophertubbs/EventStream/mctx"
)

// Error wraps an error such that contextual and stacktrace information is
// captured alongside that error.
type Error struct {
	Err        error
	Ctx        context.Context
	Stacktrace Stacktrace
}

// Error implements the method for the error interface. It returns only the
// wrapped message; use FullError to additionally render annotations and the
// source line.
func (e Error) Error() string {
	return e.Err.Error()
}

// Unwrap implements the method for the errors package.
func (e Error) Unwrap() error {
	return e.Err
}

// FullError renders the wrapped message, every annotation present on Ctx at
// the time of wrapping, and the source line the error was created at.
func (e Error) FullError() string {
	sb := new(strings.Builder)
	sb.WriteString(strings.TrimSpace(e.Err.Error()))

	var kvs [][2]string
	if e.Ctx != nil {
		kvs = mctx.Annotations(e.Ctx).StringSlice(true)
	}
	kvs = append(kvs, [2]string{"line", e.Stacktrace.String()})

	for _, kve := range kvs {
		k, v := strings.TrimSpace(kve[0]), strings.TrimSpace(kve[1])
		sb.WriteString("\n\t* ")
		sb.WriteString(k)
		sb.WriteString(": ")

		if !strings.Contains(v, "\n") {
			sb.WriteString(v)
			continue
		}

		for _, vLine := range strings.Split(v, "\n") {
			sb.WriteString("\n\t\t")
			sb.WriteString(strings.TrimSpace(vLine))
		}
	}

	return sb.String()
}

// WrapSkip is like Wrap but also allows for skipping extra stack frames when
// embedding the stack into the error.
func WrapSkip(ctx context.Context, err error, skip int) error {
	if err == nil {
		return nil
	}

	if e := (Error{}); errors.As(err, &e) {
		e.Err = err
		if ctx != nil {
			if e.Ctx == nil {
				e.Ctx = ctx
			} else {
				e.Ctx = mctx.MergeAnnotations(e.Ctx, ctx)
			}
		}
		return e
	}

	return Error{
		Err:        err,
		Ctx:        ctx,
		Stacktrace: newStacktrace(skip + 1),
	}
}

// Wrap returns a copy of the given error wrapped in an Error. If the given
// error is already wrapped in an Error then the given context is merged into
// that one with mctx.MergeAnnotations instead.
//
// Wrapping nil returns nil.
func Wrap(ctx context.Context, err error) error {
	return WrapSkip(ctx, err, 1)
}

// New is a shortcut for:
//	merr.WrapSkip(ctx, errors.New(str), 1)
func New(ctx context.Context, str string) error {
	return WrapSkip(ctx, errors.New(str), 1)
}

// Contextf is a shortcut for New(ctx, fmt.Sprintf(format, args...)).
func Contextf(ctx context.Context, format string, args ...interface{}) error {
	return WrapSkip(ctx, fmt.Errorf(format, args...), 1)
}

// Context returns the Context embedded in err, if err (or something it
// wraps) is an Error with a non-nil Ctx, or context.Background() otherwise.
func Context(err error) context.Context {
	var e Error
	if errors.As(err, &e) && e.Ctx != nil {
		return e.Ctx
	}
	return context.Background()
}
