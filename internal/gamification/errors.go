package gamification

import (
	"context"
	"errors"
	"fmt"

	"github.com/moments-app/backend/internal/store"
)

// Kind classifies engine errors for callers and the HTTP layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is the structured error returned by every public engine operation.
type Error struct {
	Kind       Kind
	Op         string
	TemplateID string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.TemplateID != "" {
		msg += " [" + e.TemplateID + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func validationErr(op string, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// wrap converts a store or context error into an *Error with the matching kind.
func wrap(op, templateID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, TemplateID: templateID, Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate):
		return KindConflict
	case errors.Is(err, store.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransient
	}
	return KindInternal
}

// KindOf reports the kind of err. Errors not produced by the engine are
// classified from the store sentinels they wrap.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}
