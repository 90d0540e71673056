// Package errext contains extensions for normal Go errors.
package errext

import "errors"

// HasHint is an error with an attached, human readable suggestion on how the
// underlying problem could be fixed.
type HasHint interface {
	error
	Hint() string
}

// WithHint attaches hint to err. A nil err stays nil. If err already carried
// a hint, the result reads "new hint (old hint)".
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return withHint{err, hint}
}

type withHint struct {
	error
	hint string
}

func (wh withHint) Unwrap() error {
	return wh.error
}

func (wh withHint) Hint() string {
	hint := wh.hint
	var old HasHint
	if errors.As(wh.error, &old) {
		hint = hint + " (" + old.Hint() + ")"
	}

	return hint
}

var _ HasHint = withHint{}
