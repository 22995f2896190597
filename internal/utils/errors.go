package utils

import "errors"

// Error is a sentinel error that can carry call-site details while still
// matching its base with errors.Is.
type Error struct {
	msg     string
	details string
	base    *Error
}

func NewError(msg string) *Error {
	return &Error{msg: msg}
}

func (e *Error) Error() string {
	if e.details == "" {
		return e.msg
	}
	return e.msg + ": " + e.details
}

// WithDetails returns a copy of e annotated with details.
func (e *Error) WithDetails(details string) *Error {
	root := e
	if e.base != nil {
		root = e.base
	}
	return &Error{msg: root.msg, details: details, base: root}
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	root := e
	if e.base != nil {
		root = e.base
	}
	troot := t
	if t.base != nil {
		troot = t.base
	}
	return root == troot
}

var (
	ErrProfileNotFound = NewError("profile not found")
	ErrInvalidConfig   = NewError("invalid configuration")
)
