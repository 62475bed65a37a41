package distributed

import (
	"errors"
	"fmt"
)

// Kind classifies coordination failures so callers can map them to
// retry behavior or client responses without string matching.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindStore        Kind = "store"
	KindNetwork      Kind = "network"
	KindQuorumNotMet Kind = "quorum_not_met"
)

// Error is a classified coordination failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationErr(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func storeErr(op string, err error) error {
	return &Error{Kind: KindStore, Op: op, Err: err}
}

func networkErr(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func quorumErr(op, format string, args ...any) error {
	return &Error{Kind: KindQuorumNotMet, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind, or empty for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
