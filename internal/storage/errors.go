package storage

import "errors"

var ErrNotFound = errors.New("not found")

// Error is the generic storage failure: every backend wraps its driver errors in it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}
