// Package api defines the JSON types of the management API.
package api

import (
	"encoding/json"
	"errors"
)

// Error carries an error value through JSON request and response
// bodies as a plain string.
type Error struct {
	Err error
}

func NewError(err error) *Error {
	return &Error{Err: err}
}

// Valid reports whether e wraps a non-nil error.
func (e *Error) Valid() bool {
	return e != nil && e.Err != nil
}

func (e *Error) Error() string {
	if !e.Valid() {
		return ""
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MarshalJSON renders the wrapped error as a JSON string.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Error())
}

// UnmarshalJSON replaces the wrapped error with a plain string error.
func (e *Error) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	e.Err = errors.New(s)
	return nil
}
