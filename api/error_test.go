package api

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestErrorJSON(t *testing.T) {
	inStr := "upstream said no"
	inError := NewError(errors.New(inStr))

	jsonBytes, err := json.Marshal(inError)
	if err != nil {
		t.Fatal(err)
	}

	outError := NewError(nil)
	if err = json.Unmarshal(jsonBytes, outError); err != nil {
		t.Fatal(err)
	}

	// compare the very initial error to the
	// marshalled-then-unmarshalled error
	if want, have := inStr, outError.Error(); want != have {
		t.Errorf("want: %v, have: %v", want, have)
	}
}

func TestErrorNil(t *testing.T) {
	var e *Error
	if e.Valid() {
		t.Error("nil Error must not be valid")
	}
	if e.Error() != "" {
		t.Error("nil Error string must be empty")
	}
}
