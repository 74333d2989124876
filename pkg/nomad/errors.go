package nomad

import (
	"errors"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

var (
	// ErrIncomplete rejects a write that lacks its payload or timestamps.
	ErrIncomplete = errors.New("incomplete nomad")
	// ErrCorrupt means stored bytes match no known record generation.
	ErrCorrupt = errors.New("corrupt stored nomad")
	// ErrDuplicateKey rejects a batch key naming an identifier that another
	// key of the same batch also names.
	ErrDuplicateKey = errors.New("identifier listed more than once")
)

const (
	CodeInvalidInput = "invalid_input"
	CodeInternal     = "internal"
)

// KeyError explains why a single key of a batch failed.
type KeyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func IsClientError(err error) bool {
	return errors.Is(err, ids.ErrMalformed) || errors.Is(err, ErrIncomplete) || errors.Is(err, ErrDuplicateKey)
}

func keyError(err error) KeyError {
	code := CodeInternal
	if IsClientError(err) {
		code = CodeInvalidInput
	}
	return KeyError{Code: code, Message: err.Error()}
}
