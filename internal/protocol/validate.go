package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of an inbound message. Failures wrap
// ErrInvalidPayload and name every offending field.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(fields, ", "))
}

// CodedError is a handler error that is reported to the client as an
// {"type":"error"} event with Code.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

// NewError creates a CodedError. err may be nil.
func NewError(code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *CodedError) Unwrap() error { return e.Err }
