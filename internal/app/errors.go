package app

import (
	"errors"
	"fmt"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrEmailTaken            = errors.New("email already exists")
)

// ValidationError reports bad input. Nothing has been persisted or sent
// to a collaborator when it is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErr(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// GenerationError wraps a generation-collaborator failure. No message is
// persisted for the failed turn.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
