package flume

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when a session is requested before any
// successful authentication.
var ErrNotConnected = errors.New("not connected: call Authenticate first")

// AuthError indicates that authentication with the Flume API failed,
// either outright or because the token response was incomplete.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flume auth failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("flume auth failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// APIError indicates a failed API request: either a non-2xx response
// (StatusCode and Body are set) or a transport failure (Err is set).
type APIError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flume api request failed: %v", e.Err)
	}
	return fmt.Sprintf("flume api request failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
