package synth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnknownConnection means the service has no such connection.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrEmptyText means a speak request carried no text.
	ErrEmptyText = errors.New("empty text")
)

// StatusError is a non-2xx response from the synthesis service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("synthesis service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("synthesis service returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known service errors onto the package sentinels.
func (e *StatusError) Unwrap() error {
	msg := strings.ToLower(e.Message)
	switch {
	case e.StatusCode == http.StatusNotFound,
		e.StatusCode == http.StatusBadRequest && strings.Contains(msg, "invalid connection"):
		return ErrUnknownConnection
	case e.StatusCode == http.StatusBadRequest && strings.Contains(msg, "no text"):
		return ErrEmptyText
	}
	return nil
}
