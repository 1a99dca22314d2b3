// Package oautherr defines the OAuth 2.0 style error carried from the protocol
// services to the HTTP layer.
package oautherr

import (
	"errors"
	"net/http"
)

// Error codes returned in the "error" member of a response.
const (
	InvalidRequest = "invalid_request"
	InvalidClient  = "invalid_client"
	InvalidGrant   = "invalid_grant"
	ServerError    = "server_error"
)

// Error is a protocol failure with a code, a human readable description and
// optionally the internal cause, which is logged but never sent to clients.
type Error struct {
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Description + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the code to an HTTP status: 500 for server_error, 400 otherwise.
func (e *Error) Status() int {
	if e.Code == ServerError {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// New returns an error without an underlying cause.
func New(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Wrap attaches an internal cause.
func Wrap(code, description string, err error) *Error {
	return &Error{Code: code, Description: description, Err: err}
}

// Request is shorthand for an invalid_request error.
func Request(description string) *Error { return New(InvalidRequest, description) }

// Client is shorthand for an invalid_client error.
func Client(description string) *Error { return New(InvalidClient, description) }

// Server wraps an unexpected failure as server_error.
func Server(description string, err error) *Error { return Wrap(ServerError, description, err) }

// From extracts an *Error from err, treating anything else as server_error.
func From(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return Server("server error", err)
}
