// Package errors carries the HTTP-facing error categories of the relay API.
package errors

import (
	"errors"
	"net/http"
)

// Category classifies a ServiceError for the transport layer
type Category int

const (
	// CategoryGeneralError is an unexpected failure inside the relay
	CategoryGeneralError Category = iota
	// CategoryDataError is a malformed or unacceptable request
	CategoryDataError
	// CategoryUnauthorized is a missing or invalid service token
	CategoryUnauthorized
	// CategoryResourceNotFound is an unknown transfer or resource
	CategoryResourceNotFound
	// CategoryDataConflict is a request that contradicts stored state,
	// such as a reused transfer id or a cancel after the source tx is pinned
	CategoryDataConflict
	// CategoryDependencyFailure is a failing database or chain endpoint
	CategoryDependencyFailure
)

var categories = map[Category]struct {
	name   string
	status int
}{
	CategoryGeneralError:      {"CategoryGeneralError", http.StatusInternalServerError},
	CategoryDataError:         {"CategoryDataError", http.StatusBadRequest},
	CategoryUnauthorized:      {"CategoryUnauthorized", http.StatusUnauthorized},
	CategoryResourceNotFound:  {"CategoryResourceNotFound", http.StatusNotFound},
	CategoryDataConflict:      {"CategoryDataConflict", http.StatusConflict},
	CategoryDependencyFailure: {"CategoryDependencyFailure", http.StatusBadGateway},
}

func (c Category) String() string {
	if info, ok := categories[c]; ok {
		return info.name
	}
	return categories[CategoryGeneralError].name
}

// ServiceError is returned by the service layer. Message is safe to show
// to the caller, Err is only logged.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

func (err ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err ServiceError) Unwrap() error {
	return err.Err
}

// StatusCode returns the HTTP status code for the error category
func (err ServiceError) StatusCode() int {
	if info, ok := categories[err.Category]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Is checks that err is a ServiceError with the given category
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Category == cat
}

func newError(cat Category, err error, message, fallback string) error {
	if err == nil {
		err = errors.New(fallback)
	}
	return &ServiceError{Category: cat, Message: message, Err: err}
}

// GeneralError hides err behind "Internal Server Error"
func GeneralError(err error) error {
	return newError(CategoryGeneralError, err, "Internal Server Error", "internal server error")
}

// BadRequestError returns a CategoryDataError with message shown to the caller
func BadRequestError(err error, message string) error {
	return newError(CategoryDataError, err, message, "bad request: "+message)
}

// UnAuthorizedError returns a CategoryUnauthorized error
func UnAuthorizedError(err error, message string) error {
	return newError(CategoryUnauthorized, err, message, "unauthorized")
}

// ResourceNotFoundError returns a CategoryResourceNotFound error
func ResourceNotFoundError(err error, message string) error {
	return newError(CategoryResourceNotFound, err, message, "resource not found: "+message)
}

// ConflictError returns a CategoryDataConflict error
func ConflictError(err error, message string) error {
	return newError(CategoryDataConflict, err, message, "conflict")
}

// DependencyError returns a CategoryDependencyFailure error
func DependencyError(err error, message string) error {
	return newError(CategoryDependencyFailure, err, message, "dependency failure: "+message)
}
