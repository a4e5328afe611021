package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/Sternrassler/offline-health-cache/pkg/strategy"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors and an open
	// upstream circuit breaker.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassOffline represents requests that needed the network while
	// offline with nothing cached.
	ErrorClassOffline ErrorClass = "offline"

	// ErrorClassCache represents cache storage failures.
	ErrorClassCache ErrorClass = "cache"

	// ErrorClassConflict represents 409/412 responses to writes.
	ErrorClassConflict ErrorClass = "conflict"
)

// FetchError is returned by Client.Do when a request could not be answered.
type FetchError struct {
	Method     string
	URL        string
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s error (status %d): %s: %v",
			e.Method, e.URL, e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error (status %d): %s",
		e.Method, e.URL, e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClassOf returns the ErrorClass of err, or "" when err carries none.
func ClassOf(err error) ErrorClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.ErrorClass
	}
	return ""
}

// ClassifyStatus maps an HTTP status to an ErrorClass. Statuses below 400
// yield "".
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return ErrorClassConflict
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyError maps a failure without a response to an ErrorClass.
func classifyError(err error) ErrorClass {
	switch {
	case errors.Is(err, strategy.ErrOffline):
		return ErrorClassOffline
	case errors.Is(err, cache.ErrInvalidEntry), errors.Is(err, namespace.ErrNamespaceRetired):
		return ErrorClassCache
	default:
		return ErrorClassNetwork
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// Client errors and conflicts need a different request; offline
		// and cache failures do not improve by resending.
		return false
	}
}

func newFetchError(req *http.Request, class ErrorClass, status int, msg string, err error) *FetchError {
	if errors.Is(err, context.Canceled) {
		msg = "request cancelled"
	}
	return &FetchError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: status,
		ErrorClass: class,
		Message:    msg,
		Err:        err,
	}
}
