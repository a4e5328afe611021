package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/Sternrassler/offline-health-cache/pkg/strategy"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error should not retry",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "server error should retry",
			errorClass: ErrorClassServer,
			expected:   true,
		},
		{
			name:       "network error should retry",
			errorClass: ErrorClassNetwork,
			expected:   true,
		},
		{
			name:       "offline should not retry",
			errorClass: ErrorClassOffline,
			expected:   false,
		},
		{
			name:       "cache error should not retry",
			errorClass: ErrorClassCache,
			expected:   false,
		},
		{
			name:       "conflict should not retry",
			errorClass: ErrorClassConflict,
			expected:   false,
		},
		{
			name:       "empty error class should not retry",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorClass
	}{
		{200, ""},
		{304, ""},
		{400, ErrorClassClient},
		{401, ErrorClassClient},
		{404, ErrorClassClient},
		{409, ErrorClassConflict},
		{412, ErrorClassConflict},
		{429, ErrorClassClient},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.expected {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{
			name:     "offline",
			err:      fmt.Errorf("network-first key: %w", strategy.ErrOffline),
			expected: ErrorClassOffline,
		},
		{
			name:     "corrupt entry",
			err:      fmt.Errorf("decode: %w", cache.ErrInvalidEntry),
			expected: ErrorClassCache,
		},
		{
			name:     "retired namespace",
			err:      namespace.ErrNamespaceRetired,
			expected: ErrorClassCache,
		},
		{
			name:     "open breaker",
			err:      fmt.Errorf("%w: circuit breaker is open", strategy.ErrUpstreamUnavailable),
			expected: ErrorClassNetwork,
		},
		{
			name:     "transport error",
			err:      errors.New("connection refused"),
			expected: ErrorClassNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.expected {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name       string
		fetchError *FetchError
		expected   string
	}{
		{
			name: "error with wrapped error",
			fetchError: &FetchError{
				Method:     "GET",
				URL:        "/api/vitals/1",
				ErrorClass: ErrorClassOffline,
				Message:    "no response available",
				Err:        errors.New("offline"),
			},
			expected: "GET /api/vitals/1: offline error (status 0): no response available: offline",
		},
		{
			name: "error without wrapped error",
			fetchError: &FetchError{
				Method:     "GET",
				URL:        "/api/auth/session",
				StatusCode: 503,
				ErrorClass: ErrorClassServer,
				Message:    "503 Service Unavailable",
			},
			expected: "GET /api/auth/session: server error (status 503): 503 Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.fetchError.Error()
			if result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	wrappedErr := errors.New("wrapped error")
	fetchError := &FetchError{
		StatusCode: 500,
		ErrorClass: ErrorClassServer,
		Message:    "server error",
		Err:        wrappedErr,
	}

	if unwrapped := fetchError.Unwrap(); unwrapped != wrappedErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, wrappedErr)
	}
	if !errors.Is(fetchError, wrappedErr) {
		t.Error("errors.Is should work with wrapped error")
	}
}

func TestClassOf(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://localhost/api/vitals", nil)
	fe := newFetchError(req, ErrorClassNetwork, 0, "upstream request failed", errors.New("eof"))

	if got := ClassOf(fmt.Errorf("outer: %w", fe)); got != ErrorClassNetwork {
		t.Errorf("ClassOf(wrapped) = %q, want %q", got, ErrorClassNetwork)
	}
	if got := ClassOf(errors.New("plain")); got != "" {
		t.Errorf("ClassOf(plain) = %q, want empty", got)
	}
}

func TestNewFetchError_Cancelled(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://localhost/api/vitals", nil)
	fe := newFetchError(req, ErrorClassNetwork, 0, "upstream request failed", fmt.Errorf("dial: %w", context.Canceled))

	if fe.Message != "request cancelled" {
		t.Errorf("Message = %q, want %q", fe.Message, "request cancelled")
	}
	if !errors.Is(fe, context.Canceled) {
		t.Error("errors.Is(context.Canceled) should hold")
	}
}
