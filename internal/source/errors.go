package source

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotAFile indicates the requested path is a directory or submodule.
	ErrNotAFile = errors.New("source: path is not a file")

	// ErrNotADirectory indicates a listing was requested for a file.
	ErrNotADirectory = errors.New("source: path is not a directory")
)

// RateLimitError represents a rate limit exceeded error with reset time.
type RateLimitError struct {
	ResetAt   time.Time
	Remaining int
	Limit     int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("source: rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// APIError represents an error response from the upstream API.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source: API error %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsNotFound checks if the error indicates the path does not exist upstream.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return errors.Is(err, ErrNotAFile) || errors.Is(err, ErrNotADirectory)
}

// IsRateLimited checks if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	var rateLimitErr *RateLimitError
	return errors.As(err, &rateLimitErr)
}
