package provider

import (
	"fmt"
	"io"
	"net/http"
)

// APIError is a non-success response from a provider API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps well-known statuses onto the package's sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusNotFound:
		return ErrBuildNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ErrNetworkTimeout
	}
	return nil
}

// ReadError builds an APIError from resp, keeping at most 4KB of body.
func ReadError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}
