package backend

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError is a rejected or failed backend call
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}

// Forbidden reports a 403-class rejection
func (e *APIError) Forbidden() bool {
	return e.Status == http.StatusForbidden
}

// NoQuotaError means the user has no recording time left at start
type NoQuotaError struct {
	Message    string
	ResetAt    *time.Time
	WindowDays *int
}

func (e *NoQuotaError) Error() string {
	if e.ResetAt != nil {
		return fmt.Sprintf("no recording time available until %s", e.ResetAt.Format(time.RFC3339))
	}
	return "no recording time available"
}

// AsAPIError unwraps an *APIError
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
