package stratz

import (
	"fmt"

	"github.com/dotalab/stratz-enrich/pkg/fetcher"
)

// APIError carries the HTTP status and classification of a failed STRATZ
// request.
type APIError struct {
	StatusCode int
	Class      fetcher.Class
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stratz %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("stratz %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}
