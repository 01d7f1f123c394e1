package httpclient

import (
	"fmt"
	"time"
)

// RetryableError is returned when the retry budget is exhausted. Callers can
// inspect RetryAfter to decide whether surfacing the failure or queueing the
// work again makes more sense.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (status %d): %v", e.Message, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
