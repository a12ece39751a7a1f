package connectors

import (
	"errors"
	"fmt"
	"time"
)

var ErrMalformedResponse = errors.New("malformed provider response")

// ThrottleError — провайдер ответил 429. RetryAfter берется из заголовка Retry-After.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// StatusError — любой ответ провайдера вне 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.Code, e.Body)
}
