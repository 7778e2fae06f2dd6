package api

import "fmt"

// RetrievalError is returned when the server answers a fetch with a non-success status.
type RetrievalError struct {
	Status  string
	Message string
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("failed to retrieve details: %s", e.Message)
}

// RejectedError is returned by Save in strict mode when the server acknowledges with a
// non-success status.
type RejectedError struct {
	Status  string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("geo-measure rejected (status %q): %s", e.Status, e.Message)
}

// TransportError covers every failure below the envelope: network errors, timeouts,
// non-2xx answers and bodies that cannot be decoded.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s request returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s request failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
