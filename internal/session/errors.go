package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCurrentPosition is returned by Save before the first position has arrived.
	ErrNoCurrentPosition = errors.New("no current position")
	// ErrUnknownFloor is returned by Save for a floor code outside the configured set.
	ErrUnknownFloor = errors.New("unknown floor")
)

// SaveError is returned when the server could not accept a marker. The marker is discarded.
type SaveError struct {
	StoreNumber string
	Err         error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("failed to save marker %q: %v", e.StoreNumber, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}
