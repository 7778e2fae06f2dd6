package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mallmap/geomeasure/pkg/core"
)

var (
	// ErrPermissionDenied is returned by a source when access to the position device is refused.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrTimeout is reported when no position arrived within the configured timeout.
	ErrTimeout = errors.New("position timeout expired")
	// ErrSourceEnded is reported when the source stopped on its own. The watch is gone and
	// a new one has to be started.
	ErrSourceEnded = errors.New("position source ended")
)

// maxAccuracyMeters is the worst horizontal accuracy accepted from JSON sources in high accuracy mode.
const maxAccuracyMeters = 25.0

// Source is the device layer: it emits positions until ctx is done or the stream ends.
// Errors on individual readings go to fail; a returned error means the stream is broken.
type Source interface {
	Watch(ctx context.Context, opts Options, emit func(core.Position), fail func(error)) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, opts Options, emit func(core.Position), fail func(error)) error

// Watch calls f.
func (f SourceFunc) Watch(ctx context.Context, opts Options, emit func(core.Position), fail func(error)) error {
	return f(ctx, opts, emit, fail)
}

// positionMessage is the JSON shape published by phone companions over MQTT and WebSocket.
type positionMessage struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
	Accuracy  *float64 `json:"accuracy"`
}

// decodePositionMessage parses a JSON position. ok is false for valid messages that
// do not meet the accuracy requirement.
func decodePositionMessage(payload []byte, highAccuracy bool) (pos core.Position, ok bool, err error) {
	var msg positionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return core.Position{}, false, fmt.Errorf("decode position: %w", err)
	}
	if msg.Latitude == nil || msg.Longitude == nil {
		return core.Position{}, false, errors.New("position message without latitude/longitude")
	}
	if math.Abs(*msg.Latitude) > 90 || math.Abs(*msg.Longitude) > 180 {
		return core.Position{}, false, fmt.Errorf("position out of range: %f,%f", *msg.Latitude, *msg.Longitude)
	}
	if highAccuracy && msg.Accuracy != nil && *msg.Accuracy > maxAccuracyMeters {
		return core.Position{}, false, nil
	}
	return core.Position{
		Latitude:  *msg.Latitude,
		Longitude: *msg.Longitude,
		Altitude:  msg.Altitude,
	}, true, nil
}
