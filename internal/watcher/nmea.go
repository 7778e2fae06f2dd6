package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"

	"github.com/mallmap/geomeasure/pkg/core"
)

// maxHDOP is the worst horizontal dilution accepted in high accuracy mode.
const maxHDOP = 5.0

// NMEASource reads NMEA 0183 sentences from a GPS receiver or a recorded log.
type NMEASource struct {
	// Open returns the sentence stream. It is called once per watch.
	Open func() (io.ReadCloser, error)
	// Pace delays between emitted fixes, for replaying recorded logs at walking speed.
	Pace   time.Duration
	Logger *slog.Logger
}

// NewNMEAFileSource reads sentences from path, which may be a log file or a serial device node.
func NewNMEAFileSource(path string, pace time.Duration, logger *slog.Logger) *NMEASource {
	return &NMEASource{
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
		Pace:   pace,
		Logger: logger,
	}
}

// Watch implements Source.
func (s *NMEASource) Watch(ctx context.Context, opts Options, emit func(core.Position), fail func(error)) error {
	r, err := s.Open()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("open nmea stream: %w", err)
	}
	defer r.Close()

	// unblock the scanner when the watch is stopped
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !positionSentence(line) {
			continue
		}

		pos, ok, err := parseNMEA(line, opts.HighAccuracy)
		if err != nil {
			fail(err)
			continue
		}
		if !ok {
			logger.Debug("nmea fix skipped", "sentence", line)
			continue
		}

		emit(pos)
		if ctx.Err() != nil {
			return nil
		}
		if s.Pace > 0 {
			select {
			case <-time.After(s.Pace):
			case <-ctx.Done():
				return nil
			}
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read nmea stream: %w", err)
	}
	return nil
}

// positionSentence reports whether line is a GGA or RMC sentence from any talker.
func positionSentence(line string) bool {
	if !strings.HasPrefix(line, "$") {
		return false
	}
	head, _, _ := strings.Cut(line, ",")
	return strings.HasSuffix(head, nmea.TypeGGA) || strings.HasSuffix(head, nmea.TypeRMC)
}

// parseNMEA converts a GGA or RMC sentence to a position. In high accuracy mode only
// GGA fixes with a good HDOP are accepted, since RMC carries no quality information.
func parseNMEA(line string, highAccuracy bool) (core.Position, bool, error) {
	s, err := nmea.Parse(line)
	if err != nil {
		return core.Position{}, false, fmt.Errorf("parse nmea: %w", err)
	}

	switch m := s.(type) {
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			return core.Position{}, false, nil
		}
		if highAccuracy && (m.HDOP <= 0 || m.HDOP > maxHDOP) {
			return core.Position{}, false, nil
		}
		return core.Position{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Altitude:  core.Float(m.Altitude),
		}, true, nil
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC || highAccuracy {
			return core.Position{}, false, nil
		}
		return core.Position{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
		}, true, nil
	}
	return core.Position{}, false, nil
}
