// Package session runs the location-to-marker flow: it seeds the marker store from the server,
// tracks the latest position and turns user saves into server submissions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mallmap/geomeasure/internal/api"
	"github.com/mallmap/geomeasure/internal/cache"
	"github.com/mallmap/geomeasure/internal/watcher"
	"github.com/mallmap/geomeasure/pkg/core"
)

// Syncer is the remote side of the session.
type Syncer interface {
	FetchAll(ctx context.Context) ([]core.Marker, error)
	Save(ctx context.Context, fields core.MarkerFields) (*api.SaveAck, error)
}

// Tracker delivers positions. *watcher.Watcher implements it.
type Tracker interface {
	Start(onPosition watcher.Callback, onError watcher.ErrorCallback, opts watcher.Options) watcher.Handle
	Stop(h watcher.Handle)
}

// Recorder receives one sample per sync operation.
type Recorder interface {
	RecordSync(op, outcome string, duration time.Duration, markers int)
}

// Options configures a Session.
type Options struct {
	Floors   []core.Floor
	Profiles watcher.Profiles
	// Precise selects the precise watcher profile.
	Precise  bool
	Recorder Recorder
	// OnPositionError is called for every position error after it was recorded.
	OnPositionError func(error)
	Logger          *slog.Logger
}

// Status is a snapshot of the session for display.
type Status struct {
	Loaded        bool
	Markers       int
	Watching      bool
	Precise       bool
	Position      *core.Position
	LastError     error
	PermissionErr bool
}

// Session owns the marker store and the latest position.
type Session struct {
	client   Syncer
	tracker  Tracker
	floors   []core.Floor
	profiles watcher.Profiles
	recorder Recorder
	onError  func(error)
	logger   *slog.Logger
	now      func() time.Time

	positions  metric.Int64Counter
	saved      metric.Int64Counter
	saveFailed metric.Int64Counter

	// watchMu serializes starting and stopping the watch; mu guards the fields below.
	watchMu sync.Mutex

	mu       sync.Mutex
	store    *cache.MarkerStore
	current  *core.Position
	loaded   bool
	precise  bool
	handle   watcher.Handle
	watching bool
	// watchGen identifies the current watch so a late end report from an older one is ignored.
	watchGen   uint64
	lastErr    error
	permDenied bool
}

// New creates a Session. Nothing is fetched or watched until Load and Activate.
func New(client Syncer, tracker Tracker, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	floors := opts.Floors
	if len(floors) == 0 {
		floors = core.DefaultFloors
	}

	s := &Session{
		client:   client,
		tracker:  tracker,
		floors:   floors,
		profiles: opts.Profiles,
		recorder: opts.Recorder,
		onError:  opts.OnPositionError,
		logger:   logger,
		now:      time.Now,
		store:    cache.NewMarkerStore(),
		precise:  opts.Precise,
	}

	m := meter()
	var err error

	s.positions, err = m.Int64Counter(
		"positions.received",
		metric.WithDescription("Positions delivered by the watcher"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating positions counter: %w", err)
	}

	s.saved, err = m.Int64Counter(
		"markers.saved",
		metric.WithDescription("Markers accepted by the server"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating saved counter: %w", err)
	}

	s.saveFailed, err = m.Int64Counter(
		"markers.save_failed",
		metric.WithDescription("Marker submissions that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating save failed counter: %w", err)
	}

	return s, nil
}

// Load fetches all markers and seeds the store. On failure the session stays unloaded
// and Load may be called again.
func (s *Session) Load(ctx context.Context) error {
	start := s.now()
	markers, err := s.client.FetchAll(ctx)
	if err != nil {
		s.record("fetch", "error", start, 0)
		s.logger.Error("failed to load markers", "error", err)
		return err
	}

	s.mu.Lock()
	s.store.Seed(markers)
	s.loaded = true
	s.mu.Unlock()

	s.record("fetch", "ok", start, len(markers))
	s.logger.Info("markers loaded", "count", len(markers))
	return nil
}

// Loaded reports whether the initial fetch succeeded.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Activate starts watching positions with the current profile. It is a no-op when already watching;
// after the position source ended it starts a new watch.
func (s *Session) Activate() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	s.mu.Lock()
	watching := s.watching
	s.mu.Unlock()
	if !watching {
		s.stopWatch()
		s.startWatch()
	}
}

// Deactivate stops watching. The last position stays current.
func (s *Session) Deactivate() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.stopWatch()
}

// Resubscribe replaces the active watch with one using the profile chosen by precise.
// The previous handle is always released first.
func (s *Session) Resubscribe(precise bool) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	s.stopWatch()
	s.mu.Lock()
	s.precise = precise
	s.mu.Unlock()
	s.startWatch()
}

// startWatch and stopWatch run under watchMu. The tracker is called without s.mu held:
// it logs, and log records pull their attributes from the session.
func (s *Session) startWatch() {
	s.mu.Lock()
	precise := s.precise
	s.watchGen++
	gen := s.watchGen
	s.watching = true
	s.mu.Unlock()

	opts := s.profiles.Select(precise)
	h := s.tracker.Start(s.onPosition, func(err error) { s.onPositionError(gen, err) }, opts)

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	s.logger.Info("watching position", "precise", precise, "high_accuracy", opts.HighAccuracy)
}

// stopWatch also releases a watch whose source already ended, which waits out its last callback.
func (s *Session) stopWatch() {
	s.mu.Lock()
	h := s.handle
	s.handle, s.watching = 0, false
	s.mu.Unlock()

	if h != 0 {
		s.tracker.Stop(h)
		s.logger.Debug("stopped watching position")
	}
}

func (s *Session) onPosition(p core.Position) {
	s.mu.Lock()
	s.current = &p
	s.permDenied = false
	s.mu.Unlock()

	s.positions.Add(context.Background(), 1)
	s.logger.Debug("position updated", "position", p.String())
}

func (s *Session) onPositionError(gen uint64, err error) {
	s.mu.Lock()
	s.lastErr = err
	if errors.Is(err, watcher.ErrPermissionDenied) {
		s.permDenied = true
	}
	ended := errors.Is(err, watcher.ErrSourceEnded) && gen == s.watchGen && s.watching
	if ended {
		s.watching = false
	}
	s.mu.Unlock()

	if ended {
		s.logger.Warn("position watch ended", "error", err)
	}

	if s.onError != nil {
		s.onError(err)
	}
}

// CurrentPosition returns the latest position, if any arrived yet.
func (s *Session) CurrentPosition() (core.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return core.Position{}, false
	}
	return *s.current, true
}

// Save submits a marker for storeNumber on floor at the current position and appends it to the
// store once the server accepted it. Without a current position nothing is sent.
func (s *Session) Save(ctx context.Context, storeNumber string, floor core.FloorLevel) (core.Marker, error) {
	s.mu.Lock()
	var pos *core.Position
	if s.current != nil {
		p := *s.current
		pos = &p
	}
	s.mu.Unlock()

	if pos == nil {
		s.logger.Error("cannot save marker without a position", "store", storeNumber)
		return core.Marker{}, ErrNoCurrentPosition
	}
	if _, ok := core.LookupFloor(s.floors, floor); !ok {
		return core.Marker{}, fmt.Errorf("%w: %q", ErrUnknownFloor, floor)
	}

	start := s.now()
	fields := core.NewMarkerFields(storeNumber, floor, *pos)
	ack, err := s.client.Save(ctx, fields)
	if err != nil {
		s.saveFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("floor", string(floor))))
		s.record("save", "error", start, 0)
		s.logger.Error("failed to save marker", "store", storeNumber, "floor", floor, "error", err)
		return core.Marker{}, &SaveError{StoreNumber: storeNumber, Err: err}
	}

	s.mu.Lock()
	m := core.Marker{
		ID:          s.nextIDLocked(),
		StoreNumber: storeNumber,
		FloorLevel:  floor,
		Latitude:    fields.Latitude,
		Longitude:   fields.Longitude,
		Altitude:    fields.Altitude,
	}
	s.store.Append(m)
	total := s.store.Len()
	s.mu.Unlock()

	s.saved.Add(ctx, 1, metric.WithAttributes(attribute.String("floor", string(floor))))
	s.record("save", "ok", start, 1)
	s.logger.Info("marker saved",
		"id", m.ID,
		"store", storeNumber,
		"floor", floor,
		"position", pos.String(),
		"server_status", ack.Status,
		"markers", total,
	)
	return m, nil
}

// nextIDLocked returns a creation-time id strictly greater than the id of the last stored marker.
func (s *Session) nextIDLocked() int64 {
	id := s.now().UnixMilli()
	if last, ok := s.store.Last(); ok && id <= last.ID {
		id = last.ID + 1
	}
	return id
}

// Markers returns the store contents in order.
func (s *Session) Markers() []core.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.All()
}

// Floors returns the floors a marker can be saved on.
func (s *Session) Floors() []core.Floor {
	out := make([]core.Floor, len(s.floors))
	copy(out, s.floors)
	return out
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Loaded:        s.loaded,
		Markers:       s.store.Len(),
		Watching:      s.watching,
		Precise:       s.precise,
		LastError:     s.lastErr,
		PermissionErr: s.permDenied,
	}
	if s.current != nil {
		p := *s.current
		st.Position = &p
	}
	return st
}

// LogAttrs returns the session attributes added to every log record.
func (s *Session) LogAttrs() []slog.Attr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []slog.Attr{
		slog.Int("markers", s.store.Len()),
		slog.Bool("has_fix", s.current != nil),
	}
}

// Close stops watching.
func (s *Session) Close() {
	s.Deactivate()
}

func (s *Session) record(op, outcome string, start time.Time, markers int) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordSync(op, outcome, s.now().Sub(start), markers)
}
