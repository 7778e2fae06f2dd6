package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallmap/geomeasure/internal/api"
	"github.com/mallmap/geomeasure/internal/watcher"
	"github.com/mallmap/geomeasure/pkg/core"
)

type fakeSyncer struct {
	mu       sync.Mutex
	markers  []core.Marker
	fetchErr error
	saveErr  error
	saved    []core.MarkerFields
}

func (f *fakeSyncer) FetchAll(context.Context) ([]core.Marker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.markers, nil
}

func (f *fakeSyncer) Save(_ context.Context, fields core.MarkerFields) (*api.SaveAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, fields)
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	return &api.SaveAck{StatusCode: 200, Status: api.StatusSuccess}, nil
}

func (f *fakeSyncer) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type watch struct {
	onPosition watcher.Callback
	onError    watcher.ErrorCallback
	opts       watcher.Options
	stopped    bool
}

// fakeTracker records watches and lets tests push positions synchronously.
type fakeTracker struct {
	next    watcher.Handle
	watches map[watcher.Handle]*watch
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{watches: make(map[watcher.Handle]*watch)}
}

func (f *fakeTracker) Start(onPosition watcher.Callback, onError watcher.ErrorCallback, opts watcher.Options) watcher.Handle {
	f.next++
	f.watches[f.next] = &watch{onPosition: onPosition, onError: onError, opts: opts}
	return f.next
}

func (f *fakeTracker) Stop(h watcher.Handle) {
	if w, ok := f.watches[h]; ok {
		w.stopped = true
	}
}

func (f *fakeTracker) active() []*watch {
	var out []*watch
	for _, w := range f.watches {
		if !w.stopped {
			out = append(out, w)
		}
	}
	return out
}

func (f *fakeTracker) push(p core.Position) {
	for _, w := range f.active() {
		w.onPosition(p)
	}
}

type recordedSync struct {
	op, outcome string
	markers     int
}

type fakeRecorder struct {
	samples []recordedSync
}

func (f *fakeRecorder) RecordSync(op, outcome string, _ time.Duration, markers int) {
	f.samples = append(f.samples, recordedSync{op: op, outcome: outcome, markers: markers})
}

func newTestSession(t *testing.T, syncer *fakeSyncer, tracker *fakeTracker) *Session {
	t.Helper()
	s, err := New(syncer, tracker, Options{
		Profiles: watcher.DefaultProfiles(),
		Precise:  true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s
}

func TestLoad_SeedsStoreInServerOrder(t *testing.T) {
	syncer := &fakeSyncer{markers: []core.Marker{
		{ID: 1, StoreNumber: "A1", FloorLevel: "0", Latitude: 12.95, Longitude: 77.52, Altitude: core.Float(10)},
		{ID: 2, StoreNumber: "B7", FloorLevel: "1", Latitude: 12.96, Longitude: 77.53},
	}}
	rec := &fakeRecorder{}
	s := newTestSession(t, syncer, newFakeTracker())
	s.recorder = rec

	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.Loaded())

	got := s.Markers()
	require.Len(t, got, 2)
	assert.Equal(t, syncer.markers, got)
	assert.Equal(t, []recordedSync{{op: "fetch", outcome: "ok", markers: 2}}, rec.samples)
}

func TestLoad_RetrievalErrorLeavesSessionUnloaded(t *testing.T) {
	syncer := &fakeSyncer{fetchErr: &api.RetrievalError{Status: "F", Message: "down"}}
	s := newTestSession(t, syncer, newFakeTracker())

	err := s.Load(context.Background())
	var rerr *api.RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "down", rerr.Message)
	assert.False(t, s.Loaded())
	assert.Empty(t, s.Markers())

	syncer.fetchErr = nil
	syncer.markers = []core.Marker{{ID: 9, StoreNumber: "Z", FloorLevel: "0"}}
	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.Loaded())
	assert.Len(t, s.Markers(), 1)
}

func TestSave_UsesLatestPosition(t *testing.T) {
	syncer := &fakeSyncer{}
	tracker := newFakeTracker()
	s := newTestSession(t, syncer, tracker)
	s.Activate()

	tracker.push(core.Position{Latitude: 1, Longitude: 1})
	tracker.push(core.Position{Latitude: 12.95, Longitude: 77.52, Altitude: core.Float(10)})

	m, err := s.Save(context.Background(), "A1", "0")
	require.NoError(t, err)

	require.Len(t, syncer.saved, 1)
	sent := syncer.saved[0]
	assert.Equal(t, core.FloorLevel("0"), sent.FloorNo)
	assert.Equal(t, "A1", sent.ShopCode)
	assert.Equal(t, 12.95, sent.Latitude)
	assert.Equal(t, 77.52, sent.Longitude)
	require.NotNil(t, sent.Altitude)
	assert.Equal(t, 10.0, *sent.Altitude)

	assert.Equal(t, 12.95, m.Latitude)
	assert.Equal(t, "A1", m.StoreNumber)
}

func TestSave_AppendsInOrder(t *testing.T) {
	syncer := &fakeSyncer{markers: []core.Marker{{ID: 1, StoreNumber: "seed", FloorLevel: "0"}}}
	tracker := newFakeTracker()
	s := newTestSession(t, syncer, tracker)
	require.NoError(t, s.Load(context.Background()))
	s.Activate()
	tracker.push(core.Position{Latitude: 12.95, Longitude: 77.52})

	_, err := s.Save(context.Background(), "A1", "0")
	require.NoError(t, err)
	_, err = s.Save(context.Background(), "A2", "1")
	require.NoError(t, err)

	got := s.Markers()
	require.Len(t, got, 3)
	assert.Equal(t, "seed", got[0].StoreNumber)
	assert.Equal(t, "A1", got[1].StoreNumber)
	assert.Equal(t, "A2", got[2].StoreNumber)
}

func TestSave_IDsStrictlyIncrease(t *testing.T) {
	syncer := &fakeSyncer{}
	tracker := newFakeTracker()
	s := newTestSession(t, syncer, tracker)
	fixed := time.UnixMilli(1_760_000_000_000)
	s.now = func() time.Time { return fixed }
	s.Activate()
	tracker.push(core.Position{Latitude: 1, Longitude: 2})

	a, err := s.Save(context.Background(), "A", "0")
	require.NoError(t, err)
	b, err := s.Save(context.Background(), "B", "0")
	require.NoError(t, err)

	assert.Equal(t, fixed.UnixMilli(), a.ID)
	assert.Equal(t, a.ID+1, b.ID)
}

func TestSave_IDFollowsSeededMarkers(t *testing.T) {
	fixed := time.UnixMilli(1_760_000_000_000)
	syncer := &fakeSyncer{markers: []core.Marker{
		{ID: fixed.UnixMilli() + 50, StoreNumber: "A1", FloorLevel: "0", Latitude: 1, Longitude: 2},
	}}
	tracker := newFakeTracker()
	s := newTestSession(t, syncer, tracker)
	s.now = func() time.Time { return fixed }
	require.NoError(t, s.Load(context.Background()))
	s.Activate()
	tracker.push(core.Position{Latitude: 1, Longitude: 2})

	m, err := s.Save(context.Background(), "B", "0")
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli()+51, m.ID)
}

func TestSave_EmptyStoreNumber(t *testing.T) {
	syncer := &fakeSyncer{}
	tracker := newFakeTracker()
	s := newTestSession(t, syncer, tracker)
	s.Activate()
	tracker.push(core.Position{Latitude: 1, Longitude: 2})

	m, err := s.Save(context.Background(), "", "-1")
	require.NoError(t, err)
	assert.Equal(t, "", m.StoreNumber)
	assert.Len(t, s.Markers(), 1)
}

func TestSave_WithoutPositionSendsNothing(t *testing.T) {
	syncer := &fakeSyncer{}
	s := newTestSession(t, syncer, newFakeTracker())
	s.Activate()

	_, err := s.Save(context.Background(), "A1", "0")
	assert.ErrorIs(t, err, ErrNoCurrentPosition)
	assert.Equal(t, 0, syncer.saveCount())
	assert.Empty(t, s.Markers())
}

func TestSave_UnknownFloor(t *testing.T) {
	syncer := &fakeSyncer{}
	tracker := newFakeTracker()
	s := newTestSession(t, syncer, tracker)
	s.Activate()
	tracker.push(core.Position{Latitude: 1, Longitude: 2})

	_, err := s.Save(context.Background(), "A1", "7")
	assert.ErrorIs(t, err, ErrUnknownFloor)
	assert.Equal(t, 0, syncer.saveCount())
}

func TestSave_FailureDiscardsMarker(t *testing.T) {
	transport := &api.TransportError{Op: "save", StatusCode: 502}
	syncer := &fakeSyncer{saveErr: transport}
	tracker := newFakeTracker()
	rec := &fakeRecorder{}
	s := newTestSession(t, syncer, tracker)
	s.recorder = rec
	s.Activate()
	tracker.push(core.Position{Latitude: 1, Longitude: 2})

	_, err := s.Save(context.Background(), "A1", "0")

	var serr *SaveError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "A1", serr.StoreNumber)
	var terr *api.TransportError
	assert.ErrorAs(t, err, &terr)
	assert.Empty(t, s.Markers())
	assert.Equal(t, []recordedSync{{op: "save", outcome: "error"}}, rec.samples)
}

func TestActivate_UsesSelectedProfile(t *testing.T) {
	tracker := newFakeTracker()
	s := newTestSession(t, &fakeSyncer{}, tracker)

	s.Activate()
	s.Activate()
	active := tracker.active()
	require.Len(t, active, 1)
	assert.Equal(t, watcher.DefaultProfiles().Precise, active[0].opts)

	s.Resubscribe(false)
	active = tracker.active()
	require.Len(t, active, 1, "previous handle released")
	assert.Equal(t, watcher.Options{}, active[0].opts)
	assert.Len(t, tracker.watches, 2)

	s.Close()
	assert.Empty(t, tracker.active())
}

func TestActivate_RestartsAfterSourceEnded(t *testing.T) {
	var starts atomic.Int32
	src := watcher.SourceFunc(func(_ context.Context, _ watcher.Options, emit func(core.Position), _ func(error)) error {
		starts.Add(1)
		emit(core.Position{Latitude: 12.95, Longitude: 77.52})
		return nil
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := watcher.New(src, logger)
	var ended atomic.Int32
	s, err := New(&fakeSyncer{}, w, Options{
		OnPositionError: func(err error) {
			if errors.Is(err, watcher.ErrSourceEnded) {
				ended.Add(1)
			}
		},
		Logger: logger,
	})
	require.NoError(t, err)
	defer s.Close()

	s.Activate()
	require.Eventually(t, func() bool { return !s.Status().Watching }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Status().LastError, watcher.ErrSourceEnded)
	_, ok := s.CurrentPosition()
	assert.True(t, ok, "last fix survives the end of the source")

	s.Activate()
	require.Eventually(t, func() bool { return starts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ended.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSourceEndOfReplacedWatchIsIgnored(t *testing.T) {
	tracker := newFakeTracker()
	s := newTestSession(t, &fakeSyncer{}, tracker)
	s.Activate()
	old := tracker.active()[0]

	s.Resubscribe(false)
	old.onError(watcher.ErrSourceEnded)
	assert.True(t, s.Status().Watching)

	tracker.active()[0].onError(watcher.ErrSourceEnded)
	assert.False(t, s.Status().Watching)
	s.Activate()
	assert.True(t, s.Status().Watching)
	assert.Len(t, tracker.watches, 3)
}

func TestPositionErrorsKeepLastPosition(t *testing.T) {
	tracker := newFakeTracker()
	s := newTestSession(t, &fakeSyncer{}, tracker)
	s.Activate()

	tracker.push(core.Position{Latitude: 5, Longitude: 6})
	for _, w := range tracker.active() {
		w.onError(errors.New("gps glitch"))
	}

	pos, ok := s.CurrentPosition()
	require.True(t, ok)
	assert.Equal(t, 5.0, pos.Latitude)

	st := s.Status()
	assert.EqualError(t, st.LastError, "gps glitch")
	assert.False(t, st.PermissionErr)
}

func TestStatus(t *testing.T) {
	tracker := newFakeTracker()
	s := newTestSession(t, &fakeSyncer{}, tracker)

	st := s.Status()
	assert.False(t, st.Loaded)
	assert.False(t, st.Watching)
	assert.Nil(t, st.Position)

	s.Activate()
	for _, w := range tracker.active() {
		w.onError(watcher.ErrPermissionDenied)
	}
	assert.True(t, s.Status().PermissionErr)

	tracker.push(core.Position{Latitude: 5, Longitude: 6})
	st = s.Status()
	assert.True(t, st.Watching)
	assert.False(t, st.PermissionErr)
	require.NotNil(t, st.Position)
	assert.Equal(t, 6.0, st.Position.Longitude)
}

func TestLogAttrs(t *testing.T) {
	tracker := newFakeTracker()
	s := newTestSession(t, &fakeSyncer{}, tracker)
	s.Activate()

	attrs := s.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "markers", attrs[0].Key)
	assert.Equal(t, int64(0), attrs[0].Value.Int64())
	assert.False(t, attrs[1].Value.Bool())

	tracker.push(core.Position{Latitude: 1, Longitude: 1})
	assert.True(t, s.LogAttrs()[1].Value.Bool())
}

func TestFloorsDefault(t *testing.T) {
	s := newTestSession(t, &fakeSyncer{}, newFakeTracker())
	assert.Equal(t, core.DefaultFloors, s.Floors())
}

func TestSave_WithWatcher(t *testing.T) {
	feed := make(chan core.Position)
	src := watcher.SourceFunc(func(ctx context.Context, _ watcher.Options, emit func(core.Position), _ func(error)) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case p := <-feed:
				emit(p)
			}
		}
	})
	w := watcher.New(src, slog.New(slog.NewTextHandler(io.Discard, nil)))
	syncer := &fakeSyncer{}
	s, err := New(syncer, w, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	s.Activate()
	defer s.Close()
	feed <- core.Position{Latitude: 12.95, Longitude: 77.52}

	require.Eventually(t, func() bool {
		_, ok := s.CurrentPosition()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.Save(context.Background(), "A1", "0")
	require.NoError(t, err)
	assert.Equal(t, 1, syncer.saveCount())
}

func TestOnPositionErrorHook(t *testing.T) {
	tracker := newFakeTracker()
	var got []error
	s, err := New(&fakeSyncer{}, tracker, Options{
		OnPositionError: func(err error) { got = append(got, err) },
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	s.Activate()

	for _, w := range tracker.active() {
		w.onError(watcher.ErrPermissionDenied)
	}
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], watcher.ErrPermissionDenied)
}

// attrsHandler asks the session for its attributes on every record, as the application logger does.
type attrsHandler struct {
	slog.Handler
	session func() *Session
}

func (h attrsHandler) Handle(ctx context.Context, r slog.Record) error {
	if s := h.session(); s != nil {
		r.AddAttrs(s.LogAttrs()...)
	}
	return h.Handler.Handle(ctx, r)
}

func TestLoggingWithSessionAttrsDoesNotDeadlock(t *testing.T) {
	var sess *Session
	var mu sync.Mutex
	current := func() *Session {
		mu.Lock()
		defer mu.Unlock()
		return sess
	}
	logger := slog.New(attrsHandler{
		Handler: slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}),
		session: current,
	})

	src := watcher.SourceFunc(func(ctx context.Context, _ watcher.Options, emit func(core.Position), _ func(error)) error {
		emit(core.Position{Latitude: 1, Longitude: 2})
		<-ctx.Done()
		return nil
	})
	s, err := New(&fakeSyncer{}, watcher.New(src, logger), Options{Profiles: watcher.DefaultProfiles(), Logger: logger})
	require.NoError(t, err)
	mu.Lock()
	sess = s
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Activate()
		s.Resubscribe(false)
		s.Deactivate()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch lifecycle blocked while logging")
	}
}
