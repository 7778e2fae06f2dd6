package watcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallmap/geomeasure/pkg/core"
)

const (
	ggaGood    = "$GPGGA,123519,1257.0000,N,07731.2000,E,1,08,0.9,910.5,M,46.9,M,,*49"
	ggaPoor    = "$GPGGA,123520,1257.0000,N,07731.2000,E,1,08,7.5,910.5,M,46.9,M,,*48"
	ggaNoFix   = "$GPGGA,123521,1257.0000,N,07731.2000,E,0,00,,,M,,M,,*5A"
	rmcValid   = "$GPRMC,123519,A,1257.0000,N,07731.2000,E,0.0,0.0,191026,,*1C"
	rmcVoid    = "$GPRMC,123519,V,1257.0000,N,07731.2000,E,0.0,0.0,191026,,*0B"
	gsvIgnored = "$GPGSV,1,1,01,01,40,083,46*44"
)

func TestDecodePositionMessage(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		highAccuracy bool
		wantOK       bool
		wantErr      bool
	}{
		{name: "full message", payload: `{"latitude":12.95,"longitude":77.52,"altitude":10}`, wantOK: true},
		{name: "no altitude", payload: `{"latitude":12.95,"longitude":77.52}`, wantOK: true},
		{name: "missing longitude", payload: `{"latitude":12.95}`, wantErr: true},
		{name: "out of range", payload: `{"latitude":95,"longitude":77.52}`, wantErr: true},
		{name: "not json", payload: `lat=12`, wantErr: true},
		{name: "poor accuracy ignored by default", payload: `{"latitude":1,"longitude":2,"accuracy":80}`, wantOK: true},
		{name: "poor accuracy skipped when precise", payload: `{"latitude":1,"longitude":2,"accuracy":80}`, highAccuracy: true},
		{name: "good accuracy when precise", payload: `{"latitude":1,"longitude":2,"accuracy":5}`, highAccuracy: true, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := decodePositionMessage([]byte(tt.payload), tt.highAccuracy)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestDecodePositionMessage_Altitude(t *testing.T) {
	pos, ok, err := decodePositionMessage([]byte(`{"latitude":12.95,"longitude":77.52,"altitude":10}`), false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, pos.Altitude)
	assert.Equal(t, 10.0, *pos.Altitude)

	pos, _, err = decodePositionMessage([]byte(`{"latitude":12.95,"longitude":77.52}`), false)
	require.NoError(t, err)
	assert.False(t, pos.HasAltitude())
}

func TestParseNMEA(t *testing.T) {
	pos, ok, err := parseNMEA(ggaGood, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 12.95, pos.Latitude, 1e-9)
	assert.InDelta(t, 77.52, pos.Longitude, 1e-9)
	require.NotNil(t, pos.Altitude)
	assert.InDelta(t, 910.5, *pos.Altitude, 1e-9)

	_, ok, err = parseNMEA(ggaPoor, true)
	require.NoError(t, err)
	assert.False(t, ok, "hdop above limit in precise mode")

	_, ok, err = parseNMEA(ggaPoor, false)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = parseNMEA(ggaNoFix, false)
	require.NoError(t, err)
	assert.False(t, ok)

	pos, ok, err = parseNMEA(rmcValid, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 12.95, pos.Latitude, 1e-9)
	assert.Nil(t, pos.Altitude)

	_, ok, err = parseNMEA(rmcValid, true)
	require.NoError(t, err)
	assert.False(t, ok, "rmc has no quality data")

	_, ok, err = parseNMEA(rmcVoid, false)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = parseNMEA(strings.Replace(ggaGood, "*49", "*00", 1), false)
	assert.Error(t, err)
}

func TestPositionSentence(t *testing.T) {
	assert.True(t, positionSentence(ggaGood))
	assert.True(t, positionSentence(rmcValid))
	assert.True(t, positionSentence("$GNGGA,"))
	assert.False(t, positionSentence(gsvIgnored))
	assert.False(t, positionSentence("GPGGA,no dollar"))
	assert.False(t, positionSentence(""))
}

func TestNMEASource_ReplaysLog(t *testing.T) {
	log := strings.Join([]string{
		gsvIgnored,
		ggaGood,
		strings.Replace(ggaGood, "*49", "*00", 1),
		ggaNoFix,
		rmcValid,
	}, "\r\n")
	src := &NMEASource{
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(log)), nil
		},
		Logger: quietLogger(),
	}

	var got []core.Position
	var failures []error
	err := src.Watch(context.Background(), Options{},
		func(p core.Position) { got = append(got, p) },
		func(err error) { failures = append(failures, err) },
	)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, failures, 1)
}

func TestNMEASource_PermissionDenied(t *testing.T) {
	src := &NMEASource{
		Open: func() (io.ReadCloser, error) {
			return nil, &os.PathError{Op: "open", Path: "/dev/ttyUSB0", Err: os.ErrPermission}
		},
	}
	err := src.Watch(context.Background(), Options{}, func(core.Position) {}, func(error) {})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestNMEAFileSource_Missing(t *testing.T) {
	src := NewNMEAFileSource(filepath.Join(t.TempDir(), "missing.nmea"), 0, quietLogger())
	err := src.Watch(context.Background(), Options{}, func(core.Position) {}, func(error) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
}

func TestNMEAFileSource_StopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.nmea")
	require.NoError(t, os.WriteFile(path, []byte(ggaGood+"\n"+ggaGood+"\n"+ggaGood+"\n"), 0o644))
	src := NewNMEAFileSource(path, time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan core.Position, 3)
	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, Options{}, func(p core.Position) { got <- p }, func(error) {})
	}()

	receive(t, got)
	cancel()
	assert.NoError(t, receive(t, done))
	assert.Len(t, got, 0)
}

func TestWebSocketSource(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"latitude":12.95,"longitude":77.52,"altitude":3}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"latitude":12.96,"longitude":77.53}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ReadMessage()
	}))
	defer srv.Close()

	src := NewWebSocketSource("ws"+strings.TrimPrefix(srv.URL, "http"), nil, quietLogger())

	var got []core.Position
	var failures []error
	err := src.Watch(context.Background(), Options{},
		func(p core.Position) { got = append(got, p) },
		func(err error) { failures = append(failures, err) },
	)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 12.95, got[0].Latitude)
	assert.Equal(t, 12.96, got[1].Latitude)
	assert.Len(t, failures, 1)
}

func TestWebSocketSource_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src := NewWebSocketSource("ws"+strings.TrimPrefix(srv.URL, "http"), nil, quietLogger())
	err := src.Watch(context.Background(), Options{}, func(core.Position) {}, func(error) {})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestWatcher_WithNMEASource(t *testing.T) {
	src := &NMEASource{
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(ggaGood + "\n")), nil
		},
		Logger: quietLogger(),
	}
	w := New(src, quietLogger())

	got := make(chan core.Position, 1)
	h := w.Start(func(p core.Position) { got <- p }, nil, DefaultProfiles().Precise)
	defer w.Stop(h)

	pos := receive(t, got)
	assert.InDelta(t, 12.95, pos.Latitude, 1e-9)
	assert.False(t, pos.Timestamp.IsZero())
}
