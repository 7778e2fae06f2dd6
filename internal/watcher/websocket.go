package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mallmap/geomeasure/pkg/core"
)

// WebSocketSource reads JSON positions pushed by a companion app over a WebSocket.
type WebSocketSource struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketSource creates a source that dials url for every watch.
func NewWebSocketSource(url string, header http.Header, logger *slog.Logger) *WebSocketSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSource{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Watch implements Source.
func (s *WebSocketSource) Watch(ctx context.Context, opts Options, emit func(core.Position), fail func(error)) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: websocket handshake returned %d", ErrPermissionDenied, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	defer stop()

	s.logger.Info("position stream connected", "url", s.url)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("read position stream: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		pos, ok, err := decodePositionMessage(payload, opts.HighAccuracy)
		if err != nil {
			fail(err)
			continue
		}
		if !ok {
			s.logger.Debug("websocket fix skipped")
			continue
		}
		emit(pos)
	}
}
