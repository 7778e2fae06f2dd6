package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mallmap/geomeasure/internal/config"
	"github.com/mallmap/geomeasure/internal/watcher"
)

// newSource builds the position source selected by cfg.Type.
func newSource(cfg config.SourceConfig, logger *slog.Logger) (watcher.Source, error) {
	switch cfg.Type {
	case "nmea":
		if cfg.NMEA.Path == "" {
			return nil, fmt.Errorf("source.nmea.path is empty")
		}
		return watcher.NewNMEAFileSource(cfg.NMEA.Path, cfg.NMEA.Pace, logger), nil
	case "mqtt":
		if cfg.MQTT.Broker == "" || cfg.MQTT.Topic == "" {
			return nil, fmt.Errorf("source.mqtt needs broker and topic")
		}
		return watcher.NewMQTTSource(cfg.MQTT, logger), nil
	case "websocket":
		if cfg.WebSocket.URL == "" {
			return nil, fmt.Errorf("source.websocket.url is empty")
		}
		var header http.Header
		if cfg.WebSocket.Token != "" {
			header = http.Header{}
			header.Set("Authorization", "Bearer "+cfg.WebSocket.Token)
		}
		return watcher.NewWebSocketSource(cfg.WebSocket.URL, header, logger), nil
	default:
		return nil, fmt.Errorf("unknown position source %q (want nmea, mqtt or websocket)", cfg.Type)
	}
}
