package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/mallmap/geomeasure/internal/watcher"
	"github.com/mallmap/geomeasure/pkg/core"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "geomeasure.cfg.json"

// APIConfig holds the remote geo-measure server settings
type APIConfig struct {
	ServerURL  string        `json:"serverUrl" mapstructure:"serverUrl"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	UserAgent  string        `json:"userAgent" mapstructure:"userAgent"`
	StrictSave bool          `json:"strictSave" mapstructure:"strictSave"`
}

// WatcherConfig holds the position watch profiles and the device platform
type WatcherConfig struct {
	Platform string           `json:"platform" mapstructure:"platform"`
	Profiles watcher.Profiles `json:"profiles" mapstructure:"profiles"`
}

// Precise reports whether the platform supports the precise watch profile.
// Only android devices fall back to device defaults.
func (c WatcherConfig) Precise() bool {
	return c.Platform != "android"
}

// NMEAConfig holds the NMEA source settings
type NMEAConfig struct {
	Path string        `json:"path" mapstructure:"path"`
	Pace time.Duration `json:"pace" mapstructure:"pace"`
}

// WebSocketConfig holds the WebSocket source settings
type WebSocketConfig struct {
	URL   string `json:"url" mapstructure:"url"`
	Token string `json:"token" mapstructure:"token"`
}

// SourceConfig selects and configures the position source
type SourceConfig struct {
	Type      string             `json:"type" mapstructure:"type"`
	NMEA      NMEAConfig         `json:"nmea" mapstructure:"nmea"`
	MQTT      watcher.MQTTConfig `json:"mqtt" mapstructure:"mqtt"`
	WebSocket WebSocketConfig    `json:"websocket" mapstructure:"websocket"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	// MetricInterval is the export period of counters to the log file.
	MetricInterval time.Duration `json:"metricInterval" mapstructure:"metricInterval"`
	Endpoint       string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure       bool          `json:"insecure" mapstructure:"insecure"`
}

// InfluxConfig holds the InfluxDB metrics sink settings
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
	// BackupPath receives gzip line protocol while InfluxDB is unreachable.
	BackupPath string `json:"backupPath" mapstructure:"backupPath"`
}

// URL returns the server URL of the InfluxDB instance.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// GraylogConfig holds the GELF output settings
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// MonitorConfig holds the status file settings. An empty StatusFile disables the monitor.
type MonitorConfig struct {
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
}

// SetDefaults registers default values for every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")
	viper.SetDefault("console.color", true)
	viper.SetDefault("console.logs", false)

	viper.SetDefault("api.serverUrl", "http://localhost:5000")
	viper.SetDefault("api.timeout", "30s")
	viper.SetDefault("api.userAgent", "geomeasure")
	viper.SetDefault("api.strictSave", false)

	profiles := watcher.DefaultProfiles()
	viper.SetDefault("watcher.platform", "ios")
	viper.SetDefault("watcher.profiles.precise.highAccuracy", profiles.Precise.HighAccuracy)
	viper.SetDefault("watcher.profiles.precise.timeoutMs", profiles.Precise.TimeoutMs)
	viper.SetDefault("watcher.profiles.precise.maxAgeMs", profiles.Precise.MaxAgeMs)
	viper.SetDefault("watcher.profiles.default.highAccuracy", profiles.Default.HighAccuracy)
	viper.SetDefault("watcher.profiles.default.timeoutMs", profiles.Default.TimeoutMs)
	viper.SetDefault("watcher.profiles.default.maxAgeMs", profiles.Default.MaxAgeMs)

	viper.SetDefault("source.type", "nmea")
	viper.SetDefault("source.nmea.path", "/dev/ttyUSB0")
	viper.SetDefault("source.nmea.pace", "0s")
	viper.SetDefault("source.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("source.mqtt.topic", "geomeasure/position")
	viper.SetDefault("source.mqtt.clientId", "geomeasure")
	viper.SetDefault("source.websocket.url", "ws://localhost:8080/position")

	viper.SetDefault("floors", core.DefaultFloors)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "geomeasure")
	viper.SetDefault("influx.bucket", "geo_measure")
	viper.SetDefault("influx.backupPath", "")

	viper.SetDefault("monitor.statusFile", "")
	viper.SetDefault("monitor.interval", "1s")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "geomeasure")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.metricInterval", "30s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetAPIConfig returns the remote server configuration.
func GetAPIConfig() APIConfig {
	return APIConfig{
		ServerURL:  viper.GetString("api.serverUrl"),
		Timeout:    viper.GetDuration("api.timeout"),
		UserAgent:  viper.GetString("api.userAgent"),
		StrictSave: viper.GetBool("api.strictSave"),
	}
}

// GetWatcherConfig returns the watch profiles and platform.
func GetWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Platform: viper.GetString("watcher.platform"),
		Profiles: watcher.Profiles{
			Precise: watcherOptions("watcher.profiles.precise"),
			Default: watcherOptions("watcher.profiles.default"),
		},
	}
}

func watcherOptions(prefix string) watcher.Options {
	return watcher.Options{
		HighAccuracy: viper.GetBool(prefix + ".highAccuracy"),
		TimeoutMs:    viper.GetInt(prefix + ".timeoutMs"),
		MaxAgeMs:     viper.GetInt(prefix + ".maxAgeMs"),
	}
}

// GetSourceConfig returns the position source configuration.
func GetSourceConfig() SourceConfig {
	return SourceConfig{
		Type: viper.GetString("source.type"),
		NMEA: NMEAConfig{
			Path: viper.GetString("source.nmea.path"),
			Pace: viper.GetDuration("source.nmea.pace"),
		},
		MQTT: watcher.MQTTConfig{
			Broker:   viper.GetString("source.mqtt.broker"),
			Topic:    viper.GetString("source.mqtt.topic"),
			ClientID: viper.GetString("source.mqtt.clientId"),
			Username: viper.GetString("source.mqtt.username"),
			Password: viper.GetString("source.mqtt.password"),
		},
		WebSocket: WebSocketConfig{
			URL:   viper.GetString("source.websocket.url"),
			Token: viper.GetString("source.websocket.token"),
		},
	}
}

// GetFloors returns the configured floors, or the default selector when none are set.
func GetFloors() ([]core.Floor, error) {
	var floors []core.Floor
	if err := viper.UnmarshalKey("floors", &floors); err != nil {
		return nil, fmt.Errorf("error reading floors: %w", err)
	}
	if len(floors) == 0 {
		return core.DefaultFloors, nil
	}
	seen := make(map[core.FloorLevel]bool, len(floors))
	for _, f := range floors {
		if f.Code == "" {
			return nil, fmt.Errorf("floor %q has no code", f.Label)
		}
		if seen[f.Code] {
			return nil, fmt.Errorf("duplicate floor code %q", f.Code)
		}
		seen[f.Code] = true
	}
	return floors, nil
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),

		MetricInterval: viper.GetDuration("otel.metricInterval"),
		Endpoint:       viper.GetString("otel.endpoint"),
		Insecure:       viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns the InfluxDB configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),

		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetGraylogConfig returns the GELF output configuration.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetMonitorConfig returns the status file configuration.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StatusFile: viper.GetString("monitor.statusFile"),
		Interval:   viper.GetDuration("monitor.interval"),
	}
}
