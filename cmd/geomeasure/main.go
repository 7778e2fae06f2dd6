package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mallmap/geomeasure/internal/api"
	"github.com/mallmap/geomeasure/internal/config"
	"github.com/mallmap/geomeasure/internal/dispatcher"
	"github.com/mallmap/geomeasure/internal/geo"
	"github.com/mallmap/geomeasure/internal/influx"
	"github.com/mallmap/geomeasure/internal/logging"
	"github.com/mallmap/geomeasure/internal/monitor"
	intOtel "github.com/mallmap/geomeasure/internal/otel"
	"github.com/mallmap/geomeasure/internal/session"
	"github.com/mallmap/geomeasure/internal/watcher"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.1.0"
	BuildDate      string = "unknown"

	AppName string = "geomeasure"

	SessionStartTime time.Time = time.Now()
)

const usage = `Usage: geomeasure [flags] [command]

Commands:
  run            watch the position and save markers interactively (default)
  list           print all markers on the server
  export [file]  write all markers as GeoJSON
  ping           check that the server answers
  version        print the version

Flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runApp(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

// app holds the process-wide services of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	slogManager *logging.SlogManager
	logger      *slog.Logger
	zlog        zerolog.Logger
	otel        *intOtel.Provider
	logFile     *os.File
	graylog     io.WriteCloser
	metrics     *influx.Manager
	client      *api.Client

	// current feeds session attributes to every log record
	current atomic.Pointer[session.Session]
}

func runApp(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet(AppName, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	configDir := fs.String("config-dir", ".", "directory holding "+config.FileName+` ("" for defaults only)`)
	fs.String("server", "", "mall API base URL")
	fs.String("source", "", "position source: nmea, mqtt or websocket")
	fs.String("platform", "", "platform name, android selects the default watch profile")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("logs-dir", "", "directory for log files")
	paths := fs.Bool("paths", false, "include per-floor survey paths in GeoJSON exports")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	command := "run"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}
	if command == "version" {
		fmt.Fprintf(stdout, "%s %s (built %s)\n", AppName, CurrentVersion, BuildDate)
		return nil
	}

	if err := loadConfig(fs, *configDir); err != nil {
		return err
	}

	a := &app{
		stdout:      stdout,
		stderr:      stderr,
		slogManager: logging.NewSlogManager(),
	}
	// the interactive console owns stdout and stderr unless console.logs is set
	consoleLogs := command != "run" || config.GetBool("console.logs")
	if err := a.setupLogging(consoleLogs); err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("Starting", "app", AppName, "version", CurrentVersion, "buildDate", BuildDate, "command", command)

	apiCfg := config.GetAPIConfig()
	a.client = api.New(apiCfg.ServerURL, api.Options{
		Timeout:    apiCfg.Timeout,
		UserAgent:  apiCfg.UserAgent,
		StrictSave: apiCfg.StrictSave,
		Logger:     a.logger,
	})

	switch command {
	case "run":
		return a.run(ctx, stdin, *paths)
	case "list":
		return a.list(ctx)
	case "export":
		return a.export(ctx, fs.Arg(1), *paths)
	case "ping":
		return a.ping(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// loadConfig reads the config file and applies command line overrides on top.
func loadConfig(fs *pflag.FlagSet, dir string) error {
	viper.Reset()
	if dir == "" {
		config.SetDefaults()
	} else if err := config.Load(dir); err != nil {
		return err
	}

	bindings := map[string]string{
		"server":    "api.serverUrl",
		"source":    "source.type",
		"platform":  "watcher.platform",
		"log-level": "logLevel",
		"logs-dir":  "logsDir",
	}
	for flag, key := range bindings {
		if !fs.Changed(flag) {
			continue
		}
		if err := viper.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}

func (a *app) setupLogging(consoleLogs bool) error {
	var err error
	a.logFile, err = logging.OpenLogFile(config.GetString("logsDir"), AppName, SessionStartTime)
	if err != nil {
		return err
	}

	otelCfg := config.GetOTelConfig()
	a.otel, err = intOtel.New(intOtel.Config{
		Enabled:        otelCfg.Enabled,
		ServiceName:    otelCfg.ServiceName,
		ServiceVersion: CurrentVersion,
		BatchTimeout:   otelCfg.BatchTimeout,
		MetricInterval: otelCfg.MetricInterval,
		LogWriter:      a.logFile,
		Endpoint:       otelCfg.Endpoint,
		Insecure:       otelCfg.Insecure,
	})
	otelErr := err
	if err != nil {
		a.otel, _ = intOtel.New(intOtel.Config{})
	}

	var graylogErr error
	if gl := config.GetGraylogConfig(); gl.Enabled {
		a.graylog, graylogErr = logging.NewGraylogWriter(gl.Address, AppName)
	}

	level := config.GetString("logLevel")
	opts := logging.Options{
		Level:    level,
		File:     a.logFile,
		Provider: a.otel.LoggerProvider(),
		Session:  a.sessionAttrs,
	}
	if a.graylog != nil {
		opts.Graylog = a.graylog
	}
	if consoleLogs {
		opts.Console = a.stderr
		opts.Color = config.GetBool("console.color")
	}
	a.slogManager.Setup(opts)
	a.logger = a.slogManager.Logger()
	a.zlog = logging.NewZerolog(a.logFile, level, true)

	a.logger.Info("Logging to file", "path", a.logFile.Name())
	if otelErr != nil {
		a.logger.Error("Failed to initialize OTel provider", "error", otelErr)
	} else if a.otel.Enabled() {
		a.logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
	}
	if graylogErr != nil {
		a.logger.Error("Failed to connect graylog", "error", graylogErr)
	}
	return nil
}

func (a *app) sessionAttrs() []slog.Attr {
	if s := a.current.Load(); s != nil {
		return s.LogAttrs()
	}
	return nil
}

// connectMetrics returns the sync recorder, or nil when InfluxDB is disabled or failed.
func (a *app) connectMetrics(ctx context.Context) session.Recorder {
	ic := config.GetInfluxConfig()
	if !ic.Enabled {
		return nil
	}
	a.metrics = influx.NewManager(influx.Config{
		Enabled:    ic.Enabled,
		URL:        ic.URL(),
		Token:      ic.Token,
		Org:        ic.Org,
		Bucket:     ic.Bucket,
		BackupPath: ic.BackupPath,
	}, a.zlog)
	if err := a.metrics.Connect(ctx); err != nil {
		a.logger.Error("Failed to set up InfluxDB", "error", err)
		a.metrics = nil
		return nil
	}
	return a.metrics
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.metrics != nil {
		if err := a.metrics.Close(); err != nil {
			a.logger.Error("Failed to close InfluxDB", "error", err)
		}
	}
	a.logger.Info("Shutting down")
	if err := a.otel.Shutdown(ctx); err != nil {
		fmt.Fprintf(a.stderr, "otel shutdown: %v\n", err)
	}
	if a.graylog != nil {
		a.graylog.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func (a *app) run(ctx context.Context, stdin io.Reader, paths bool) error {
	floors, err := config.GetFloors()
	if err != nil {
		return err
	}
	srcCfg := config.GetSourceConfig()
	source, err := newSource(srcCfg, a.logger)
	if err != nil {
		return err
	}
	watchCfg := config.GetWatcherConfig()

	d, err := dispatcher.New(logging.NewCommandLogger(a.zlog))
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	defer d.Close()

	con := &console{
		ctx:     ctx,
		pinger:  a.client,
		flusher: a.otel,
		source:  srcCfg.Type,
		paths:   paths,
		logger:  a.logger,
		out:     a.stdout,
	}

	w := watcher.New(source, a.logger)
	sess, err := session.New(a.client, w, session.Options{
		Floors:          floors,
		Profiles:        watchCfg.Profiles,
		Precise:         watchCfg.Precise(),
		Recorder:        a.connectMetrics(ctx),
		OnPositionError: con.onPositionError,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	a.current.Store(sess)
	con.sess = sess
	con.register(d)

	// position callbacks print through con from here on
	con.printf("%s %s - server %s, %s position source\n", AppName, CurrentVersion, a.client.URL(), srcCfg.Type)
	if err := sess.Load(ctx); err != nil {
		con.printf("%s\n", con.describe(err))
	} else {
		con.printf("Loaded %d markers.\n", len(sess.Markers()))
	}
	sess.Activate()

	if mc := config.GetMonitorConfig(); mc.StatusFile != "" {
		mon := monitor.NewService(monitor.Dependencies{
			Source:   sess,
			Path:     mc.StatusFile,
			Interval: mc.Interval,
			Logger:   a.logger,
		})
		if err := mon.Start(); err != nil {
			a.logger.Error("Failed to start status monitor", "error", err)
		} else {
			defer mon.Stop()
		}
	}
	con.printf("Type help for commands.\n")

	return con.run(ctx, d, stdin)
}

func (a *app) list(ctx context.Context) error {
	markers, err := a.client.FetchAll(ctx)
	if err != nil {
		return err
	}
	writeMarkerTable(a.stdout, markers)
	return nil
}

func (a *app) export(ctx context.Context, path string, paths bool) error {
	floors, err := config.GetFloors()
	if err != nil {
		return err
	}
	markers, err := a.client.FetchAll(ctx)
	if err != nil {
		return err
	}
	opts := geo.ExportOptions{Floors: floors, Paths: paths}
	if path == "" {
		return geo.WriteGeoJSON(a.stdout, markers, opts)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := geo.WriteGeoJSON(f, markers, opts); err != nil {
		f.Close()
		return err
	}
	a.logger.Info("Exported markers", "path", path, "markers", len(markers))
	return f.Close()
}

func (a *app) ping(ctx context.Context) error {
	start := time.Now()
	if err := a.client.Healthcheck(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s answered in %s\n", a.client.URL(), time.Since(start).Round(time.Millisecond))
	return nil
}
