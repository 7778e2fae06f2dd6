package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/mallmap/geomeasure/internal/api"
	"github.com/mallmap/geomeasure/internal/dispatcher"
	"github.com/mallmap/geomeasure/internal/geo"
	"github.com/mallmap/geomeasure/internal/session"
	"github.com/mallmap/geomeasure/internal/watcher"
	"github.com/mallmap/geomeasure/pkg/core"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

const defaultNearest = 3

// Pinger checks that the server answers.
type Pinger interface {
	Healthcheck(ctx context.Context) error
	URL() string
}

// Flusher pushes buffered telemetry out.
type Flusher interface {
	Flush(ctx context.Context) error
}

// console is the interactive front end: it replaces the map screen and the marker form.
type console struct {
	ctx     context.Context
	sess    *session.Session
	pinger  Pinger
	flusher Flusher
	source  string
	paths   bool
	logger  *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// register wires every console command into d.
func (c *console) register(d *dispatcher.Dispatcher) {
	d.Register("add", c.add, dispatcher.Logged(),
		dispatcher.Usage("add <store> <floor>", "save a marker for a store at the current position"))
	d.Register("list", c.list, dispatcher.Alias("ls"),
		dispatcher.Usage("list", "show all markers"))
	d.Register("where", c.where,
		dispatcher.Usage("where", "show the current position"))
	d.Register("nearest", c.nearest,
		dispatcher.Usage("nearest [n] [lat,lon]", "show the markers closest to a position"))
	d.Register("floors", c.floors,
		dispatcher.Usage("floors", "show the floor codes"))
	d.Register("refresh", c.refresh, dispatcher.Buffered(1), dispatcher.Logged(),
		dispatcher.Usage("refresh", "fetch markers from the server again"))
	d.Register("export", c.export, dispatcher.Logged(),
		dispatcher.Usage("export [file]", "write markers as GeoJSON"))
	d.Register("profile", c.profile, dispatcher.Logged(),
		dispatcher.Usage("profile precise|default", "restart the position watch with another profile"))
	d.Register("watch", c.watch, dispatcher.Logged(),
		dispatcher.Usage("watch", "start the position watch again after the source stopped"))
	d.Register("status", c.status,
		dispatcher.Usage("status", "show session state"))
	d.Register("ping", c.ping,
		dispatcher.Usage("ping", "check that the server answers"))
	d.Register("help", func(dispatcher.Event) (any, error) {
		c.help(d.Commands())
		return nil, nil
	}, dispatcher.Alias("?"), dispatcher.Usage("help", "show this help"))
	d.Register("quit", func(dispatcher.Event) (any, error) {
		return nil, errQuit
	}, dispatcher.Alias("exit", "q"), dispatcher.Usage("quit", "leave"))
}

// run reads commands from in until quit, EOF or ctx is done.
func (c *console) run(ctx context.Context, d *dispatcher.Dispatcher, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("> ")
	for {
		select {
		case <-ctx.Done():
			c.printf("\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if e, ok := dispatcher.ParseLine(line, time.Now()); ok {
				_, err := d.Dispatch(e)
				if errors.Is(err, errQuit) {
					return nil
				}
				if msg := c.describe(err); msg != "" {
					c.printf("%s\n", msg)
				}
			}
			c.printf("> ")
		}
	}
}

// describe turns a command error into the notice shown to the operator.
func (c *console) describe(err error) string {
	if err == nil {
		return ""
	}
	var saveErr *session.SaveError
	var retrievalErr *api.RetrievalError
	var transportErr *api.TransportError
	switch {
	case errors.Is(err, session.ErrNoCurrentPosition):
		// logged by the session
		return ""
	case errors.Is(err, session.ErrUnknownFloor):
		return fmt.Sprintf("%v. Floors: %s", err, floorCodes(c.sess.Floors()))
	case errors.Is(err, dispatcher.ErrUnknownCommand):
		return fmt.Sprintf("%v (type help)", err)
	case errors.As(err, &saveErr):
		return fmt.Sprintf("Could not save marker: %v", saveErr.Err)
	case errors.As(err, &retrievalErr):
		return fmt.Sprintf("Failed to retrieve details: %s", retrievalErr.Message)
	case errors.As(err, &transportErr):
		return fmt.Sprintf("Server unavailable: %v", transportErr)
	}
	return err.Error()
}

// onPositionError is the session hook for position errors.
func (c *console) onPositionError(err error) {
	switch {
	case errors.Is(err, watcher.ErrPermissionDenied):
		c.printf("\nLocation access denied. Allow access to the %s position source, then run `watch` to retry.\n", c.source)
	case errors.Is(err, watcher.ErrSourceEnded):
		c.printf("\nThe %s position source stopped. Run `watch` to start it again.\n", c.source)
	}
}

func (c *console) add(e dispatcher.Event) (any, error) {
	if len(e.Args) == 0 {
		return nil, errors.New("usage: add <store> <floor>")
	}
	floor := core.FloorLevel(e.Args[len(e.Args)-1])
	store := strings.Join(e.Args[:len(e.Args)-1], " ")

	m, err := c.sess.Save(c.ctx, store, floor)
	if err != nil {
		return nil, err
	}

	label := string(m.FloorLevel)
	if f, ok := core.LookupFloor(c.sess.Floors(), m.FloorLevel); ok {
		label = f.Label
	}
	c.printf("Saved marker %d: store %q on %s at %s\n", m.ID, m.StoreNumber, label, m.Position())
	c.flush()
	return m, nil
}

func (c *console) flush() {
	if c.flusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.flusher.Flush(ctx); err != nil {
		c.logger.Warn("Failed to flush OTel data", "error", err)
	}
}

func (c *console) list(dispatcher.Event) (any, error) {
	if !c.sess.Loaded() {
		c.printf("Markers are still loading. Use refresh to retry.\n")
	}
	markers := c.sess.Markers()
	c.mu.Lock()
	defer c.mu.Unlock()
	writeMarkerTable(c.out, markers)
	return len(markers), nil
}

// writeMarkerTable prints markers as an aligned table.
func writeMarkerTable(out io.Writer, markers []core.Marker) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTORE\tFLOOR\tLATITUDE\tLONGITUDE\tALTITUDE")
	for _, m := range markers {
		alt := "-"
		if m.Altitude != nil {
			alt = strconv.FormatFloat(*m.Altitude, 'f', 1, 64)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.6f\t%.6f\t%s\n",
			m.ID, m.StoreNumber, m.FloorLevel, m.Latitude, m.Longitude, alt)
	}
	tw.Flush()
}

func (c *console) where(dispatcher.Event) (any, error) {
	pos, ok := c.sess.CurrentPosition()
	if !ok {
		if c.sess.Status().PermissionErr {
			c.printf("Location access denied for the %s position source.\n", c.source)
		} else {
			c.printf("Waiting for a position fix.\n")
		}
		return nil, nil
	}
	x, y := geo.Project3857(pos.Longitude, pos.Latitude)
	c.printf("%s (EPSG:3857 %.1f, %.1f) at %s\n", pos, x, y, pos.Timestamp.Format(time.TimeOnly))
	return pos, nil
}

func (c *console) nearest(e dispatcher.Event) (any, error) {
	n := defaultNearest
	var pos core.Position
	havePos := false

	for _, arg := range e.Args {
		if strings.Contains(arg, ",") {
			p, err := geo.PositionFromString(arg)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", err, arg)
			}
			pos, havePos = p, true
			continue
		}
		v, err := strconv.Atoi(arg)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("usage: nearest [n] [lat,lon]")
		}
		n = v
	}
	if !havePos {
		pos, havePos = c.sess.CurrentPosition()
		if !havePos {
			c.printf("Waiting for a position fix.\n")
			return nil, nil
		}
	}

	neighbors := geo.Nearest(c.sess.Markers(), pos, n)
	if len(neighbors) == 0 {
		c.printf("No markers yet.\n")
		return neighbors, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DISTANCE\tID\tSTORE\tFLOOR")
	for _, nb := range neighbors {
		fmt.Fprintf(tw, "%.1fm\t%d\t%s\t%s\n", nb.Meters, nb.Marker.ID, nb.Marker.StoreNumber, nb.Marker.FloorLevel)
	}
	tw.Flush()
	return neighbors, nil
}

func (c *console) floors(dispatcher.Event) (any, error) {
	for _, f := range c.sess.Floors() {
		c.printf("%4s  %s\n", f.Code, f.Label)
	}
	return nil, nil
}

func (c *console) refresh(dispatcher.Event) (any, error) {
	if err := c.sess.Load(c.ctx); err != nil {
		c.printf("\n%s\n", c.describe(err))
		return nil, err
	}
	c.printf("\nLoaded %d markers.\n", len(c.sess.Markers()))
	return nil, nil
}

func (c *console) export(e dispatcher.Event) (any, error) {
	markers := c.sess.Markers()
	opts := geo.ExportOptions{Floors: c.sess.Floors(), Paths: c.paths}

	if len(e.Args) == 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(markers), geo.WriteGeoJSON(c.out, markers, opts)
	}

	path := e.Args[0]
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := geo.WriteGeoJSON(f, markers, opts); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	c.printf("Wrote %d markers to %s\n", len(markers), path)
	return len(markers), nil
}

func (c *console) profile(e dispatcher.Event) (any, error) {
	if len(e.Args) != 1 {
		return nil, errors.New("usage: profile precise|default")
	}
	switch e.Args[0] {
	case "precise":
		c.sess.Resubscribe(true)
	case "default":
		c.sess.Resubscribe(false)
	default:
		return nil, fmt.Errorf("unknown profile %q", e.Args[0])
	}
	c.printf("Watching position with the %s profile.\n", e.Args[0])
	return nil, nil
}

func (c *console) watch(dispatcher.Event) (any, error) {
	if c.sess.Status().Watching {
		c.printf("Already watching the %s position source.\n", c.source)
		return nil, nil
	}
	c.sess.Activate()
	c.printf("Watching position again.\n")
	return nil, nil
}

func (c *console) status(dispatcher.Event) (any, error) {
	st := c.sess.Status()

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "loaded:   %t\n", st.Loaded)
	fmt.Fprintf(c.out, "markers:  %d\n", st.Markers)
	fmt.Fprintf(c.out, "source:   %s\n", c.source)
	fmt.Fprintf(c.out, "watching: %t (precise: %t)\n", st.Watching, st.Precise)
	if st.Position != nil {
		fmt.Fprintf(c.out, "position: %s\n", st.Position)
	} else {
		fmt.Fprintf(c.out, "position: none\n")
	}
	if st.LastError != nil {
		fmt.Fprintf(c.out, "last position error: %v\n", st.LastError)
	}
	return st, nil
}

func (c *console) ping(dispatcher.Event) (any, error) {
	start := time.Now()
	if err := c.pinger.Healthcheck(c.ctx); err != nil {
		return nil, err
	}
	c.printf("%s answered in %s\n", c.pinger.URL(), time.Since(start).Round(time.Millisecond))
	return nil, nil
}

func (c *console) help(cmds []dispatcher.CommandInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, ci := range cmds {
		fmt.Fprintf(tw, "%s\t%s\n", ci.Syntax, ci.Summary)
	}
	tw.Flush()
}

func floorCodes(floors []core.Floor) string {
	codes := make([]string, len(floors))
	for i, f := range floors {
		codes[i] = fmt.Sprintf("%s (%s)", f.Code, f.Label)
	}
	return strings.Join(codes, ", ")
}
