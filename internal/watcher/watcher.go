// Package watcher turns a device position stream into callbacks with explicit start/stop handles.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mallmap/geomeasure/pkg/core"
)

// Handle identifies one active watch.
type Handle uint64

// Callback receives every position emitted by the device layer.
type Callback func(core.Position)

// ErrorCallback receives position errors. Only an error matching ErrSourceEnded means the
// watch is over; every other error leaves it running.
type ErrorCallback func(error)

// Watcher runs watches against a single Source and caches the last fix it saw.
type Watcher struct {
	source Source
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	next   Handle
	active map[Handle]*subscription
	last   *core.Position
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Watcher reading from source.
func New(source Source, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source: source,
		logger: logger,
		now:    time.Now,
		active: make(map[Handle]*subscription),
	}
}

// Start begins a watch. onPosition is called from a watcher goroutine for every position,
// one call at a time. onError may be nil; errors are always logged.
func (w *Watcher) Start(onPosition Callback, onError ErrorCallback, opts Options) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	w.next++
	h := w.next
	w.active[h] = sub
	cached := w.cachedWithin(opts.MaxAge())
	w.mu.Unlock()

	w.logger.Debug("watch started",
		"handle", h,
		"high_accuracy", opts.HighAccuracy,
		"timeout", opts.Timeout(),
		"max_age", opts.MaxAge(),
	)

	go w.run(ctx, h, sub, onPosition, onError, opts, cached)
	return h
}

// Stop ends a watch and waits until its source has returned. Unknown handles are ignored.
func (w *Watcher) Stop(h Handle) {
	w.mu.Lock()
	sub, ok := w.active[h]
	delete(w.active, h)
	w.mu.Unlock()

	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
	w.logger.Debug("watch stopped", "handle", h)
}

// Active returns the number of running watches.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// cachedWithin returns the cached fix if it is younger than maxAge. Callers hold w.mu.
func (w *Watcher) cachedWithin(maxAge time.Duration) *core.Position {
	if maxAge <= 0 || w.last == nil {
		return nil
	}
	if w.now().Sub(w.last.Timestamp) > maxAge {
		return nil
	}
	p := *w.last
	return &p
}

// release forgets a watch whose source returned on its own.
func (w *Watcher) release(h Handle, sub *subscription) {
	w.mu.Lock()
	if w.active[h] == sub {
		delete(w.active, h)
	}
	w.mu.Unlock()
	sub.cancel()
}

func (w *Watcher) run(
	ctx context.Context,
	h Handle,
	sub *subscription,
	onPosition Callback,
	onError ErrorCallback,
	opts Options,
	cached *core.Position,
) {
	defer close(sub.done)

	positions := make(chan core.Position)
	failures := make(chan error)
	sourceDone := make(chan error, 1)

	emit := func(p core.Position) {
		select {
		case positions <- p:
		case <-ctx.Done():
		}
	}
	fail := func(err error) {
		select {
		case failures <- err:
		case <-ctx.Done():
		}
	}

	go func() {
		sourceDone <- w.source.Watch(ctx, opts, emit, fail)
	}()

	report := func(err error) {
		w.logger.Warn("position error", "handle", h, "error", err)
		if onError != nil {
			onError(err)
		}
	}

	var timeoutC <-chan time.Time
	var timer *time.Timer
	if t := opts.Timeout(); t > 0 {
		timer = time.NewTimer(t)
		defer timer.Stop()
		timeoutC = timer.C
	}
	rearm := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(opts.Timeout())
	}

	if cached != nil {
		onPosition(*cached)
	}

	for {
		select {
		case <-ctx.Done():
			<-sourceDone
			return

		case p := <-positions:
			if p.Timestamp.IsZero() {
				p.Timestamp = w.now()
			}
			w.mu.Lock()
			last := p
			w.last = &last
			w.mu.Unlock()

			onPosition(p)
			rearm()

		case err := <-failures:
			report(err)

		case <-timeoutC:
			report(ErrTimeout)
			timer.Reset(opts.Timeout())

		case err := <-sourceDone:
			// report before releasing so a concurrent Stop still waits for the callback
			if err != nil {
				report(fmt.Errorf("%w: %w", ErrSourceEnded, err))
			} else {
				w.logger.Info("position source ended", "handle", h)
				if onError != nil {
					onError(ErrSourceEnded)
				}
			}
			w.release(h, sub)
			return
		}
	}
}
