// Package monitor keeps a status file up to date for dashboards watching a survey session.
package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mallmap/geomeasure/internal/session"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = time.Second

// StatusSource reports the state to publish. *session.Session implements it.
type StatusSource interface {
	Status() session.Status
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source   StatusSource
	Path     string
	Interval time.Duration
	Logger   *slog.Logger
}

// Snapshot is the content of the status file.
type Snapshot struct {
	Time             time.Time  `json:"time"`
	Loaded           bool       `json:"loaded"`
	Markers          int        `json:"markers"`
	Watching         bool       `json:"watching"`
	Precise          bool       `json:"precise"`
	Latitude         *float64   `json:"latitude,omitempty"`
	Longitude        *float64   `json:"longitude,omitempty"`
	Altitude         *float64   `json:"altitude,omitempty"`
	FixTime          *time.Time `json:"fixTime,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	PermissionDenied bool       `json:"permissionDenied"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
	now       func() time.Time
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps: deps,
		now:  time.Now,
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Snapshot captures the current status.
func (s *Service) Snapshot() Snapshot {
	st := s.deps.Source.Status()
	snap := Snapshot{
		Time:             s.now().UTC(),
		Loaded:           st.Loaded,
		Markers:          st.Markers,
		Watching:         st.Watching,
		Precise:          st.Precise,
		PermissionDenied: st.PermissionErr,
	}
	if p := st.Position; p != nil {
		lat, lon := p.Latitude, p.Longitude
		snap.Latitude = &lat
		snap.Longitude = &lon
		snap.Altitude = p.Altitude
		if !p.Timestamp.IsZero() {
			ts := p.Timestamp.UTC()
			snap.FixTime = &ts
		}
	}
	if st.LastError != nil {
		snap.LastError = st.LastError.Error()
	}
	return snap
}

// WriteStatus replaces the content of f with the current snapshot.
func (s *Service) WriteStatus(f *os.File) error {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	statusFile, err := os.Create(s.deps.Path)
	if err != nil {
		return fmt.Errorf("error creating status file: %w", err)
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(statusFile, s.stopChan, s.done)
	return nil
}

func (s *Service) loop(statusFile *os.File, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer statusFile.Close()

	logger := s.deps.Logger
	logger.Debug("Starting status monitor", "path", s.deps.Path, "interval", s.deps.Interval)

	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	for {
		if err := s.WriteStatus(statusFile); err != nil {
			logger.Error("Error writing status file", "error", err)
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop stops the status monitor and waits for the last write.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
