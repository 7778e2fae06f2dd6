package cache

import "github.com/mallmap/geomeasure/pkg/core"

// MarkerStore is the ordered list of markers shown for the current session.
// It is not safe for concurrent use; the session serializes access to it.
type MarkerStore struct {
	markers []core.Marker
}

// NewMarkerStore creates an empty MarkerStore
func NewMarkerStore() *MarkerStore {
	return &MarkerStore{
		markers: make([]core.Marker, 0),
	}
}

// Seed replaces the whole list, keeping the given order
func (s *MarkerStore) Seed(markers []core.Marker) {
	s.markers = make([]core.Marker, len(markers))
	copy(s.markers, markers)
}

// Append adds a marker after all existing ones
func (s *MarkerStore) Append(m core.Marker) {
	s.markers = append(s.markers, m)
}

// All returns a copy of the markers in insertion order
func (s *MarkerStore) All() []core.Marker {
	out := make([]core.Marker, len(s.markers))
	copy(out, s.markers)
	return out
}

// Len returns the number of markers
func (s *MarkerStore) Len() int {
	return len(s.markers)
}

// Last returns the most recently added marker
func (s *MarkerStore) Last() (core.Marker, bool) {
	if len(s.markers) == 0 {
		return core.Marker{}, false
	}
	return s.markers[len(s.markers)-1], true
}
