// pkg/core/position.go
package core

import (
	"fmt"
	"time"
)

// Position is a device-reported geographic coordinate.
// Altitude is nil when the device layer did not report one.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	Timestamp time.Time
}

// HasAltitude reports whether the fix carried an altitude.
func (p Position) HasAltitude() bool {
	return p.Altitude != nil
}

// String formats the position as "lat,lon[,alt]".
func (p Position) String() string {
	if p.Altitude == nil {
		return fmt.Sprintf("%.6f,%.6f", p.Latitude, p.Longitude)
	}
	return fmt.Sprintf("%.6f,%.6f,%.1f", p.Latitude, p.Longitude, *p.Altitude)
}

// Float returns a pointer to v. Used for optional altitudes.
func Float(v float64) *float64 {
	return &v
}
