// Package geo exports markers as GeoJSON and answers distance queries against them.
package geo

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"

	"github.com/mallmap/geomeasure/pkg/core"
)

// earthRadiusMeters is the mean Earth radius used for great-circle distances.
const earthRadiusMeters = 6371008.8

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// PositionFromString parses "lat,lon" or "lat,lon,alt" into a position.
func PositionFromString(coords string) (core.Position, error) {
	parts := strings.Split(coords, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return core.Position{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || math.Abs(lat) > 90 {
		return core.Position{}, ErrInvalidCoordinates
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || math.Abs(lon) > 180 {
		return core.Position{}, ErrInvalidCoordinates
	}
	pos := core.Position{Latitude: lat, Longitude: lon}
	if len(parts) == 3 {
		alt, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return core.Position{}, ErrInvalidCoordinates
		}
		pos.Altitude = core.Float(alt)
	}
	return pos, nil
}

// Project3857 converts a WGS84 longitude/latitude to web mercator meters.
func Project3857(longitude, latitude float64) (x, y float64) {
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ = f(longitude, latitude, 0)
	return x, y
}

// Point returns the GeoJSON point of a position, 3D when the altitude is known.
func Point(pos core.Position) geom.Point {
	c := geom.Coordinates{
		XY:   geom.XY{X: pos.Longitude, Y: pos.Latitude},
		Type: geom.DimXY,
	}
	if pos.Altitude != nil {
		c.Z = *pos.Altitude
		c.Type = geom.DimXYZ
	}
	return geom.NewPoint(c)
}

// Distance returns the great-circle distance between two positions in meters. Altitude is ignored.
func Distance(a, b core.Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Neighbor is a marker and its distance from a reference position.
type Neighbor struct {
	Marker core.Marker
	Meters float64
}

// Nearest returns up to n markers closest to pos, nearest first. Ties keep store order.
func Nearest(markers []core.Marker, pos core.Position, n int) []Neighbor {
	if n <= 0 || len(markers) == 0 {
		return nil
	}
	out := make([]Neighbor, len(markers))
	for i, m := range markers {
		out[i] = Neighbor{Marker: m, Meters: Distance(pos, m.Position())}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Meters < out[j].Meters
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}
