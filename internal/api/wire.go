package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mallmap/geomeasure/pkg/core"
	"github.com/spf13/cast"
)

// listEnvelope is the GET response of the geo-measure resource.
type listEnvelope struct {
	Status      string       `json:"status"`
	GeoMeasures []geoMeasure `json:"geo_measures"`
	Message     string       `json:"message"`
}

// ackEnvelope is the part of a POST response the client looks at.
type ackEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SaveAck is the server acknowledgment of a submitted geo-measure.
type SaveAck struct {
	StatusCode int
	Status     string
	Message    string
	Body       []byte
}

// geoMeasure is a server record. The server sends numbers either as JSON numbers or strings.
type geoMeasure struct {
	ID        any `json:"id"`
	FloorNo   any `json:"floor_no"`
	ShopCode  any `json:"shop_code"`
	Latitude  any `json:"latitude"`
	Longitude any `json:"longitude"`
	Altitude  any `json:"altitude"`
}

var errMissingCoordinate = errors.New("missing coordinate")

func (g geoMeasure) toMarker() (core.Marker, error) {
	lat, err := number(g.Latitude)
	if err != nil {
		return core.Marker{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := number(g.Longitude)
	if err != nil {
		return core.Marker{}, fmt.Errorf("longitude: %w", err)
	}

	m := core.Marker{
		FloorLevel:  core.FloorLevel(text(g.FloorNo)),
		StoreNumber: text(g.ShopCode),
		Latitude:    lat,
		Longitude:   lon,
	}
	if g.ID != nil {
		id, err := integer(g.ID)
		if err != nil {
			return core.Marker{}, fmt.Errorf("id: %w", err)
		}
		m.ID = id
	}
	if alt, err := number(g.Altitude); err == nil {
		m.Altitude = &alt
	}
	return m, nil
}

// number converts a JSON number or a decimal string. Absent and blank values are errors,
// as is anything else the server might send in a numeric field.
func number(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, errMissingCoordinate
	case float64:
		f = n
	case json.Number:
		return number(n.String())
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, errMissingCoordinate
		}
		if strings.ContainsAny(s, "xX") {
			return 0, fmt.Errorf("not a decimal number: %q", n)
		}
		var err error
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, fmt.Errorf("not a decimal number: %q", n)
		}
	default:
		return 0, fmt.Errorf("unexpected %T value %v", v, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

// integer converts an id sent as a JSON number or a base 10 string. Fractions are rejected.
func integer(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case json.Number:
		return integer(n.String())
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", n)
		}
		return id, nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func text(v any) string {
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}
