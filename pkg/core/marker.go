// pkg/core/marker.go
package core

// FloorLevel is the code of a mall floor as stored by the server ("-1", "0", "1", ...).
type FloorLevel string

// Floor pairs a floor code with its display label.
type Floor struct {
	Code  FloorLevel `json:"code" mapstructure:"code"`
	Label string     `json:"label" mapstructure:"label"`
}

// DefaultFloors is the selector offered when no floors are configured.
var DefaultFloors = []Floor{
	{Code: "-1", Label: "Basement Floor"},
	{Code: "0", Label: "Ground Floor"},
	{Code: "1", Label: "First Floor"},
}

// Marker is a store location recorded on a given floor. Markers are immutable once created.
type Marker struct {
	ID          int64
	StoreNumber string
	FloorLevel  FloorLevel
	Latitude    float64
	Longitude   float64
	Altitude    *float64
}

// Position returns the coordinates of the marker.
func (m Marker) Position() Position {
	return Position{Latitude: m.Latitude, Longitude: m.Longitude, Altitude: m.Altitude}
}

// MarkerFields is the write shape of a geo-measure submitted to the server.
type MarkerFields struct {
	FloorNo   FloorLevel `json:"floor_no"`
	ShopCode  string     `json:"shop_code"`
	Altitude  *float64   `json:"altitude"`
	Longitude float64    `json:"longitude"`
	Latitude  float64    `json:"latitude"`
}

// NewMarkerFields builds the submission for a store number and floor at the given position.
func NewMarkerFields(storeNumber string, floor FloorLevel, pos Position) MarkerFields {
	return MarkerFields{
		FloorNo:   floor,
		ShopCode:  storeNumber,
		Altitude:  pos.Altitude,
		Longitude: pos.Longitude,
		Latitude:  pos.Latitude,
	}
}

// LookupFloor finds the floor with the given code.
func LookupFloor(floors []Floor, code FloorLevel) (Floor, bool) {
	for _, f := range floors {
		if f.Code == code {
			return f, true
		}
	}
	return Floor{}, false
}
