package geo

import (
	"errors"
	"math"
)

const earthRadiusKm = 6371.0

var ErrOutOfBounds = errors.New("coordinate out of bounds")

// Coordinate is a WGS84 point. Both services exchange locations as plain
// lat/lng pairs.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func NewCoordinate(lat float64, lng float64) (Coordinate, error) {
	c := Coordinate{Lat: lat, Lng: lng}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

func (c Coordinate) Validate() error {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return ErrOutOfBounds
	}
	return nil
}

// DistanceKm is the great-circle distance between two points using the
// Haversine formula.
func DistanceKm(a Coordinate, b Coordinate) float64 {
	const degToRad = math.Pi / 180
	dLat := (b.Lat - a.Lat) * degToRad
	dLng := (b.Lng - a.Lng) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*degToRad)*math.Cos(b.Lat*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
