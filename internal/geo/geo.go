// Package geo provides coordinates, great-circle distance and parsing of the
// "lat,lng" location text stored on candidate records.
package geo

import (
	"math"
	"strconv"
	"strings"
)

const earthRadiusKm = 6371.0

// Coordinate is a point in decimal degrees.
type Coordinate struct {
	Lat float64
	Lng float64
}

// Valid reports whether the coordinate lies within the latitude and longitude
// ranges. DistanceKm does not require valid input.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// String renders the coordinate in the "lat,lng" storage form.
func (c Coordinate) String() string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lng, 'f', -1, 64)
}

// Key renders the coordinate with a fixed number of decimal places so that
// nearby readings of the same position produce the same string.
func (c Coordinate) Key(precision int) string {
	return strconv.FormatFloat(c.Lat, 'f', precision, 64) + "," + strconv.FormatFloat(c.Lng, 'f', precision, 64)
}

// DistanceKm computes the great-circle distance between two points using the
// Haversine formula. Returns distance in kilometers.
func DistanceKm(a, b Coordinate) float64 {
	lat1Rad := degreesToRadians(a.Lat)
	lat2Rad := degreesToRadians(b.Lat)
	deltaLat := degreesToRadians(b.Lat - a.Lat)
	deltaLng := degreesToRadians(b.Lng - a.Lng)

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)

	// rounding can push h a hair outside [0,1] for antipodal or out-of-range input
	h = math.Min(1, math.Max(0, h))

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}

// ParseLocation parses "lat,lng" text. It returns false when the text does not
// hold exactly two finite numbers.
func ParseLocation(raw string) (Coordinate, bool) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return Coordinate{}, false
	}

	lat, ok := parseFinite(parts[0])
	if !ok {
		return Coordinate{}, false
	}
	lng, ok := parseFinite(parts[1])
	if !ok {
		return Coordinate{}, false
	}

	return Coordinate{Lat: lat, Lng: lng}, true
}

func parseFinite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
