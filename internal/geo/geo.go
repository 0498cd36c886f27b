package geo

import "math"

// WGS84 is the spatial reference identifier attached to every position
// produced by this module.
const WGS84 = "WGS84"

// Position is a geographic coordinate tagged with its spatial reference.
// It is an immutable value: producers construct a new Position for every
// fix and never mutate one in place.
type Position struct {
	Longitude        float64 `json:"longitude" yaml:"longitude"`
	Latitude         float64 `json:"latitude" yaml:"latitude"`
	Altitude         float64 `json:"altitude,omitempty" yaml:"altitude"`
	HasAltitude      bool    `json:"hasAltitude,omitempty" yaml:"-"`
	SpatialReference string  `json:"spatialReference" yaml:"-"`
}

// NewPosition returns a 2-D WGS84 position.
func NewPosition(lon, lat float64) Position {
	return Position{
		Longitude:        lon,
		Latitude:         lat,
		SpatialReference: WGS84,
	}
}

// NewPosition3D returns a 3-D WGS84 position with altitude in meters.
func NewPosition3D(lon, lat, alt float64) Position {
	return Position{
		Longitude:        lon,
		Latitude:         lat,
		Altitude:         alt,
		HasAltitude:      true,
		SpatialReference: WGS84,
	}
}

// IsValid reports whether the coordinate is a usable fix: finite values
// within the WGS84 domain.
func (p Position) IsValid() bool {
	if math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) ||
		math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) {
		return false
	}
	if p.HasAltitude && (math.IsNaN(p.Altitude) || math.IsInf(p.Altitude, 0)) {
		return false
	}
	return p.Longitude >= -180 && p.Longitude <= 180 &&
		p.Latitude >= -90 && p.Latitude <= 90
}

// NormalizeHeading maps deg onto the canonical range [0, 360).
func NormalizeHeading(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// IsValidHeading reports whether deg is a usable heading reading.
// Producers drop readings that fail this check rather than overwriting
// the last good value.
func IsValidHeading(deg float64) bool {
	return !math.IsNaN(deg) && !math.IsInf(deg, 0)
}

// Bearing returns the initial great-circle bearing in degrees [0, 360)
// from one position to another. Identical positions yield 0.
func Bearing(from, to Position) float64 {
	lat1 := from.Latitude * math.Pi / 180
	lat2 := to.Latitude * math.Pi / 180
	dLon := (to.Longitude - from.Longitude) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	if y == 0 && x == 0 {
		return 0
	}
	return NormalizeHeading(math.Atan2(y, x) * 180 / math.Pi)
}
