package geo

import (
	"errors"
	"math"
)

const earthRadiusKm = 6371.0

// PrecisionDecimals limits stored coordinates to roughly 11m.
const PrecisionDecimals = 4

var ErrOutOfRange = errors.New("coordinates out of range")

func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Validate checks latitude in [-90, 90] and longitude in [-180, 180].
func Validate(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ErrOutOfRange
	}
	return nil
}

// Reduce rounds a coordinate pair to PrecisionDecimals.
func Reduce(lat, lng float64) (float64, float64) {
	return round(lat, PrecisionDecimals), round(lng, PrecisionDecimals)
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
