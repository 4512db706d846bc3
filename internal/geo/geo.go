// Package geo decides which GPS fixes make it into a session path and
// measures the resulting path length.
package geo

import (
	"math"

	"github.com/sstent/steptrack-go/internal/models"
)

const (
	// EarthRadiusKm is the mean Earth radius used by the haversine formula.
	EarthRadiusKm = 6371.0

	// MaxAccuracyMeters is the worst horizontal accuracy still considered a usable fix.
	MaxAccuracyMeters = 100.0

	// MinMovementKm is the minimum distance from the last accepted point for a
	// new fix to be recorded. Anything closer is stationary jitter.
	MinMovementKm = 0.002
)

// DistanceKm returns the great-circle distance between a and b in kilometers.
func DistanceKm(a, b models.Coordinate) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// ValidPosition rejects coordinates that cannot come from a real fix. The
// location layer reports a missing fix as a zero latitude or longitude.
func ValidPosition(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	if lat == 0 || lon == 0 {
		return false
	}
	return math.Abs(lat) <= 90 && math.Abs(lon) <= 180
}

// AccurateEnough reports whether a fix with the given accuracy (meters) is usable.
// A fix without an accuracy estimate is accepted.
func AccurateEnough(accuracyMeters *float64) bool {
	if accuracyMeters == nil {
		return true
	}
	return *accuracyMeters <= MaxAccuracyMeters
}

// Accept decides whether candidate should be appended to a path whose last
// accepted point is last (nil for an empty path). It has no side effects.
func Accept(candidate models.Coordinate, last *models.Coordinate, accuracyMeters *float64) bool {
	if !ValidPosition(candidate.Lat, candidate.Lon) {
		return false
	}
	if !AccurateEnough(accuracyMeters) {
		return false
	}
	if last == nil {
		return true
	}
	return DistanceKm(candidate, *last) >= MinMovementKm
}

// AcceptFix is Accept for a raw fix, using the fix's own accuracy.
func AcceptFix(fix models.Fix, last *models.Coordinate) bool {
	return Accept(fix.Coordinate(), last, fix.Accuracy)
}

// TotalDistanceKm is the path length of coords, summed over consecutive pairs.
func TotalDistanceKm(coords []models.Coordinate) float64 {
	if len(coords) < 2 {
		return 0
	}

	var total float64
	for i := 1; i < len(coords); i++ {
		total += DistanceKm(coords[i-1], coords[i])
	}
	return total
}
