// Package geo matches the GPS position embedded in a photo against the
// location of the reported issue.
package geo

import (
	"math"

	"github.com/fixbounty/fraudguard/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// DefaultThresholdMeters is the default match radius.
const DefaultThresholdMeters = 100.0

// NotEvaluable is the distance reported when no embedded GPS exists.
const NotEvaluable = -1.0

// mismatchCeiling is the best score a photo outside the radius can get.
const mismatchCeiling = 7.0

// HaversineDistance returns the great-circle distance in meters between two points.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	a = math.Min(1, math.Max(0, a))
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// VerifyMatch compares embedded GPS with the expected location. Without
// embedded GPS the result is neutral rather than a failure.
func VerifyMatch(embedded *models.GPSPoint, expected models.GPSPoint, thresholdMeters float64) models.GpsMatchResult {
	if embedded == nil {
		return models.GpsMatchResult{
			Matches:         false,
			DistanceMeters:  NotEvaluable,
			ConfidenceScore: models.NeutralScore,
		}
	}
	if thresholdMeters <= 0 {
		thresholdMeters = DefaultThresholdMeters
	}

	d := HaversineDistance(embedded.Latitude, embedded.Longitude, expected.Latitude, expected.Longitude)
	if d <= thresholdMeters {
		return models.GpsMatchResult{Matches: true, DistanceMeters: d, ConfidenceScore: models.MaxScore}
	}

	return models.GpsMatchResult{
		Matches:         false,
		DistanceMeters:  d,
		ConfidenceScore: models.ClampScore(int(math.Floor(mismatchCeiling * thresholdMeters / d))),
	}
}
