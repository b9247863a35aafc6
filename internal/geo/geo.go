package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used for great-circle distances
const EarthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two points given in decimal degrees
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// ValidCoordinate reports whether lat/lon are finite and inside the WGS84 range
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// BoundingBox is an inclusive lat/lon rectangle
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Valid reports whether both corners are valid coordinates and min <= max on each axis
func (b BoundingBox) Valid() bool {
	return ValidCoordinate(b.MinLat, b.MinLon) &&
		ValidCoordinate(b.MaxLat, b.MaxLon) &&
		b.MinLat <= b.MaxLat &&
		b.MinLon <= b.MaxLon
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
