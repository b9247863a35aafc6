package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine_OneDegreeOfLongitudeAtEquator(t *testing.T) {
	d := Haversine(0, 0, 0, 1)
	assert.InDelta(t, 111195, d, 50)
}

func TestHaversine_SamePointIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Haversine(52.52, 13.405, 52.52, 13.405))
}

func TestHaversine_Symmetric(t *testing.T) {
	a := Haversine(53.9, 27.56, 52.23, 21.01)
	b := Haversine(52.23, 21.01, 53.9, 27.56)
	assert.InDelta(t, a, b, 1e-6)
	assert.InDelta(t, 475000, a, 10000)
}

func TestValidCoordinate(t *testing.T) {
	tests := []struct {
		name string
		lat  float64
		lon  float64
		want bool
	}{
		{"origin", 0, 0, true},
		{"north pole", 90, 0, true},
		{"date line", 0, -180, true},
		{"lat too big", 90.0001, 0, false},
		{"lon too small", 0, -180.5, false},
		{"nan", math.NaN(), 0, false},
		{"inf", 0, math.Inf(1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidCoordinate(tt.lat, tt.lon))
		})
	}
}

func TestBoundingBox(t *testing.T) {
	box := BoundingBox{MinLat: 50, MinLon: 10, MaxLat: 55, MaxLon: 20}
	assert.True(t, box.Valid())

	inverted := BoundingBox{MinLat: 55, MinLon: 10, MaxLat: 50, MaxLon: 20}
	assert.False(t, inverted.Valid())
}
