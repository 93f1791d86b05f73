package geo

import (
	"math"
	"testing"

	"github.com/Hakibbumbus/transitapp/pkg/core"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name   string
		a, b   core.Position
		wantM  float64
		within float64
	}{
		{
			name:   "same point",
			a:      core.Position{Lat: 40.7128, Lng: -74.0060},
			b:      core.Position{Lat: 40.7128, Lng: -74.0060},
			wantM:  0,
			within: 0.001,
		},
		{
			name: "one degree of latitude",
			a:    core.Position{Lat: 0, Lng: 0},
			b:    core.Position{Lat: 1, Lng: 0},
			// pi * R / 180
			wantM:  111195,
			within: 10,
		},
		{
			name:   "london to paris",
			a:      core.Position{Lat: 51.5074, Lng: -0.1278},
			b:      core.Position{Lat: 48.8566, Lng: 2.3522},
			wantM:  343_500,
			within: 1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.wantM) > tt.within {
				t.Errorf("Distance() = %f, want %f ± %f", got, tt.wantM, tt.within)
			}
		})
	}
}

func TestBearing(t *testing.T) {
	origin := core.Position{Lat: 0, Lng: 0}
	tests := []struct {
		name string
		to   core.Position
		want float64
	}{
		{"due north", core.Position{Lat: 1, Lng: 0}, 0},
		{"due east", core.Position{Lat: 0, Lng: 1}, 90},
		{"due south", core.Position{Lat: -1, Lng: 0}, 180},
		{"due west", core.Position{Lat: 0, Lng: -1}, 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bearing(origin, tt.to)
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("Bearing() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestBearingRange(t *testing.T) {
	// Bearing must always be in [0, 360).
	a := core.Position{Lat: 52.1, Lng: 13.3}
	points := []core.Position{
		{Lat: 53.0, Lng: 12.0},
		{Lat: 51.0, Lng: 14.0},
		{Lat: 52.1, Lng: 12.0},
	}
	for _, b := range points {
		got := Bearing(a, b)
		if got < 0 || got >= 360 {
			t.Errorf("Bearing(%v, %v) = %f, out of [0, 360)", a, b, got)
		}
	}
}

func TestInterpolate(t *testing.T) {
	a := core.Position{Lat: 0, Lng: 0}
	b := core.Position{Lat: 0, Lng: 2}

	mid := Interpolate(a, b, 0.5)
	if math.Abs(mid.Lng-1) > 1e-9 || math.Abs(mid.Lat) > 1e-9 {
		t.Errorf("midpoint = %v, want (0, 1)", mid)
	}

	if got := Interpolate(a, b, -0.5); got != a {
		t.Errorf("clamped low = %v, want %v", got, a)
	}
	if got := Interpolate(a, b, 1.5); got != b {
		t.Errorf("clamped high = %v, want %v", got, b)
	}
}

func TestInterpolateLiesOnSegment(t *testing.T) {
	a := core.Position{Lat: 40.0, Lng: -74.0}
	b := core.Position{Lat: 40.1, Lng: -73.9}

	for _, frac := range []float64{0.1, 0.25, 0.5, 0.9} {
		p := Interpolate(a, b, frac)
		// Fraction of total distance should match frac within tolerance.
		got := Distance(a, p) / Distance(a, b)
		if math.Abs(got-frac) > 0.001 {
			t.Errorf("fraction at %f = %f", frac, got)
		}
	}
}

func TestNearestIndex(t *testing.T) {
	points := core.Polyline{
		{Lat: 0, Lng: 0},
		{Lat: 0, Lng: 1},
		{Lat: 0, Lng: 2},
		{Lat: 0, Lng: 3},
	}

	tests := []struct {
		name string
		p    core.Position
		want int
	}{
		{"at first point", core.Position{Lat: 0, Lng: 0}, 0},
		{"near third point", core.Position{Lat: 0.01, Lng: 2.02}, 2},
		{"past the end", core.Position{Lat: 0, Lng: 10}, 3},
		{"equidistant picks first occurrence", core.Position{Lat: 0, Lng: 0.5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NearestIndex(points, tt.p); got != tt.want {
				t.Errorf("NearestIndex() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := NearestIndex(nil, core.Position{}); got != -1 {
		t.Errorf("NearestIndex(nil) = %d, want -1", got)
	}
}

func TestPolylineFromCoords(t *testing.T) {
	coords := [][]float64{{-74.0060, 40.7128}, {-73.9857, 40.7484}}
	p, err := PolylineFromCoords(coords)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p) != 2 {
		t.Fatalf("len = %d, want 2", len(p))
	}
	if p[0].Lat != 40.7128 || p[0].Lng != -74.0060 {
		t.Errorf("first point = %v, axis order wrong", p[0])
	}

	if _, err := PolylineFromCoords([][]float64{{1, 2}}); err == nil {
		t.Error("expected error for single-point polyline")
	}
	if _, err := PolylineFromCoords([][]float64{{1, 2}, {3}}); err == nil {
		t.Error("expected error for short coordinate")
	}
}

func TestLineString(t *testing.T) {
	p := core.Polyline{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}}
	ls, err := LineString(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ls.Coordinates().Length(); got != 3 {
		t.Errorf("sequence length = %d, want 3", got)
	}

	if _, err := LineString(core.Polyline{{Lat: 0, Lng: 0}}); err == nil {
		t.Error("expected error for single-point linestring")
	}
}
