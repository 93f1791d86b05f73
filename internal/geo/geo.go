// Package geo provides the coordinate math used by the motion simulator:
// haversine distances, compass bearings, segment interpolation, and
// nearest-waypoint search.
package geo

import (
	"math"

	"github.com/wroge/wgs84"

	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// EarthRadiusM is the mean Earth radius in meters.
const EarthRadiusM = 6371008.8

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b core.Position) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	la1 := radians(a.Lat)
	la2 := radians(b.Lat)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing returns the initial compass bearing from a to b in degrees [0, 360).
func Bearing(a, b core.Position) float64 {
	la1 := radians(a.Lat)
	la2 := radians(b.Lat)
	dLng := radians(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(la2)
	x := math.Cos(la1)*math.Sin(la2) - math.Sin(la1)*math.Cos(la2)*math.Cos(dLng)
	deg := degrees(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// Interpolate returns the point at fraction frac along the straight segment
// from a to b. frac is clamped to [0, 1]. Waypoints are close together, so
// linear interpolation in lat/lng is adequate.
func Interpolate(a, b core.Position, frac float64) core.Position {
	if frac <= 0 {
		return a
	}
	if frac >= 1 {
		return b
	}
	return core.Position{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lng: a.Lng + (b.Lng-a.Lng)*frac,
	}
}

// nearestTieRel is the relative margin a waypoint must beat the current
// best by to displace it. Projection rounding noise sits many orders of
// magnitude below this, so equidistant waypoints resolve to the first
// occurrence.
const nearestTieRel = 1e-9

// NearestIndex returns the index of the waypoint closest to p, ties broken
// by first occurrence. The search projects to EPSG:3857 once and compares
// squared planar distances, avoiding a haversine per waypoint.
// Returns -1 for an empty polyline.
func NearestIndex(points core.Polyline, p core.Position) int {
	if len(points) == 0 {
		return -1
	}
	project := wgs84.EPSG().Transform(4326, 3857)
	px, py, _ := project(p.Lng, p.Lat, 0)

	best := 0
	bestDist := math.Inf(1)
	for i, pt := range points {
		x, y, _ := project(pt.Lng, pt.Lat, 0)
		dx, dy := x-px, y-py
		if d := dx*dx + dy*dy; d < bestDist*(1-nearestTieRel) {
			bestDist = d
			best = i
		}
	}
	return best
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
