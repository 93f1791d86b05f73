package geo

import (
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// PolylineFromCoords converts a routing-service coordinate list
// ([[lng,lat],...], GeoJSON axis order) into a core.Polyline.
func PolylineFromCoords(coords [][]float64) (core.Polyline, error) {
	if len(coords) < 2 {
		return nil, fmt.Errorf("polyline must have at least 2 points, got %d", len(coords))
	}
	polyline := make(core.Polyline, len(coords))
	for i, c := range coords {
		if len(c) < 2 {
			return nil, fmt.Errorf("coordinate %d has insufficient values", i)
		}
		polyline[i] = core.Position{Lng: c[0], Lat: c[1]}
	}
	return polyline, nil
}

// LineString builds a simplefeatures LineString from a polyline, in
// lng/lat axis order. Useful for length and validity checks on fetched
// paths.
func LineString(p core.Polyline) (geom.LineString, error) {
	if len(p) < 2 {
		return geom.LineString{}, fmt.Errorf("polyline must have at least 2 points, got %d", len(p))
	}
	flat := make([]float64, 0, len(p)*2)
	for _, pt := range p {
		flat = append(flat, pt.Lng, pt.Lat)
	}
	seq := geom.NewSequence(flat, geom.DimXY)
	ls, err := geom.NewLineString(seq)
	if err != nil {
		return geom.LineString{}, fmt.Errorf("build line string: %w", err)
	}
	return ls, nil
}
