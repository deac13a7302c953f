package geo

import (
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// Centroid returns the arithmetic centroid of the given points. The zero
// Point is returned for an empty slice. Positions are treated as planar
// coordinates, which is acceptable at the cluster scales used here
// (tens of kilometers within one country).
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}

	flat := make([]float64, 0, len(points)*2)
	for _, p := range points {
		flat = append(flat, p.Lon, p.Lat)
	}
	c := xy.MultiPointCentroid(geom.NewMultiPointFlat(geom.XY, flat))
	return Point{Lat: c.Y(), Lon: c.X()}
}
