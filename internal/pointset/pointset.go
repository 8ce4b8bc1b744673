// Package pointset holds origin and destination point sets. Points are stored
// as parallel column slices rather than a slice of point structs; the sets can
// run to millions of entries and the columns keep them dense and scan-friendly.
// Use a Cursor to read one point's fields without materializing a row value.
package pointset

import (
	"fmt"
	"math"
)

// PointSet is a column store of geographic points with an opportunity count
// per point (jobs, residents, hospital beds... whatever is being counted).
type PointSet struct {
	lats   []float64
	lons   []float64
	counts []float64
}

func New(capacity int) *PointSet {
	return &PointSet{
		lats:   make([]float64, 0, capacity),
		lons:   make([]float64, 0, capacity),
		counts: make([]float64, 0, capacity),
	}
}

func (p *PointSet) Append(lat, lon, count float64) {
	p.lats = append(p.lats, lat)
	p.lons = append(p.lons, lon)
	p.counts = append(p.counts, count)
}

func (p *PointSet) Len() int { return len(p.lats) }

func (p *PointSet) OpportunityCount(i int) float64 { return p.counts[i] }

// Cursor is a lightweight view onto one point of a PointSet.
type Cursor struct {
	ps  *PointSet
	idx int
}

func (p *PointSet) Cursor() *Cursor { return &Cursor{ps: p} }

func (c *Cursor) Seek(i int)     { c.idx = i }
func (c *Cursor) Lat() float64   { return c.ps.lats[c.idx] }
func (c *Cursor) Lon() float64   { return c.ps.lons[c.idx] }
func (c *Cursor) Count() float64 { return c.ps.counts[c.idx] }

// GridExtents is a web mercator pixel window at a zoom level. West and North
// are absolute pixel offsets of the left and top edges.
type GridExtents struct {
	Zoom   int
	West   int
	North  int
	Width  int
	Height int
}

func (g GridExtents) NumPoints() int { return g.Width * g.Height }

// CellOrigin returns the lat/lon of the center of cell i in row-major order.
func (g GridExtents) CellOrigin(i int) (lat, lon float64) {
	x := i % g.Width
	y := i / g.Width
	lat = PixelToLat(float64(g.North+y)+0.5, g.Zoom)
	lon = PixelToLon(float64(g.West+x)+0.5, g.Zoom)
	return lat, lon
}

// NewGridPointSet materializes a grid as a PointSet with a fixed opportunity
// count per cell. Real opportunity grids come from uploaded datasets; the
// uniform count covers tests and synthetic workloads.
func NewGridPointSet(g GridExtents, countPerCell float64) *PointSet {
	ps := New(g.NumPoints())
	for i := 0; i < g.NumPoints(); i++ {
		lat, lon := g.CellOrigin(i)
		ps.Append(lat, lon, countPerCell)
	}
	return ps
}

// Web mercator pixel math at 256 pixels per tile.

func worldWidthPixels(zoom int) float64 {
	return 256 * math.Exp2(float64(zoom))
}

func PixelToLon(xPixel float64, zoom int) float64 {
	return xPixel/worldWidthPixels(zoom)*360 - 180
}

func PixelToLat(yPixel float64, zoom int) float64 {
	n := math.Pi - 2*math.Pi*yPixel/worldWidthPixels(zoom)
	return math.Atan(math.Sinh(n)) * 180 / math.Pi
}

func LonToPixel(lon float64, zoom int) float64 {
	return (lon + 180) / 360 * worldWidthPixels(zoom)
}

func LatToPixel(lat float64, zoom int) float64 {
	latRad := lat * math.Pi / 180
	return (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * worldWidthPixels(zoom)
}

// StopLink is one entry of a target's egress table: a transit stop within
// walking range and the walking distance to it.
type StopLink struct {
	Stop       int32
	DistanceMM int32
}

// Linkage maps every target of a point set to its nearby transit stops.
// Targets with no stop in range have a nil entry.
type Linkage struct {
	stopsForTarget [][]StopLink
}

func NewLinkage(nTargets int) *Linkage {
	return &Linkage{stopsForTarget: make([][]StopLink, nTargets)}
}

func (l *Linkage) NumTargets() int { return len(l.stopsForTarget) }

func (l *Linkage) SetStops(target int, links []StopLink) {
	l.stopsForTarget[target] = links
}

func (l *Linkage) StopsForTarget(target int) []StopLink {
	return l.stopsForTarget[target]
}

// Validate checks stop indexes against the stop count of the routed network.
func (l *Linkage) Validate(nStops int) error {
	for t, links := range l.stopsForTarget {
		for _, link := range links {
			if link.Stop < 0 || int(link.Stop) >= nStops {
				return fmt.Errorf("linkage: target %d references stop %d of %d", t, link.Stop, nStops)
			}
		}
	}
	return nil
}
