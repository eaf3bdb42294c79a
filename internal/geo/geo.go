package geo

import (
	"math"

	"github.com/example/ride-hail/internal/models"
)

const (
	// MatchRadiusKm bounds how far from a pickup point a driver may be
	// and still be offered the ride.
	MatchRadiusKm = 10.0

	// DefaultSpeedKmh is the assumed average city speed for ETA quotes.
	DefaultSpeedKmh = 30.0

	earthRadiusKm = 6371.0

	// MilesPerKm converts reporting distance (km) to pricing distance (miles).
	MilesPerKm = 0.621371
)

// DistanceKm returns the great-circle (haversine) distance between two
// points in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// ETAMinutes estimates travel time at the given average speed, rounded
// to whole minutes. Zero or negative distance yields 0.
func ETAMinutes(distanceKm, speedKmh float64) int {
	if distanceKm <= 0 {
		return 0
	}
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return int(math.Round(distanceKm / speedKmh * 60))
}

// AreaStrategy decides operating-area membership. The default is a
// bounding box over the region's boundary vertices, which is permissive
// compared to exact containment; an exact point-in-polygon strategy can
// be swapped in without touching callers.
type AreaStrategy interface {
	Contains(c models.Coord) bool
}

// BoundingBox approximates a region by the axis-aligned box enclosing
// its boundary vertices.
type BoundingBox struct {
	minLat, maxLat float64
	minLon, maxLon float64
	empty          bool
}

func NewBoundingBox(vertices []models.Coord) *BoundingBox {
	if len(vertices) == 0 {
		return &BoundingBox{empty: true}
	}
	b := &BoundingBox{
		minLat: vertices[0].Lat, maxLat: vertices[0].Lat,
		minLon: vertices[0].Lon, maxLon: vertices[0].Lon,
	}
	for _, v := range vertices[1:] {
		b.minLat = math.Min(b.minLat, v.Lat)
		b.maxLat = math.Max(b.maxLat, v.Lat)
		b.minLon = math.Min(b.minLon, v.Lon)
		b.maxLon = math.Max(b.maxLon, v.Lon)
	}
	return b
}

func (b *BoundingBox) Contains(c models.Coord) bool {
	if b.empty {
		return false
	}
	return c.Lat >= b.minLat && c.Lat <= b.maxLat && c.Lon >= b.minLon && c.Lon <= b.maxLon
}

// Everywhere accepts any coordinate. Used when no operating region is
// configured, and as a test stand-in.
type Everywhere struct{}

func (Everywhere) Contains(models.Coord) bool { return true }
