package opt

import (
	"math"

	"fieldroute/internal/model"
)

// PlanarDistance is the straight-line distance between two points treated as
// Cartesian coordinates. It is the metric Sequence minimises at each step.
func PlanarDistance(a, b model.GeoPoint) float64 {
	dLat := a.Lat - b.Lat
	dLng := a.Lng - b.Lng
	return math.Sqrt(dLat*dLat + dLng*dLng)
}

// PathLength sums PlanarDistance along the given order.
func PathLength(stops []model.Stop) float64 {
	total := 0.0
	for i := 0; i+1 < len(stops); i++ {
		total += PlanarDistance(stops[i].Coord, stops[i+1].Coord)
	}
	return total
}

// HaversineMeters is a great-circle estimate used only for leg summaries.
func HaversineMeters(a, b model.GeoPoint) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}

// BuildLegs describes consecutive hops of an ordered stop list. speedKph
// converts meters to drive seconds; non-positive values fall back to 50.
func BuildLegs(stops []model.Stop, speedKph float64) []model.Leg {
	if speedKph <= 0 {
		speedKph = 50
	}
	if len(stops) < 2 {
		return []model.Leg{}
	}
	legs := make([]model.Leg, 0, len(stops)-1)
	for i := 0; i+1 < len(stops); i++ {
		from, to := stops[i], stops[i+1]
		distM := HaversineMeters(from.Coord, to.Coord)
		legs = append(legs, model.Leg{
			Seq:            i + 1,
			FromStopID:     from.ID,
			ToStopID:       to.ID,
			PlanarDistance: PlanarDistance(from.Coord, to.Coord),
			DistM:          int(math.Round(distM)),
			DriveSec:       int(math.Round(distM / (speedKph * 1000 / 3600))),
		})
	}
	return legs
}
