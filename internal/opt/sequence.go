// Package opt orders stops into technician routes.
package opt

import (
	"errors"

	"fieldroute/internal/model"
)

// ErrEmptyInput is returned when there are no stops to sequence.
var ErrEmptyInput = errors.New("sequence: no stops provided")

// Sequence returns stops in greedy nearest-neighbor order starting from
// stops[0]. At each step the closest remaining stop by PlanarDistance is
// visited next; on equal distances the one earliest in the remaining pool
// wins. The input slice is not modified.
//
// The result is not guaranteed to be the shortest tour and ignores road
// networks. It runs in O(n^2).
func Sequence(stops []model.Stop) ([]model.Stop, error) {
	if len(stops) == 0 {
		return nil, ErrEmptyInput
	}
	for i, s := range stops {
		if err := s.Validate(); err != nil {
			var ise *model.InvalidStopError
			if errors.As(err, &ise) {
				ise.Index = i
			}
			return nil, err
		}
	}
	out := make([]model.Stop, 0, len(stops))
	out = append(out, stops[0])
	if len(stops) < 2 {
		return out, nil
	}

	pool := make([]model.Stop, len(stops)-1)
	copy(pool, stops[1:])
	current := stops[0]
	for len(pool) > 0 {
		best := 0
		bestDist := PlanarDistance(current.Coord, pool[0].Coord)
		for i := 1; i < len(pool); i++ {
			// strict < keeps the earliest candidate on ties
			if d := PlanarDistance(current.Coord, pool[i].Coord); d < bestDist {
				best, bestDist = i, d
			}
		}
		current = pool[best]
		out = append(out, current)
		pool = append(pool[:best], pool[best+1:]...)
	}
	return out, nil
}
