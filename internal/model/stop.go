package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// InvalidStopError reports a stop that cannot take part in sequencing.
// Index is the position in the caller's input, or -1 when not known.
type InvalidStopError struct {
	Index  int
	StopID string
	Reason string
}

func (e *InvalidStopError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid stop %q: %s", e.StopID, e.Reason)
	}
	return fmt.Sprintf("invalid stop %q at index %d: %s", e.StopID, e.Index, e.Reason)
}

// NewStop builds a validated Stop.
func NewStop(id string, lat, lng float64, label string) (Stop, error) {
	s := Stop{ID: strings.TrimSpace(id), Coord: GeoPoint{Lat: lat, Lng: lng}, Label: label}
	if err := s.Validate(); err != nil {
		return Stop{}, err
	}
	return s, nil
}

// Validate checks the stop id and that both coordinates are finite numbers.
func (s Stop) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return &InvalidStopError{Index: -1, StopID: s.ID, Reason: "missing id"}
	}
	if reason := coordReason("latitude", s.Coord.Lat); reason != "" {
		return &InvalidStopError{Index: -1, StopID: s.ID, Reason: reason}
	}
	if reason := coordReason("longitude", s.Coord.Lng); reason != "" {
		return &InvalidStopError{Index: -1, StopID: s.ID, Reason: reason}
	}
	return nil
}

func coordReason(axis string, v float64) string {
	switch {
	case math.IsNaN(v):
		return axis + " is NaN"
	case math.IsInf(v, 0):
		return axis + " is not finite"
	}
	return ""
}

// UnmarshalJSON records a non-numeric coordinate for ToStop to report
// rather than failing the whole document.
func (g *GeoPointIn) UnmarshalJSON(b []byte) error {
	var raw struct {
		Lat json.RawMessage `json:"lat"`
		Lng json.RawMessage `json:"lng"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*g = GeoPointIn{}
	var ok bool
	if g.Lat, ok = jsonCoord(raw.Lat); !ok {
		g.invalid = "latitude is not a number"
	}
	if g.Lng, ok = jsonCoord(raw.Lng); !ok && g.invalid == "" {
		g.invalid = "longitude is not a number"
	}
	return nil
}

func jsonCoord(raw json.RawMessage) (*float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// ToStop converts the wire form, rejecting missing or non-numeric coordinates.
func (in StopIn) ToStop() (Stop, error) {
	if in.Location != nil && in.Location.invalid != "" {
		return Stop{}, &InvalidStopError{Index: -1, StopID: in.ID, Reason: in.Location.invalid}
	}
	if in.Location == nil || in.Location.Lat == nil || in.Location.Lng == nil {
		return Stop{}, &InvalidStopError{Index: -1, StopID: in.ID, Reason: "missing coordinate"}
	}
	return NewStop(in.ID, *in.Location.Lat, *in.Location.Lng, in.Label)
}

// StopsFromInput converts a batch, tagging the first failure with its index.
func StopsFromInput(in []StopIn) ([]Stop, error) {
	out := make([]Stop, 0, len(in))
	for i, s := range in {
		st, err := s.ToStop()
		if err != nil {
			return nil, withIndex(err, i)
		}
		out = append(out, st)
	}
	return out, nil
}

// StopIn returns the wire form of s.
func (s Stop) StopIn() StopIn {
	lat, lng := s.Coord.Lat, s.Coord.Lng
	return StopIn{ID: s.ID, Location: &GeoPointIn{Lat: &lat, Lng: &lng}, Label: s.Label}
}

func withIndex(err error, i int) error {
	if ise, ok := err.(*InvalidStopError); ok {
		cp := *ise
		cp.Index = i
		return &cp
	}
	return err
}
