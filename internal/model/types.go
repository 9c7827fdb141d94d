package model

import "time"

// GeoPoint is a planar coordinate pair. Lat/Lng are treated as Cartesian axes.
type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Stop is a single visit location in a technician's day.
type Stop struct {
	ID    string   `json:"id" yaml:"id"`
	Coord GeoPoint `json:"location" yaml:"location"`
	Label string   `json:"label,omitempty" yaml:"label,omitempty"`
}

// GeoPointIn is the wire form of a coordinate. Pointers distinguish missing from zero.
type GeoPointIn struct {
	Lat *float64 `json:"lat" yaml:"lat"`
	Lng *float64 `json:"lng" yaml:"lng"`

	// set by UnmarshalJSON when a coordinate is present but not a number
	invalid string
}

// StopIn is the wire form of a stop as accepted by the API and CLI.
type StopIn struct {
	ID       string      `json:"id" yaml:"id"`
	Location *GeoPointIn `json:"location" yaml:"location"`
	Label    string      `json:"label,omitempty" yaml:"label,omitempty"`
}

// Route is an ordered visiting plan for one technician on one plan date.
type Route struct {
	ID             string    `json:"id,omitempty"`
	TenantID       string    `json:"tenantId,omitempty"`
	TechnicianID   string    `json:"technicianId,omitempty"`
	PlanDate       string    `json:"planDate,omitempty"`
	Version        int       `json:"version,omitempty"`
	Status         string    `json:"status,omitempty"`
	Stops          []Stop    `json:"stops"`
	Legs           []Leg     `json:"legs"`
	PlanarDistance float64   `json:"planarDistance"`
	DistM          int       `json:"distM"`
	DriveSec       int       `json:"driveSec"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

type Leg struct {
	Seq            int     `json:"seq"`
	FromStopID     string  `json:"fromStopId"`
	ToStopID       string  `json:"toStopId"`
	PlanarDistance float64 `json:"planarDistance"`
	DistM          int     `json:"distM"`
	DriveSec       int     `json:"driveSec"`
}

// Route statuses.
const (
	RouteStatusSequenced = "sequenced"
	RouteStatusReplanned = "replanned"
)

// Assignment binds stops to a technician for a plan date, in the order given.
type Assignment struct {
	TechnicianID string `json:"technicianId"`
	PlanDate     string `json:"planDate"`
	Stops        []Stop `json:"stops"`
}

type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// Event types emitted to brokers and webhooks.
const (
	EventRouteSequenced = "route.sequenced"
	EventStopsAssigned  = "stops.assigned"
)
