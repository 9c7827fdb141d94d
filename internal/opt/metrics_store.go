package opt

import (
	"sort"
	"sync"
	"time"
)

// PlanMetrics summarises one sequencing run for admin views.
type PlanMetrics struct {
	TechnicianID   string    `json:"technicianId"`
	RouteID        string    `json:"routeId,omitempty"`
	Stops          int       `json:"stops"`
	PlanarDistance float64   `json:"planarDistance"`
	DistM          int       `json:"distM"`
	DurationMs     float64   `json:"durationMs"`
	RecordedAt     time.Time `json:"recordedAt"`
}

type key struct {
	Tenant     string
	PlanDate   string
	Technician string
}

var (
	mu    sync.Mutex
	store = map[key]PlanMetrics{}
)

// RecordMetrics keeps the latest run per tenant, plan date and technician.
func RecordMetrics(tenant, planDate string, m PlanMetrics) {
	mu.Lock()
	store[key{Tenant: tenant, PlanDate: planDate, Technician: m.TechnicianID}] = m
	mu.Unlock()
}

// GetMetrics returns the recorded runs for a tenant and plan date ordered by technician.
func GetMetrics(tenant, planDate string) []PlanMetrics {
	mu.Lock()
	out := []PlanMetrics{}
	for k, v := range store {
		if k.Tenant == tenant && k.PlanDate == planDate {
			out = append(out, v)
		}
	}
	mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TechnicianID < out[j].TechnicianID })
	return out
}
