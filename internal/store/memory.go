package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldroute/internal/model"
)

// Memory is an in-memory store used when no database is configured.
type Memory struct {
	mu        sync.Mutex
	stops     map[assignKey][]model.Stop      // technician/day -> ordered stops
	techs     map[string][]assignKey          // tenant -> assignment keys in insertion order
	routes    map[string]model.Route          // id -> route
	routeIDs  map[string][]string             // tenant -> route ids in insertion order
	byDay     map[assignKey]string            // technician/day -> route id
	profiles  map[string]string               // user -> tenant
	subs      map[string][]model.Subscription // tenant -> subscriptions
	deliv     map[string]*memDelivery         // id -> delivery state
	delivIDs  []string                        // delivery ids in enqueue order
	dedupKeys map[string]struct{}
	dlq       []map[string]any
}

type assignKey struct {
	Tenant     string
	Technician string
	PlanDate   string
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		stops:     map[assignKey][]model.Stop{},
		techs:     map[string][]assignKey{},
		routes:    map[string]model.Route{},
		routeIDs:  map[string][]string{},
		byDay:     map[assignKey]string{},
		profiles:  map[string]string{},
		subs:      map[string][]model.Subscription{},
		deliv:     map[string]*memDelivery{},
		dedupKeys: map[string]struct{}{},
	}
}

func (m *Memory) AssignStops(ctx context.Context, tenantID, technicianID, planDate string, stops []model.Stop) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := assignKey{Tenant: tenantID, Technician: technicianID, PlanDate: planDate}
	if _, seen := m.stops[k]; !seen {
		m.techs[tenantID] = append(m.techs[tenantID], k)
	}
	m.stops[k] = append([]model.Stop(nil), stops...)
	return len(stops), nil
}

func (m *Memory) ListAssignedStops(ctx context.Context, tenantID, technicianID, planDate string) ([]model.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := assignKey{Tenant: tenantID, Technician: technicianID, PlanDate: planDate}
	return append([]model.Stop{}, m.stops[k]...), nil
}

func (m *Memory) ListTechnicians(ctx context.Context, tenantID, planDate string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for _, k := range m.techs[tenantID] {
		if k.PlanDate == planDate && len(m.stops[k]) > 0 {
			out = append(out, k.Technician)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SaveRoute stores a route. A second save for the same technician and day
// keeps the route id and bumps the version.
func (m *Memory) SaveRoute(ctx context.Context, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := assignKey{Tenant: r.TenantID, Technician: r.TechnicianID, PlanDate: r.PlanDate}
	if r.ID == "" {
		r.ID = m.byDay[k]
	}
	prev, ok := m.routes[r.ID]
	if ok && prev.TenantID != r.TenantID {
		return model.Route{}, ErrNotFound
	}
	if ok {
		r.Version = prev.Version + 1
		r.Status = model.RouteStatusReplanned
		r.CreatedAt = prev.CreatedAt
	} else {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		r.Version = 1
		r.Status = model.RouteStatusSequenced
		m.routeIDs[r.TenantID] = append(m.routeIDs[r.TenantID], r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.routes[r.ID] = r
	m.byDay[k] = r.ID
	return r, nil
}

func (m *Memory) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

// ListRoutes pages routes ordered by creation time, then id. The cursor is
// the id of the last route on the previous page.
func (m *Memory) ListRoutes(ctx context.Context, tenantID, planDate, cursor string, limit int) ([]model.Route, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]model.Route, 0, len(m.routeIDs[tenantID]))
	for _, id := range m.routeIDs[tenantID] {
		if r := m.routes[id]; planDate == "" || r.PlanDate == planDate {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return routeBefore(all[i], all[j]) })
	start := 0
	if cursor != "" {
		c, ok := m.routes[cursor]
		if !ok || c.TenantID != tenantID {
			return []model.Route{}, "", nil
		}
		start = sort.Search(len(all), func(i int) bool { return routeBefore(c, all[i]) })
	}
	end := start + pageSize(limit)
	if end > len(all) {
		end = len(all)
	}
	out := append([]model.Route{}, all[start:end]...)
	next := ""
	if end < len(all) {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func routeBefore(a, b model.Route) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) UpsertProfile(ctx context.Context, userID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[userID] = tenantID
	return nil
}

func (m *Memory) TenantForUser(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.profiles[userID]
	if !ok {
		return "", ErrNotFound
	}
	return t, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + pageSize(limit)
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription{}, list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	found := false
	for _, s := range arr {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs[tenantID] = out
	return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dk := tenantID + "|" + eventType + "|" + url + "|" + computeDedupKey(payload)
	if _, dup := m.dedupKeys[dk]; dup {
		return "", nil
	}
	m.dedupKeys[dk] = struct{}{}
	id := uuid.New().String()
	m.deliv[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending},
		NextAttemptAt:   time.Now(),
	}
	m.delivIDs = append(m.delivIDs, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.delivIDs {
		d := m.deliv[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliv[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliv[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	m.dlq = append(m.dlq, map[string]any{"id": id, "tenantId": d.TenantID, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = pageSize(limit)
	out := []map[string]any{}
	past := cursor == ""
	var last string
	for _, id := range m.delivIDs {
		if !past {
			past = id == cursor
			continue
		}
		d := m.deliv[id]
		if d.TenantID != tenantID || (status != "" && d.Status != status) {
			continue
		}
		item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
		if !d.NextAttemptAt.IsZero() && d.Status != DeliveryDelivered {
			item["nextAttemptAt"] = d.NextAttemptAt
		}
		if d.LastError != "" {
			item["lastError"] = d.LastError
		}
		if d.ResponseCode != 0 {
			item["responseCode"] = d.ResponseCode
		}
		out = append(out, item)
		last = id
		if len(out) == limit {
			break
		}
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}
