package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldroute/internal/model"
)

func mkStops(ids ...string) []model.Stop {
	out := make([]model.Stop, len(ids))
	for i, id := range ids {
		out[i] = model.Stop{ID: id, Coord: model.GeoPoint{Lat: float64(i), Lng: float64(i)}}
	}
	return out
}

func TestMemoryAssignedStopsPreserveOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	n, err := m.AssignStops(ctx, "t1", "tech-1", "2025-03-01", mkStops("c", "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := m.ListAssignedStops(ctx, "t1", "tech-1", "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[2].ID)

	// tenant isolation
	other, err := m.ListAssignedStops(ctx, "t2", "tech-1", "2025-03-01")
	require.NoError(t, err)
	assert.Empty(t, other)

	// reassign replaces
	_, err = m.AssignStops(ctx, "t1", "tech-1", "2025-03-01", mkStops("z"))
	require.NoError(t, err)
	got, _ = m.ListAssignedStops(ctx, "t1", "tech-1", "2025-03-01")
	assert.Len(t, got, 1)

	_, _ = m.AssignStops(ctx, "t1", "tech-0", "2025-03-01", mkStops("y"))
	_, _ = m.AssignStops(ctx, "t1", "tech-9", "2025-03-02", mkStops("x"))
	techs, err := m.ListTechnicians(ctx, "t1", "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"tech-0", "tech-1"}, techs)
}

func TestMemorySaveRouteVersions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r, err := m.SaveRoute(ctx, model.Route{TenantID: "t1", TechnicianID: "tech-1", PlanDate: "2025-03-01", Stops: mkStops("a", "b")})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, model.RouteStatusSequenced, r.Status)
	assert.False(t, r.CreatedAt.IsZero())

	again, err := m.SaveRoute(ctx, model.Route{TenantID: "t1", TechnicianID: "tech-1", PlanDate: "2025-03-01", Stops: mkStops("b", "a")})
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)
	assert.Equal(t, 2, again.Version)
	assert.Equal(t, model.RouteStatusReplanned, again.Status)

	got, err := m.GetRoute(ctx, "t1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Stops[0].ID)

	_, err = m.GetRoute(ctx, "t2", r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.SaveRoute(ctx, model.Route{ID: r.ID, TenantID: "t2"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListRoutesPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		_, err := m.SaveRoute(ctx, model.Route{TenantID: "t1", TechnicianID: fmt.Sprintf("tech-%d", i), PlanDate: "2025-03-01"})
		require.NoError(t, err)
	}
	_, _ = m.SaveRoute(ctx, model.Route{TenantID: "t1", TechnicianID: "tech-x", PlanDate: "2025-03-02"})

	page, next, err := m.ListRoutes(ctx, "t1", "2025-03-01", "", 3)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	require.NotEmpty(t, next)
	rest, next2, err := m.ListRoutes(ctx, "t1", "2025-03-01", next, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Empty(t, next2)

	all, _, err := m.ListRoutes(ctx, "t1", "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestMemoryListRoutesOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	// saved out of creation order
	for _, tc := range []struct {
		tech string
		at   time.Time
	}{
		{"tech-c", base.Add(2 * time.Hour)},
		{"tech-a", base},
		{"tech-b", base.Add(time.Hour)},
	} {
		_, err := m.SaveRoute(ctx, model.Route{TenantID: "t1", TechnicianID: tc.tech, PlanDate: "2025-03-01", CreatedAt: tc.at})
		require.NoError(t, err)
	}
	// a re-plan keeps the original creation time and position
	again, err := m.SaveRoute(ctx, model.Route{TenantID: "t1", TechnicianID: "tech-a", PlanDate: "2025-03-01"})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)
	assert.True(t, again.CreatedAt.Equal(base))

	techs := func(rs []model.Route) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.TechnicianID
		}
		return out
	}
	page, next, err := m.ListRoutes(ctx, "t1", "", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"tech-a", "tech-b"}, techs(page))
	require.Equal(t, page[1].ID, next)

	page, next, err = m.ListRoutes(ctx, "t1", "", next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"tech-c"}, techs(page))
	assert.Empty(t, next)

	page, next, err = m.ListRoutes(ctx, "t1", "", "no-such-route", 2)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)
}

func TestMemoryProfiles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.TenantForUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, m.UpsertProfile(ctx, "u1", "t1"))
	require.NoError(t, m.UpsertProfile(ctx, "u1", "t9"))
	got, err := m.TenantForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t9", got)
}

func TestMemorySubscriptions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s1, err := m.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: "http://a", Events: []string{model.EventRouteSequenced}})
	require.NoError(t, err)
	_, err = m.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: "http://b", Events: []string{model.EventStopsAssigned}})
	require.NoError(t, err)

	subs, err := m.GetSubscriptionsForEvent(ctx, "t1", model.EventRouteSequenced)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "http://a", subs[0].URL)

	list, next, err := m.ListSubscriptions(ctx, "t1", "", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, s1.ID, next)

	require.NoError(t, m.DeleteSubscription(ctx, "t1", s1.ID))
	assert.ErrorIs(t, m.DeleteSubscription(ctx, "t1", s1.ID), ErrNotFound)
}

func TestMemoryWebhookQueue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.EnqueueWebhook(ctx, "t1", "s1", "route.sequenced", "http://x", "k", []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dup, err := m.EnqueueWebhook(ctx, "t1", "s1", "route.sequenced", "http://x", "k", []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.Empty(t, dup)

	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	later := time.Now().Add(time.Hour)
	require.NoError(t, m.MarkWebhookDelivery(ctx, id, false, &later, "boom", 500, 12))
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	assert.Empty(t, due)

	items, _, err := m.ListWebhookDeliveries(ctx, "t1", DeliveryRetry, "", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0]["attempts"])
	assert.Equal(t, "boom", items[0]["lastError"])

	require.NoError(t, m.FailWebhookDelivery(ctx, id, "gave up", 500, 10))
	items, _, _ = m.ListWebhookDeliveries(ctx, "t1", DeliveryFailed, "", 0)
	assert.Len(t, items, 1)
	items, _, _ = m.ListWebhookDeliveries(ctx, "t2", "", "", 0)
	assert.Empty(t, items)
	assert.ErrorIs(t, m.MarkWebhookDelivery(ctx, "missing", true, nil, "", 200, 1), ErrNotFound)
}
