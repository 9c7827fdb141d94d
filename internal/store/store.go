package store

import (
	"context"
	"errors"
	"time"

	"fieldroute/internal/model"
)

// Store is the persistence interface used by the planner, the API server
// and the webhook worker. Every tenant-scoped call takes the tenant explicitly.
type Store interface {
	// Assigned stops
	AssignStops(ctx context.Context, tenantID, technicianID, planDate string, stops []model.Stop) (int, error)
	ListAssignedStops(ctx context.Context, tenantID, technicianID, planDate string) ([]model.Stop, error)
	ListTechnicians(ctx context.Context, tenantID, planDate string) ([]string, error)

	// Routes
	SaveRoute(ctx context.Context, route model.Route) (model.Route, error)
	GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error)
	ListRoutes(ctx context.Context, tenantID, planDate, cursor string, limit int) ([]model.Route, string, error)

	// Profiles
	UpsertProfile(ctx context.Context, userID, tenantID string) error
	TenantForUser(ctx context.Context, userID string) (string, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
}

var ErrNotFound = errors.New("not found")

const defaultPageSize = 100

func pageSize(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultPageSize
	}
	return limit
}
