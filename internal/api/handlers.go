package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldroute/internal/auth"
	"fieldroute/internal/logging"
	"fieldroute/internal/model"
	"fieldroute/internal/opt"
)

type sequenceRequest struct {
	Stops []model.StopIn `json:"stops"`
}

// SequenceHandler handles POST /v1/sequence. It orders the posted stops
// without touching storage.
func (s *Server) SequenceHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, nil); !ok {
		return
	}
	var req sequenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	stops, err := model.StopsFromInput(req.Stops)
	if err != nil {
		writeError(w, r, "Invalid stops", err)
		return
	}
	route, err := s.Planner.Sequence(r.Context(), stops)
	if err != nil {
		writeError(w, r, "Sequence failed", err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type assignRequest struct {
	PlanDate string         `json:"planDate"`
	Stops    []model.StopIn `json:"stops"`
}

// AssignStopsHandler handles POST /v1/technicians/{id}/stops.
func (s *Server) AssignStopsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, dispatchers)
	if !ok {
		return
	}
	tech := r.PathValue("id")
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validPlanDate(w, r, req.PlanDate) {
		return
	}
	stops, err := model.StopsFromInput(req.Stops)
	if err != nil {
		writeError(w, r, "Invalid stops", err)
		return
	}
	n, err := s.Planner.AssignStops(r.Context(), p.Tenant, model.Assignment{TechnicianID: tech, PlanDate: req.PlanDate, Stops: stops})
	if err != nil {
		writeError(w, r, "Assign stops failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"technicianId": tech, "planDate": req.PlanDate, "assigned": n})
}

// ListStopsHandler handles GET /v1/technicians/{id}/stops?planDate=.
func (s *Server) ListStopsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	tech := r.PathValue("id")
	if !canSeeTechnician(p, tech) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for technician", r.URL.Path)
		return
	}
	planDate := r.URL.Query().Get("planDate")
	if !validPlanDate(w, r, planDate) {
		return
	}
	stops, err := s.Store.ListAssignedStops(r.Context(), p.Tenant, tech, planDate)
	if err != nil {
		writeError(w, r, "List stops failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"technicianId": tech, "planDate": planDate, "stops": stops})
}

type planRequest struct {
	PlanDate      string   `json:"planDate"`
	TechnicianIDs []string `json:"technicianIds,omitempty"`
}

// PlanTechnicianHandler handles POST /v1/technicians/{id}/route. planDate is
// read from the JSON body or the query string.
func (s *Server) PlanTechnicianHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, dispatchers)
	if !ok {
		return
	}
	req := planRequest{PlanDate: r.URL.Query().Get("planDate")}
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	if !validPlanDate(w, r, req.PlanDate) {
		return
	}
	tech := r.PathValue("id")
	route, err := s.Planner.PlanTechnician(r.Context(), p.Tenant, tech, req.PlanDate)
	if err != nil {
		s.logger(r.Context(), p).Warn("plan failed", zap.String("technician", tech), zap.Error(err))
		writeError(w, r, "Plan route failed", err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// PlanBatchHandler handles POST /v1/routes/plan.
func (s *Server) PlanBatchHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, dispatchers)
	if !ok {
		return
	}
	var req planRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validPlanDate(w, r, req.PlanDate) {
		return
	}
	routes, err := s.Planner.PlanBatch(r.Context(), p.Tenant, req.PlanDate, req.TechnicianIDs)
	if err != nil {
		s.logger(r.Context(), p).Warn("batch plan failed", zap.String("plan_date", req.PlanDate), zap.Error(err))
		writeError(w, r, "Plan routes failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"planDate": req.PlanDate, "routes": routes})
}

// ListRoutesHandler handles GET /v1/routes. Technicians only see their own routes.
func (s *Server) ListRoutesHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	q := r.URL.Query()
	planDate := q.Get("planDate")
	if planDate != "" && !validPlanDate(w, r, planDate) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Store.ListRoutes(r.Context(), p.Tenant, planDate, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, "List routes failed", err)
		return
	}
	if !p.CanDispatch() {
		own := items[:0]
		for _, rt := range items {
			if canSeeTechnician(p, rt.TechnicianID) {
				own = append(own, rt)
			}
		}
		items = own
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// GetRouteHandler handles GET /v1/routes/{id}.
func (s *Server) GetRouteHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	rt, err := s.routeFor(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeError(w, r, "Get route failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// routeFor loads a route the principal is allowed to see.
func (s *Server) routeFor(ctx context.Context, p auth.Principal, id string) (model.Route, error) {
	rt, err := s.Store.GetRoute(ctx, p.Tenant, id)
	if err != nil {
		return model.Route{}, fmt.Errorf("route %s: %w", id, err)
	}
	if !canSeeTechnician(p, rt.TechnicianID) {
		return model.Route{}, fmt.Errorf("route %s: %w", id, errForbidden)
	}
	return rt, nil
}

var knownEvents = map[string]bool{
	model.EventRouteSequenced: true,
	model.EventStopsAssigned:  true,
}

// CreateSubscriptionHandler handles POST /v1/subscriptions (admin).
func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, admins)
	if !ok {
		return
	}
	var req model.SubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url must be an absolute http(s) URL", r.URL.Path)
		return
	}
	if len(req.Events) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid subscription", "events must not be empty", r.URL.Path)
		return
	}
	for _, e := range req.Events {
		if !knownEvents[e] {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", "unknown event "+e, r.URL.Path)
			return
		}
	}
	req.TenantID = p.Tenant
	sub, err := s.Store.CreateSubscription(r.Context(), req)
	if err != nil {
		writeError(w, r, "Create subscription failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptionsHandler handles GET /v1/subscriptions (admin).
func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, admins)
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, r, "List subscriptions failed", err)
		return
	}
	for i := range items {
		items[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// DeleteSubscriptionHandler handles DELETE /v1/subscriptions/{id} (admin).
func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, admins)
	if !ok {
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, r.PathValue("id")); err != nil {
		writeError(w, r, "Delete subscription failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpsertProfileHandler handles PUT /v1/admin/profiles/{userId}, linking a
// user to the admin's tenant for header-less tenant resolution.
func (s *Server) UpsertProfileHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, admins)
	if !ok {
		return
	}
	user := strings.TrimSpace(r.PathValue("userId"))
	if user == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid profile", "missing user id", r.URL.Path)
		return
	}
	if err := s.Store.UpsertProfile(r.Context(), user, p.Tenant); err != nil {
		writeError(w, r, "Save profile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": user, "tenantId": p.Tenant})
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries.
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, admins)
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	q := r.URL.Query()
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, q.Get("status"), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, "List deliveries failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// PlanMetricsHandler handles GET /v1/admin/plan-metrics?planDate=.
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, admins)
	if !ok {
		return
	}
	planDate := r.URL.Query().Get("planDate")
	if !validPlanDate(w, r, planDate) {
		return
	}
	items := opt.GetMetrics(p.Tenant, planDate)
	total := 0.0
	for _, m := range items {
		total += m.PlanarDistance
	}
	writeJSON(w, http.StatusOK, map[string]any{"planDate": planDate, "items": items, "totalPlanarDistance": total})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the store and the broker when they support it.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface{ Ping(ctx context.Context) error }
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	for name, dep := range map[string]any{"store": s.Store, "broker": s.Broker} {
		if pg, ok := dep.(pinger); ok {
			if err := pg.Ping(ctx); err != nil {
				writeProblem(w, http.StatusServiceUnavailable, "Not Ready", name+": "+err.Error(), r.URL.Path)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func validPlanDate(w http.ResponseWriter, r *http.Request, d string) bool {
	if _, err := time.Parse(time.DateOnly, d); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid planDate", "planDate must be YYYY-MM-DD", r.URL.Path)
		return false
	}
	return true
}

func (s *Server) logger(ctx context.Context, p auth.Principal) *zap.Logger {
	return logging.FromContext(ctx, s.Log).With(zap.String("tenant", p.Tenant))
}
