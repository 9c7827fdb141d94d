// Package dispatch turns a technician's assigned stops into a saved route
// and notifies brokers and webhook subscribers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fieldroute/internal/config"
	"fieldroute/internal/events"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
	"fieldroute/internal/opt"
	"fieldroute/internal/store"
	"fieldroute/internal/tracing"
	"fieldroute/internal/webhooks"
)

// Planner sequences and persists routes. Broker and Publisher are optional.
type Planner struct {
	Store       store.Store
	Broker      events.Broker
	Publisher   *webhooks.Publisher
	Log         *zap.Logger
	SpeedKph    float64
	MaxParallel int
}

func NewPlanner(s store.Store, b events.Broker, p *webhooks.Publisher, cfg config.PlannerConfig, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{
		Store:       s,
		Broker:      b,
		Publisher:   p,
		Log:         log.Named("planner"),
		SpeedKph:    cfg.SpeedKph,
		MaxParallel: cfg.MaxParallel,
	}
}

// Sequence orders stops and fills in legs and totals. Nothing is persisted.
func (p *Planner) Sequence(ctx context.Context, stops []model.Stop) (model.Route, error) {
	_, span := tracing.Tracer().Start(ctx, "dispatch.Sequence")
	defer span.End()
	span.SetAttributes(attribute.Int("stops", len(stops)))

	start := time.Now()
	ordered, err := opt.Sequence(stops)
	metrics.SequenceDuration.Observe(time.Since(start).Seconds())
	metrics.SequenceRuns.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Route{}, err
	}
	metrics.SequenceStops.Observe(float64(len(ordered)))

	r := model.Route{Stops: ordered, Legs: opt.BuildLegs(ordered, p.SpeedKph)}
	r.PlanarDistance = opt.PathLength(ordered)
	for _, l := range r.Legs {
		r.DistM += l.DistM
		r.DriveSec += l.DriveSec
	}
	span.SetAttributes(attribute.Float64("planar_distance", r.PlanarDistance))
	return r, nil
}

func outcome(err error) string {
	var ise *model.InvalidStopError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, opt.ErrEmptyInput):
		return "empty"
	case errors.As(err, &ise):
		return "invalid_stop"
	default:
		return "error"
	}
}

// PlanTechnician sequences the technician's assigned stops for planDate,
// saves the route and publishes route.sequenced.
func (p *Planner) PlanTechnician(ctx context.Context, tenantID, technicianID, planDate string) (model.Route, error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.PlanTechnician")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("technician", technicianID),
		attribute.String("plan_date", planDate),
	)

	stops, err := p.Store.ListAssignedStops(ctx, tenantID, technicianID, planDate)
	if err != nil {
		return model.Route{}, fmt.Errorf("plan %s/%s: list stops: %w", technicianID, planDate, err)
	}
	start := time.Now()
	r, err := p.Sequence(ctx, stops)
	if err != nil {
		return model.Route{}, fmt.Errorf("plan %s/%s: %w", technicianID, planDate, err)
	}
	elapsed := time.Since(start)

	r.TenantID = tenantID
	r.TechnicianID = technicianID
	r.PlanDate = planDate
	saved, err := p.Store.SaveRoute(ctx, r)
	if err != nil {
		return model.Route{}, fmt.Errorf("plan %s/%s: save route: %w", technicianID, planDate, err)
	}
	metrics.RoutesPlanned.WithLabelValues(saved.Status).Inc()
	opt.RecordMetrics(tenantID, planDate, opt.PlanMetrics{
		TechnicianID:   technicianID,
		RouteID:        saved.ID,
		Stops:          len(saved.Stops),
		PlanarDistance: saved.PlanarDistance,
		DistM:          saved.DistM,
		DurationMs:     float64(elapsed.Microseconds()) / 1000,
		RecordedAt:     time.Now().UTC(),
	})

	data := map[string]any{
		"routeId":        saved.ID,
		"technicianId":   technicianID,
		"planDate":       planDate,
		"version":        saved.Version,
		"status":         saved.Status,
		"stops":          len(saved.Stops),
		"planarDistance": saved.PlanarDistance,
	}
	p.notify(ctx, tenantID, model.EventRouteSequenced, data, events.RouteKey(saved.ID), events.TechnicianKey(tenantID, technicianID))
	p.Log.Info("route planned",
		zap.String("tenant", tenantID),
		zap.String("technician", technicianID),
		zap.String("plan_date", planDate),
		zap.String("route", saved.ID),
		zap.Int("version", saved.Version),
		zap.Int("stops", len(saved.Stops)),
		zap.Duration("elapsed", elapsed))
	return saved, nil
}

// PlanBatch plans several technicians concurrently, at most MaxParallel at a
// time. An empty technicianIDs plans everyone with stops on planDate. The
// first failure cancels the rest. Results follow the technician order.
func (p *Planner) PlanBatch(ctx context.Context, tenantID, planDate string, technicianIDs []string) ([]model.Route, error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.PlanBatch")
	defer span.End()

	if len(technicianIDs) == 0 {
		ids, err := p.Store.ListTechnicians(ctx, tenantID, planDate)
		if err != nil {
			return nil, fmt.Errorf("plan batch: list technicians: %w", err)
		}
		technicianIDs = ids
	}
	span.SetAttributes(attribute.Int("technicians", len(technicianIDs)))

	out := make([]model.Route, len(technicianIDs))
	g, gctx := errgroup.WithContext(ctx)
	limit := p.MaxParallel
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, tech := range technicianIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := p.PlanTechnician(gctx, tenantID, tech, planDate)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// AssignStops validates and stores a technician's stops for one day,
// replacing any previous assignment, and publishes stops.assigned.
func (p *Planner) AssignStops(ctx context.Context, tenantID string, a model.Assignment) (int, error) {
	for i, s := range a.Stops {
		if err := s.Validate(); err != nil {
			var ise *model.InvalidStopError
			if errors.As(err, &ise) {
				ise.Index = i
			}
			return 0, err
		}
	}
	n, err := p.Store.AssignStops(ctx, tenantID, a.TechnicianID, a.PlanDate, a.Stops)
	if err != nil {
		return 0, fmt.Errorf("assign %s/%s: %w", a.TechnicianID, a.PlanDate, err)
	}
	p.notify(ctx, tenantID, model.EventStopsAssigned, map[string]any{
		"technicianId": a.TechnicianID,
		"planDate":     a.PlanDate,
		"stops":        n,
	}, events.TechnicianKey(tenantID, a.TechnicianID))
	return n, nil
}

func (p *Planner) notify(ctx context.Context, tenantID, eventType string, data map[string]any, keys ...string) {
	if p.Broker != nil {
		evt := events.Event{Type: eventType, Data: data}
		for _, k := range keys {
			p.Broker.Publish(k, evt)
		}
	}
	if p.Publisher != nil {
		if _, err := p.Publisher.Emit(ctx, tenantID, eventType, data); err != nil {
			p.Log.Warn("webhook emit failed", zap.String("event", eventType), zap.Error(err))
		}
	}
}
