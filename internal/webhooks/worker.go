package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fieldroute/internal/config"
	"fieldroute/internal/metrics"
	"fieldroute/internal/store"
)

// Worker polls the store for due deliveries and POSTs them.
type Worker struct {
	Store        store.Store
	HTTP         *http.Client
	Log          *zap.Logger
	MaxAttempts  int
	BatchSize    int
	PollInterval time.Duration
}

func NewWorker(s store.Store, cfg *config.Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		Store:        s,
		HTTP:         &http.Client{Timeout: 5 * time.Second},
		Log:          log.Named("webhooks"),
		MaxAttempts:  10,
		BatchSize:    50,
		PollInterval: time.Second,
	}
	if cfg != nil {
		if cfg.Webhooks.MaxAttempts > 0 {
			w.MaxAttempts = cfg.Webhooks.MaxAttempts
		}
		if cfg.Webhooks.BatchSize > 0 {
			w.BatchSize = cfg.Webhooks.BatchSize
		}
		w.PollInterval = cfg.GetWebhookPollInterval()
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				w.Log.Warn("webhook poll failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce delivers one batch and returns the number of attempts made.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
	return len(items), nil
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	log := w.Log.With(zap.String("delivery", it.ID), zap.String("event", it.EventType), zap.Int("attempt", it.Attempts+1))
	code, latency, err := w.post(ctx, it)
	success := err == nil && code >= 200 && code < 300
	lastErr := ""
	switch {
	case err != nil:
		lastErr = err.Error()
	case !success:
		lastErr = "status " + strconv.Itoa(code)
	}

	status := store.DeliveryDelivered
	switch {
	case success:
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	case it.Attempts+1 >= w.MaxAttempts:
		status = store.DeliveryFailed
		log.Warn("webhook delivery exhausted", zap.String("error", lastErr), zap.Int("code", code))
		err = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
	default:
		status = store.DeliveryRetry
		next := time.Now().Add(nextBackoff(it.Attempts))
		log.Debug("webhook delivery retry", zap.String("error", lastErr), zap.Time("next", next))
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
	}
	if err != nil {
		log.Error("record webhook outcome", zap.Error(err))
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

func (w *Worker) post(ctx context.Context, it store.WebhookDelivery) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	if it.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(it.Secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latency, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, latency, nil
}

// nextBackoff doubles from one second and caps at one hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	d := time.Second << attempts
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
