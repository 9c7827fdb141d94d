// Package app assembles fieldroute components from configuration. Both
// binaries build their store, broker and planner through it.
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fieldroute/internal/config"
	"fieldroute/internal/dispatch"
	"fieldroute/internal/events"
	"fieldroute/internal/store"
	"fieldroute/internal/webhooks"
)

// Deps are the long-lived components shared by the API and the CLI.
type Deps struct {
	Store     store.Store
	Broker    events.Broker
	Publisher *webhooks.Publisher
	Planner   *dispatch.Planner

	closers []func()
}

// Close releases connections in reverse order of creation.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Build wires the store, broker, webhook publisher and planner.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Deps, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Deps{}
	st, err := d.openStore(ctx, cfg, log)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Store = st
	b, err := d.openBroker(ctx, cfg, log)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Broker = b
	d.Publisher = webhooks.NewPublisher(st, log)
	d.Planner = dispatch.NewPlanner(st, b, d.Publisher, cfg.Planner, log)
	return d, nil
}

// openStore uses Postgres when a database URL is configured, memory otherwise.
func (d *Deps) openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		log.Info("store: in-memory")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	d.closers = append(d.closers, func() { _ = pg.Close() })
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info("store: postgres", zap.Bool("migrated", cfg.Database.Migrate))
	return pg, nil
}

// openBroker prefers Redis, then MQTT, then the in-process broker.
func (d *Deps) openBroker(ctx context.Context, cfg *config.Config, log *zap.Logger) (events.Broker, error) {
	switch {
	case cfg.Redis.URL != "":
		rb, err := events.NewRedis(cfg.Redis.URL, log.Named("redis"))
		if err != nil {
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		d.closers = append(d.closers, func() { _ = rb.Close() })
		if err := rb.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		log.Info("broker: redis")
		return rb, nil
	case cfg.MQTT.BrokerURL != "":
		mb, err := events.NewMQTT(events.MQTTOptions{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, log.Named("mqtt"))
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, mb.Close)
		log.Info("broker: mqtt", zap.String("url", cfg.MQTT.BrokerURL))
		return mb, nil
	default:
		log.Info("broker: in-memory")
		return events.NewMemory(), nil
	}
}
