// Package integrations defines where technicians' assigned stops come from.
package integrations

import (
	"context"

	"fieldroute/internal/model"
)

// StopSource fetches stop assignments from an external system.
type StopSource interface {
	Name() string
	FetchStops(ctx context.Context) ([]model.Assignment, error)
}
