// Package routing wraps the external mapping provider: road-following
// paths between two coordinates and forward geocoding of addresses. The
// provider is consumed, not implemented, by the simulation core.
package routing

import (
	"context"
	"errors"

	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// ErrNoRoute is returned when the routing service cannot produce a path
// between the requested endpoints.
var ErrNoRoute = errors.New("no route found")

// ErrNoResult is returned when geocoding finds no match for an address.
var ErrNoResult = errors.New("no geocoding result")

// Provider supplies paths and geocoding. Implemented by Client; faked in
// tests.
type Provider interface {
	// Route returns an ordered sequence of waypoints approximating a
	// road-following path from origin to destination. The result always has
	// at least 2 points.
	Route(ctx context.Context, origin, destination core.Position) (core.Polyline, error)

	// Geocode resolves a free-form address to a coordinate.
	Geocode(ctx context.Context, address string) (core.Position, error)
}
