package domain

import (
	"context"
	"time"
)

// PermissionGate reports and requests the fine location permission.
type PermissionGate interface {
	HasFineLocationPermission() bool

	// RequestPermission blocks until the user answers or ctx is done.
	RequestPermission(ctx context.Context) (bool, error)
}

// LocationRequest carries the parameters of a live location request.
type LocationRequest struct {
	Interval    time.Duration
	MinInterval time.Duration
	MaxDelay    time.Duration
}

// DefaultLocationRequest mirrors a high-accuracy request with a 10s interval.
func DefaultLocationRequest() LocationRequest {
	return LocationRequest{
		Interval:    10 * time.Second,
		MinInterval: 5 * time.Second,
		MaxDelay:    20 * time.Second,
	}
}

// Subscription is a live location request. Fixes is closed when the
// subscription ends on the provider side; Err then reports why (nil for a
// plain end of stream). Cancel is idempotent and safe to call concurrently.
type Subscription interface {
	Fixes() <-chan Coordinates
	Err() error
	Cancel()
}

// LocationProvider supplies device location fixes.
type LocationProvider interface {
	// LastKnownLocation returns a cached fix, or nil when none is available.
	LastKnownLocation(ctx context.Context) (*Coordinates, error)

	// RequestLocationUpdates starts a live request. It returns ErrPermissionRevoked
	// when the permission was lost.
	RequestLocationUpdates(ctx context.Context, req LocationRequest) (Subscription, error)
}

// Address is a reverse geocoding result. PostalCode is empty when the
// provider found an address without one.
type Address struct {
	PostalCode       string
	FormattedAddress string
	Source           string
}

// ReverseGeocoder converts coordinates into an address.
type ReverseGeocoder interface {
	// ReverseGeocode returns ErrNoAddressFound for zero results and an error
	// wrapping ErrGeocodingUnavailable on network or service failure.
	ReverseGeocode(ctx context.Context, lat, lon float64) (Address, error)
}
