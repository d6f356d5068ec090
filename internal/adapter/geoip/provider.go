// Package geoip provides a coarse LocationProvider that resolves a fixed IP
// address against a MaxMind City database.
package geoip

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	"github.com/oschwald/geoip2-golang"
)

// cityReader is the subset of *geoip2.Reader the provider needs.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// Provider implements domain.LocationProvider. It has no cached fix; every
// live request performs one database lookup and delivers a single fix.
type Provider struct {
	reader cityReader
	ip     net.IP
	logger *slog.Logger
}

// Open loads the City database at path and resolves address on every request.
func Open(path, address string, logger *slog.Logger) (*Provider, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("geoip: invalid address %q", address)
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Provider{reader: db, ip: ip, logger: logger}, nil
}

// Close releases the database.
func (p *Provider) Close() error {
	return p.reader.Close()
}

// LastKnownLocation always reports no cached fix.
func (p *Provider) LastKnownLocation(ctx context.Context) (*domain.Coordinates, error) {
	return nil, ctx.Err()
}

// RequestLocationUpdates looks the address up and returns a subscription
// that yields the result once and then ends.
func (p *Provider) RequestLocationUpdates(ctx context.Context, _ domain.LocationRequest) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, err := p.reader.City(p.ip)
	if err != nil {
		return nil, fmt.Errorf("%w: geoip lookup %s: %w", domain.ErrLocationUnavailable, p.ip, err)
	}
	loc := record.Location
	if loc.Latitude == 0 && loc.Longitude == 0 {
		return nil, fmt.Errorf("%w: geoip has no location for %s", domain.ErrLocationUnavailable, p.ip)
	}

	fix := domain.Coordinates{Lat: loc.Latitude, Lon: loc.Longitude}
	p.logger.Debug("geoip location resolved",
		"ip", p.ip.String(),
		"lat", fix.Lat,
		"lon", fix.Lon,
		"accuracy_km", loc.AccuracyRadius,
		"city", record.City.Names["en"],
	)

	fixes := make(chan domain.Coordinates, 1)
	fixes <- fix
	close(fixes)
	return oneShot{fixes: fixes}, nil
}

type oneShot struct {
	fixes chan domain.Coordinates
}

func (s oneShot) Fixes() <-chan domain.Coordinates { return s.fixes }
func (s oneShot) Err() error                       { return nil }
func (s oneShot) Cancel()                          {}
