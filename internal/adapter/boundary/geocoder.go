// Package boundary reverse geocodes coordinates offline against postal code
// polygons loaded from a GeoJSON FeatureCollection.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	"github.com/couchcryptid/arrondissement-locator/internal/observability"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

const providerName = "boundary"

// PostalCodeProperties lists the feature properties searched, in order, for
// the postal code of a polygon.
var PostalCodeProperties = []string{"postal_code", "postcode", "code_postal"}

type area struct {
	postalCode string
	name       string
	bound      orb.Bound
	geom       orb.Geometry
}

// Geocoder implements domain.ReverseGeocoder with point-in-polygon lookups.
type Geocoder struct {
	areas   []area
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Load reads a GeoJSON file of postal code polygons.
func Load(path string, metrics *observability.Metrics, logger *slog.Logger) (*Geocoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boundary GeoJSON: %w", err)
	}
	return New(data, metrics, logger)
}

// New parses GeoJSON data. Features that are not polygons or carry no
// postal code property are skipped.
func New(data []byte, metrics *observability.Metrics, logger *slog.Logger) (*Geocoder, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse boundary GeoJSON: %w", err)
	}

	g := &Geocoder{metrics: metrics, logger: logger}
	skipped := 0
	for _, f := range fc.Features {
		code := PostalCode(f)
		if code == "" || !isArea(f.Geometry) {
			skipped++
			continue
		}
		g.areas = append(g.areas, area{
			postalCode: code,
			name:       f.Properties.MustString("name", ""),
			bound:      f.Geometry.Bound(),
			geom:       f.Geometry,
		})
	}
	if len(g.areas) == 0 {
		return nil, errors.New("boundary GeoJSON has no polygon features with a postal code")
	}

	logger.Info("loaded postal code boundaries", "areas", len(g.areas), "skipped", skipped)
	return g, nil
}

// Len returns the number of indexed polygons.
func (g *Geocoder) Len() int { return len(g.areas) }

// ReverseGeocode returns the postal code of the first polygon containing the
// point, or domain.ErrNoAddressFound when none does.
func (g *Geocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return domain.Address{}, fmt.Errorf("%w: %w", domain.ErrGeocodingUnavailable, err)
	}
	if err := (domain.Coordinates{Lat: lat, Lon: lon}).Validate(); err != nil {
		return domain.Address{}, err
	}

	start := time.Now()
	defer func() {
		g.metrics.GeocodeAPIDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
	}()

	pt := orb.Point{lon, lat}
	for _, a := range g.areas {
		if !a.bound.Contains(pt) || !containsPoint(a.geom, pt) {
			continue
		}
		g.metrics.GeocodeRequests.WithLabelValues(providerName, "success").Inc()
		return domain.Address{
			PostalCode:       a.postalCode,
			FormattedAddress: a.name,
			Source:           providerName,
		}, nil
	}

	g.metrics.GeocodeRequests.WithLabelValues(providerName, "empty").Inc()
	return domain.Address{}, fmt.Errorf("boundary: %.6f,%.6f: %w", lat, lon, domain.ErrNoAddressFound)
}

// PostalCode extracts the postal code property of f. Numeric values are
// formatted as five-digit codes.
func PostalCode(f *geojson.Feature) string {
	for _, key := range PostalCodeProperties {
		switch v := f.Properties[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%05d", int(v))
		}
	}
	return ""
}

func isArea(geom orb.Geometry) bool {
	switch geom.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return true
	}
	return false
}

func containsPoint(geom orb.Geometry, point orb.Point) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, point)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, point)
	}
	return false
}
