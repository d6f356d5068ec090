package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	"github.com/couchcryptid/arrondissement-locator/internal/observability"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"
	providerName   = "mapbox"
	postcodePrefix = "postcode."
)

// Client implements domain.ReverseGeocoder using the Mapbox Geocoding API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Mapbox reverse geocoding client. requestsPerSecond
// caps outgoing API calls; zero or less disables the limit.
func NewClient(token string, timeout time.Duration, requestsPerSecond float64, metrics *observability.Metrics, logger *slog.Logger) *Client {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: defaultBaseURL,
		limiter: rate.NewLimiter(limit, 1),
		metrics: metrics,
		logger:  logger,
	}
}

// ReverseGeocode looks up the postal code covering lat/lon. It returns
// domain.ErrNoAddressFound when Mapbox has no feature for the point and wraps
// domain.ErrGeocodingUnavailable for transport and API failures.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (domain.Address, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.GeocodeRequests.WithLabelValues(providerName, "throttled").Inc()
		return domain.Address{}, fmt.Errorf("%w: rate limit wait: %w", domain.ErrGeocodingUnavailable, err)
	}

	// Mapbox uses lon,lat order.
	coord := fmt.Sprintf("%.6f,%.6f", lon, lat)
	u := fmt.Sprintf("%s/%s.json", c.baseURL, coord)
	params := url.Values{
		"access_token": {c.token},
		"limit":        {"1"},
		"types":        {"postcode"},
	}

	start := time.Now()
	resp, err := c.doRequest(ctx, u+"?"+params.Encode())
	c.metrics.GeocodeAPIDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.GeocodeRequests.WithLabelValues(providerName, "error").Inc()
		c.logger.Debug("mapbox request failed", "lat", lat, "lon", lon, "error", err)
		return domain.Address{}, err
	}

	if len(resp.Features) == 0 {
		c.metrics.GeocodeRequests.WithLabelValues(providerName, "empty").Inc()
		return domain.Address{}, fmt.Errorf("mapbox: %s: %w", coord, domain.ErrNoAddressFound)
	}

	c.metrics.GeocodeRequests.WithLabelValues(providerName, "success").Inc()
	f := resp.Features[0]
	return domain.Address{
		PostalCode:       f.postalCode(),
		FormattedAddress: f.PlaceName,
		Source:           providerName,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%w: reverse geocode request: %w", domain.ErrGeocodingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return response{}, fmt.Errorf("%w: mapbox API error: status %d: %s", domain.ErrGeocodingUnavailable, resp.StatusCode, body)
	}

	var mapboxResp response
	if err := json.NewDecoder(resp.Body).Decode(&mapboxResp); err != nil {
		return response{}, fmt.Errorf("%w: decode response: %w", domain.ErrGeocodingUnavailable, err)
	}
	return mapboxResp, nil
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID        string        `json:"id"`
	PlaceName string        `json:"place_name"`
	Text      string        `json:"text"`
	Context   []contextItem `json:"context"`
}

type contextItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// postalCode returns the feature's own text when it is a postcode feature,
// otherwise the postcode entry of its context hierarchy.
func (f feature) postalCode() string {
	if strings.HasPrefix(f.ID, postcodePrefix) {
		return f.Text
	}
	for _, item := range f.Context {
		if strings.HasPrefix(item.ID, postcodePrefix) {
			return item.Text
		}
	}
	return ""
}
