package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Location permission modes.
const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
	PermissionPrompt  = "prompt"
)

// Location sources.
const (
	SourceFeed  = "feed"
	SourceGeoIP = "geoip"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Location acquisition.
	LocationPermission  string
	LocationSource      string
	SeedLocation        bool
	SeedLat             float64
	SeedLon             float64
	LocationInterval    time.Duration
	LocationMinInterval time.Duration
	LocationMaxDelay    time.Duration
	GeoIPDBPath         string
	GeoIPAddress        string

	// Zero disables the corresponding timeout.
	LocateTimeout  time.Duration
	GeocodeTimeout time.Duration

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
	MapboxRateLimit float64

	// Offline postal code polygons.
	BoundaryGeoJSON string

	// Transition publishing.
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		LocationPermission: strings.ToLower(sharedcfg.EnvOrDefault("LOCATION_PERMISSION", PermissionPrompt)),
		LocationSource:     strings.ToLower(sharedcfg.EnvOrDefault("LOCATION_SOURCE", SourceFeed)),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		GeoIPAddress:       os.Getenv("GEOIP_ADDRESS"),
		MapboxToken:        os.Getenv("MAPBOX_TOKEN"),
		MapboxCacheSize:    parsePositiveInt("MAPBOX_CACHE_SIZE", 1000),
		BoundaryGeoJSON:    os.Getenv("BOUNDARY_GEOJSON"),
		KafkaTopic:         sharedcfg.EnvOrDefault("KAFKA_TOPIC", "arrondissement-transitions"),
	}

	durations := []struct {
		key       string
		def       string
		allowZero bool
		dst       *time.Duration
	}{
		{"LOCATION_INTERVAL", "10s", false, &cfg.LocationInterval},
		{"LOCATION_MIN_INTERVAL", "5s", false, &cfg.LocationMinInterval},
		{"LOCATION_MAX_DELAY", "20s", false, &cfg.LocationMaxDelay},
		{"LOCATE_TIMEOUT", "30s", true, &cfg.LocateTimeout},
		{"GEOCODE_TIMEOUT", "10s", true, &cfg.GeocodeTimeout},
		{"MAPBOX_TIMEOUT", "5s", false, &cfg.MapboxTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def, d.allowZero)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	cfg.MapboxRateLimit, err = parsePositiveFloat("MAPBOX_RATE_LIMIT", 5)
	if err != nil {
		return nil, err
	}

	cfg.MapboxEnabled = cfg.MapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		cfg.MapboxEnabled = v == "true"
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if err := cfg.loadSeedLocation(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// KafkaEnabled reports whether transitions are published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func (c *Config) validate() error {
	switch c.LocationPermission {
	case PermissionGranted, PermissionDenied, PermissionPrompt:
	default:
		return fmt.Errorf("invalid LOCATION_PERMISSION %q: want granted, denied or prompt", c.LocationPermission)
	}
	switch c.LocationSource {
	case SourceFeed:
	case SourceGeoIP:
		if c.GeoIPDBPath == "" {
			return errors.New("LOCATION_SOURCE is geoip but GEOIP_DB_PATH is not set")
		}
		if net.ParseIP(c.GeoIPAddress) == nil {
			return fmt.Errorf("invalid GEOIP_ADDRESS %q: want an IP address", c.GeoIPAddress)
		}
	default:
		return fmt.Errorf("invalid LOCATION_SOURCE %q: want feed or geoip", c.LocationSource)
	}
	if c.LocationMinInterval > c.LocationInterval {
		return errors.New("LOCATION_MIN_INTERVAL must not exceed LOCATION_INTERVAL")
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if !c.MapboxEnabled && c.BoundaryGeoJSON == "" {
		return errors.New("no reverse geocoder configured: set MAPBOX_TOKEN or BOUNDARY_GEOJSON")
	}
	if c.KafkaEnabled() && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func (c *Config) loadSeedLocation() error {
	latStr, lonStr := os.Getenv("LOCATION_LAT"), os.Getenv("LOCATION_LON")
	if latStr == "" && lonStr == "" {
		return nil
	}
	if latStr == "" || lonStr == "" {
		return errors.New("LOCATION_LAT and LOCATION_LON must be set together")
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil || lat < -90 || lat > 90 {
		return fmt.Errorf("invalid LOCATION_LAT %q", latStr)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil || lon < -180 || lon > 180 {
		return fmt.Errorf("invalid LOCATION_LON %q", lonStr)
	}
	c.SeedLocation, c.SeedLat, c.SeedLon = true, lat, lon
	return nil
}

func parseDuration(key, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func parsePositiveFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return f, nil
}
