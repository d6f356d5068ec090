package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/arrondissement-locator/internal/adapter/boundary"
	"github.com/couchcryptid/arrondissement-locator/internal/adapter/geoip"
	httpadapter "github.com/couchcryptid/arrondissement-locator/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/arrondissement-locator/internal/adapter/kafka"
	"github.com/couchcryptid/arrondissement-locator/internal/adapter/location"
	"github.com/couchcryptid/arrondissement-locator/internal/adapter/mapbox"
	"github.com/couchcryptid/arrondissement-locator/internal/adapter/permission"
	"github.com/couchcryptid/arrondissement-locator/internal/config"
	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	"github.com/couchcryptid/arrondissement-locator/internal/observability"
	"github.com/couchcryptid/arrondissement-locator/internal/session"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	if err := run(cfg, metrics, logger); err != nil {
		logger.Error("locator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) error {
	gate := permission.NewGate(permission.Mode(cfg.LocationPermission), logger)

	// Location source: pushed fixes, or a fixed address looked up in GeoIP.
	var (
		provider domain.LocationProvider
		pusher   httpadapter.LocationPusher
	)
	switch cfg.LocationSource {
	case config.SourceGeoIP:
		p, err := geoip.Open(cfg.GeoIPDBPath, cfg.GeoIPAddress, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		provider = p
		logger.Info("geoip location source enabled", "db", cfg.GeoIPDBPath, "address", cfg.GeoIPAddress)
	default:
		feed := location.NewFeed(gate.HasFineLocationPermission, logger)
		if cfg.SeedLocation {
			if err := feed.Seed(domain.Coordinates{Lat: cfg.SeedLat, Lon: cfg.SeedLon}); err != nil {
				return err
			}
		}
		gate.Watch(func(granted bool) {
			if !granted {
				feed.Revoke()
			}
		})
		provider, pusher = feed, feed
		logger.Info("location feed enabled", "seeded", cfg.SeedLocation)
	}

	// Reverse geocoder (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var geocoder domain.ReverseGeocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, cfg.MapboxRateLimit, metrics, logger)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		logger.Info("mapbox geocoding enabled",
			"cache_size", cfg.MapboxCacheSize,
			"timeout", cfg.MapboxTimeout,
			"rate_limit", cfg.MapboxRateLimit,
		)
	} else {
		g, err := boundary.Load(cfg.BoundaryGeoJSON, metrics, logger)
		if err != nil {
			return err
		}
		geocoder = g
		logger.Info("offline boundary geocoding enabled", "path", cfg.BoundaryGeoJSON, "areas", g.Len())
	}

	opts := session.Options{
		Request: domain.LocationRequest{
			Interval:    cfg.LocationInterval,
			MinInterval: cfg.LocationMinInterval,
			MaxDelay:    cfg.LocationMaxDelay,
		},
		LocateTimeout:  cfg.LocateTimeout,
		GeocodeTimeout: cfg.GeocodeTimeout,
		Metrics:        metrics,
		Logger:         logger,
	}
	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled() {
		writer = kafkaadapter.NewWriter(cfg, metrics, logger)
		opts.Sink = writer
		logger.Info("transition publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	s := session.New(gate, provider, geocoder, opts)
	if err := s.Start(); err != nil {
		return err
	}
	srv := httpadapter.NewServer(cfg.HTTPAddr, s, gate, pusher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.LocationPermission == config.PermissionPrompt {
		// Blocks until a client answers on /v1/permission or shutdown.
		g.Go(func() error {
			if err := s.RequestPermission(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("permission request failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "session_id", s.ID())

		s.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		s.Wait()
		if writer != nil {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}
