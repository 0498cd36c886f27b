package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/navlink/geobeacon/internal/broadcast"
	"github.com/navlink/geobeacon/internal/geo"
	"github.com/navlink/geobeacon/internal/tracking"
)

// Run wires the position/heading tracker to the location publisher and
// keeps both running until the context is cancelled.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	tracker, err := createTracker(&config.Source, logger)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	tracker.OnPosition(func(pos geo.Position) {
		logger.Debug("position update",
			slog.Float64("longitude", pos.Longitude),
			slog.Float64("latitude", pos.Latitude),
			slog.Bool("hasAltitude", pos.HasAltitude))
	})
	tracker.OnHeading(func(absolute, relative float64) {
		logger.Debug("heading update",
			slog.Float64("absolute", absolute),
			slog.Float64("relative", relative))
	})

	if config.Source.Enabled {
		if err := tracker.SetEnabled(true); err != nil {
			// Recoverable: the node runs with no data until the source
			// comes back. Consumers see a stale-data indicator instead.
			logger.Warn("source yields no data", slog.String("error", err.Error()))
		}
	}
	defer tracker.SetEnabled(false)

	publisher, err := createPublisher(&config.Broadcast, tracker, logger)
	if err != nil {
		return fmt.Errorf("failed to create broadcast: %w", err)
	}
	defer publisher.Close()

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func createTracker(config *SourceConfig, logger *slog.Logger) (*tracking.Tracker, error) {
	tracker := tracking.New(
		tracking.WithLogger(logger),
		tracking.WithLiveConfig(tracking.LiveConfig{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}),
		tracking.WithPlaybackMultiplier(config.PlaybackMultiplier),
	)

	if config.TrackLog != "" {
		if fi, err := os.Stat(config.TrackLog); err == nil {
			logger.Info("track log configured",
				slog.String("path", config.TrackLog),
				slog.String("size", humanize.Bytes(uint64(fi.Size()))))
		}
		if err := tracker.SetTrackLog(config.TrackLog); err != nil {
			return nil, err
		}
	}

	if err := tracker.SetMode(tracking.Mode(config.Mode)); err != nil {
		return nil, err
	}
	return tracker, nil
}

func createPublisher(config *BroadcastConfig, provider broadcast.PositionProvider, logger *slog.Logger) (*broadcast.Publisher, error) {
	publisher := broadcast.New(provider, broadcast.WithLogger(logger))

	publisher.SetMessageType(config.MessageType)
	if err := publisher.SetPort(config.Port); err != nil {
		return nil, err
	}
	publisher.SetFrequency(time.Duration(config.FrequencyMs) * time.Millisecond)

	if config.UseCurrentLocation != nil && !*config.UseCurrentLocation {
		publisher.SetUseCurrentLocation(false)
		if loc := config.Location; loc != nil {
			if loc.Altitude != nil {
				publisher.SetLocation(geo.NewPosition3D(loc.Longitude, loc.Latitude, *loc.Altitude))
			} else {
				publisher.SetLocation(geo.NewPosition(loc.Longitude, loc.Latitude))
			}
		}
	}

	if config.Enabled {
		if err := publisher.SetEnabled(true); err != nil && !errors.Is(err, broadcast.ErrNotConfigured) {
			return nil, err
		}
	}
	return publisher, nil
}
