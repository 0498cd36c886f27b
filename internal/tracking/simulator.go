package tracking

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tkrajina/gpxgo/gpx"

	"github.com/navlink/geobeacon/internal/geo"
)

// defaultStepInterval paces the replay when track points carry no usable
// timestamps.
const defaultStepInterval = 500 * time.Millisecond

// trackPoint is one recorded waypoint of the replayed log.
type trackPoint struct {
	pos  geo.Position
	time time.Time
}

// simulatedProducer replays a recorded GPX track log at the pace encoded
// in the log, scaled by a playback multiplier. It advances on its own
// schedule, independent of any consumer's timer, and loops back to the
// start of the log when the last waypoint is reached.
//
// The emitted heading is the bearing of the track segment the entity is
// currently traversing.
type simulatedProducer struct {
	path       string
	multiplier float64
	sink       sink
	logger     *slog.Logger

	parse func(path string) ([]trackPoint, error) // test seam

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newSimulatedProducer(path string, multiplier float64, s sink, logger *slog.Logger) *simulatedProducer {
	if multiplier <= 0 {
		multiplier = 1
	}
	return &simulatedProducer{
		path:       path,
		multiplier: multiplier,
		sink:       s,
		logger:     logger,
		parse:      parseTrackLog,
	}
}

// Start loads the track log and begins the replay. A malformed, missing
// or too-short log is recoverable: the error is returned and no updates
// are emitted.
func (p *simulatedProducer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	points, err := p.parse(p.path)
	if err != nil {
		return fmt.Errorf("loading track log %s: %w", p.path, err)
	}
	if len(points) < 2 {
		return fmt.Errorf("track log %s: need at least 2 distinct waypoints, got %d", p.path, len(points))
	}

	p.running = true
	p.stop = make(chan struct{})

	p.wg.Add(1)
	go p.replay(points, p.stop)

	p.logger.Info("track log replay started",
		slog.String("path", p.path),
		slog.Int("waypoints", len(points)),
		slog.Float64("multiplier", p.multiplier))
	return nil
}

// Stop halts the replay and waits for delivery to cease.
func (p *simulatedProducer) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop := p.stop
	p.mu.Unlock()

	close(stop)
	p.wg.Wait()
}

func (p *simulatedProducer) replay(points []trackPoint, stop chan struct{}) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i := 0; ; i = (i + 1) % len(points) {
		current := points[i]
		next := points[(i+1)%len(points)]

		p.sink.acceptPosition(p, current.pos)
		p.sink.acceptHeading(p, geo.Bearing(current.pos, next.pos))

		timer.Reset(p.stepDelay(current, next))
		select {
		case <-stop:
			return
		case <-timer.C:
		}
	}
}

// stepDelay derives the wait before advancing to the next waypoint from
// the recorded timestamps, scaled by the playback multiplier. Waypoints
// without a usable time delta (missing timestamps, or the wrap-around
// from the last point back to the first) fall back to a fixed step.
func (p *simulatedProducer) stepDelay(current, next trackPoint) time.Duration {
	d := next.time.Sub(current.time)
	if current.time.IsZero() || next.time.IsZero() || d <= 0 {
		d = defaultStepInterval
	}
	return time.Duration(float64(d) / p.multiplier)
}

// parseTrackLog flattens every track segment of a GPX file into a single
// waypoint sequence, discarding consecutive duplicate coordinates the way
// recorded logs tend to repeat them while stationary.
func parseTrackLog(path string) ([]trackPoint, error) {
	g, err := gpx.ParseFile(path)
	if err != nil {
		return nil, err
	}

	var points []trackPoint
	for _, track := range g.Tracks {
		for _, segment := range track.Segments {
			for _, pt := range segment.Points {
				var pos geo.Position
				if pt.Elevation.NotNull() {
					pos = geo.NewPosition3D(pt.Longitude, pt.Latitude, pt.Elevation.Value())
				} else {
					pos = geo.NewPosition(pt.Longitude, pt.Latitude)
				}
				if !pos.IsValid() {
					continue
				}
				if n := len(points); n > 0 &&
					points[n-1].pos.Longitude == pos.Longitude &&
					points[n-1].pos.Latitude == pos.Latitude {
					continue
				}
				points = append(points, trackPoint{pos: pos, time: pt.Timestamp})
			}
		}
	}
	return points, nil
}
