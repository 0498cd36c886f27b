package tracking

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/navlink/geobeacon/internal/geo"
)

const (
	// ModeLive delivers fixes from positioning and compass hardware.
	ModeLive Mode = "live"

	// ModeSimulated replays a recorded GPX track log.
	ModeSimulated Mode = "simulated"

	// viewerHeadingThreshold is the minimum viewer-heading change, in
	// degrees, that triggers a relative-heading recompute. Smaller
	// changes are imperceptible jitter and are not republished.
	viewerHeadingThreshold = 0.1
)

var (
	// ErrNoTrackLog is returned when simulated mode is requested but no
	// track log was ever configured and no default is available.
	ErrNoTrackLog = errors.New("no track log configured for simulated mode")

	// ErrUnknownMode is returned for a mode outside {live, simulated}.
	ErrUnknownMode = errors.New("unknown source mode")
)

// Mode selects which producer feeds the tracker.
type Mode string

func (m Mode) String() string {
	return string(m)
}

// producer is a position/heading source that can be started and stopped.
// Exactly one producer is started at any instant; the tracker enforces
// this when switching modes. A producer that cannot deliver data (missing
// hardware, unreadable track log) returns an error from Start and emits
// nothing; it never terminates the process.
type producer interface {
	Start() error
	Stop()
}

// sink receives validated readings from a producer. Both methods identify
// the emitting producer so that stragglers from a stopped producer can be
// rejected after a mode switch.
type sink interface {
	acceptPosition(from producer, pos geo.Position)
	acceptHeading(from producer, heading float64)
}

// WithLogger sets the logger for the tracker and its producers.
func WithLogger(logger *slog.Logger) func(*Tracker) {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithDefaultTrackLog sets a packaged track log used by simulated mode
// when no log has been configured explicitly.
func WithDefaultTrackLog(path string) func(*Tracker) {
	return func(t *Tracker) {
		t.defaultTrackLog = path
	}
}

// WithLiveConfig sets the serial port configuration for the live producer.
func WithLiveConfig(config LiveConfig) func(*Tracker) {
	return func(t *Tracker) {
		t.liveConfig = config
	}
}

// WithPlaybackMultiplier scales the replay pace of the simulated producer.
// Values above 1 replay faster than recorded.
func WithPlaybackMultiplier(multiplier float64) func(*Tracker) {
	return func(t *Tracker) {
		if multiplier > 0 {
			t.playbackMultiplier = multiplier
		}
	}
}

// Tracker arbitrates between a live and a simulated position/heading
// producer and exposes the latest canonical state.
//
// Producers deliver readings from their own goroutines, so the canonical
// state is guarded by a mutex and read through snapshots. A separate
// control mutex serializes mode switches, enable/disable and track-log
// changes; producer shutdown happens without the state mutex held, since
// a stopping producer may be mid-delivery.
type Tracker struct {
	logger *slog.Logger

	liveConfig         LiveConfig
	defaultTrackLog    string
	playbackMultiplier float64

	// constructor seams, replaced in tests
	newLive func() producer
	newSim  func(path string) producer

	ctl      sync.Mutex // serializes control operations below
	mode     Mode
	enabled  bool
	live     producer
	sim      producer
	trackLog string

	mu            sync.Mutex // guards canonical state below
	active        producer   // started producer, nil while disabled
	position      geo.Position
	hasPosition   bool
	heading       float64
	hasHeading    bool
	viewerHeading float64

	onPosition func(geo.Position)
	onHeading  func(absolute, relative float64)
}

// New creates a tracker in live mode, disabled. Producers are constructed
// lazily the first time their mode is needed and are never torn down; only
// one is started at a time.
func New(options ...func(*Tracker)) *Tracker {
	t := Tracker{
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		mode:               ModeLive,
		playbackMultiplier: 1,
	}

	for _, option := range options {
		option(&t)
	}

	t.newLive = func() producer {
		return newLiveProducer(t.liveConfig, &t, t.logger)
	}
	t.newSim = func(path string) producer {
		return newSimulatedProducer(path, t.playbackMultiplier, &t, t.logger)
	}

	return &t
}

// OnPosition registers the callback invoked for every accepted fix.
// Register callbacks before enabling the tracker.
func (t *Tracker) OnPosition(fn func(geo.Position)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPosition = fn
}

// OnHeading registers the callback invoked whenever the absolute or
// relative heading changes.
func (t *Tracker) OnHeading(fn func(absolute, relative float64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onHeading = fn
}

// Mode returns the currently selected source mode.
func (t *Tracker) Mode() Mode {
	t.ctl.Lock()
	defer t.ctl.Unlock()
	return t.mode
}

// SetMode switches between live and simulated producers. It is idempotent
// for the current mode. The previously active producer is stopped before
// the new one starts; no interleaving guarantee is made beyond that hard
// cut. Switching to simulated mode requires a track log (configured or
// default), otherwise ErrNoTrackLog is returned and nothing changes.
func (t *Tracker) SetMode(mode Mode) error {
	t.ctl.Lock()
	defer t.ctl.Unlock()

	if mode != ModeLive && mode != ModeSimulated {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if mode == t.mode {
		return nil
	}
	if mode == ModeSimulated && t.trackLogPath() == "" {
		return ErrNoTrackLog
	}

	if t.enabled {
		t.stopActive()
	}

	t.mode = mode
	t.logger.Info("source mode changed", slog.String("mode", mode.String()))

	if t.enabled {
		return t.startForMode()
	}
	return nil
}

// SetTrackLog replaces the track log consumed by the simulated producer.
// If the simulator is currently running it restarts on the new log; an
// inactive simulator picks the log up the next time it starts.
func (t *Tracker) SetTrackLog(path string) error {
	t.ctl.Lock()
	defer t.ctl.Unlock()

	if path == t.trackLog {
		return nil
	}
	t.trackLog = path

	restart := t.sim != nil && t.isActive(t.sim)
	t.sim = nil // next start loads the new log

	if restart {
		t.stopActive()
		return t.startForMode()
	}
	return nil
}

// TrackLog returns the configured track log path, falling back to the
// packaged default.
func (t *Tracker) TrackLog() string {
	t.ctl.Lock()
	defer t.ctl.Unlock()
	return t.trackLogPath()
}

// SetEnabled starts or stops update delivery from the producer selected by
// the current mode. Enabling when already enabled is a no-op, as is
// disabling when already disabled. A producer that fails to start leaves
// the tracker enabled but yielding no data; the error is returned so the
// caller may surface a stale-data indicator.
func (t *Tracker) SetEnabled(enabled bool) error {
	t.ctl.Lock()
	defer t.ctl.Unlock()

	if enabled == t.enabled {
		return nil
	}

	if !enabled {
		t.stopActive()
		t.enabled = false
		return nil
	}

	t.enabled = true
	return t.startForMode()
}

// Enabled reports whether update delivery is active.
func (t *Tracker) Enabled() bool {
	t.ctl.Lock()
	defer t.ctl.Unlock()
	return t.enabled
}

// SetViewerHeading updates the viewer orientation baseline used to derive
// relative heading. Changes of 0.1 degrees or less are ignored to avoid
// flooding consumers with imperceptible jitter; larger changes recompute
// and republish the relative heading immediately.
func (t *Tracker) SetViewerHeading(deg float64) {
	if !geo.IsValidHeading(deg) {
		return
	}

	t.mu.Lock()
	if math.Abs(deg-t.viewerHeading) <= viewerHeadingThreshold {
		t.mu.Unlock()
		return
	}
	t.viewerHeading = deg

	fire := t.hasHeading
	absolute := t.heading
	relative := geo.NormalizeHeading(absolute - deg)
	fn := t.onHeading
	t.mu.Unlock()

	if fire && fn != nil {
		fn(absolute, relative)
	}
}

// Position returns the latest canonical position and whether one has been
// received yet. This is the snapshot consumed by the publisher on each
// tick.
func (t *Tracker) Position() (geo.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position, t.hasPosition
}

// Heading returns the latest absolute heading and whether one has been
// received yet.
func (t *Tracker) Heading() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heading, t.hasHeading
}

// RelativeHeading returns the absolute heading minus the viewer heading,
// normalized to [0, 360).
func (t *Tracker) RelativeHeading() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return geo.NormalizeHeading(t.heading - t.viewerHeading)
}

// trackLogPath resolves the effective track log path. Callers hold t.ctl.
func (t *Tracker) trackLogPath() string {
	if t.trackLog != "" {
		return t.trackLog
	}
	return t.defaultTrackLog
}

// startForMode lazily constructs the producer for the current mode and
// starts it. Callers hold t.ctl.
func (t *Tracker) startForMode() error {
	var p producer
	switch t.mode {
	case ModeSimulated:
		path := t.trackLogPath()
		if path == "" {
			return ErrNoTrackLog
		}
		if t.sim == nil {
			t.sim = t.newSim(path)
		}
		p = t.sim
	default:
		if t.live == nil {
			t.live = t.newLive()
		}
		p = t.live
	}

	t.setActive(p)
	if err := p.Start(); err != nil {
		// Recoverable: the producer emits nothing, the tracker stays
		// enabled and simply has no data.
		t.logger.Warn("source produced no data",
			slog.String("mode", t.mode.String()),
			slog.String("error", err.Error()))
		t.setActive(nil)
		return err
	}
	return nil
}

// stopActive detaches and stops the active producer. The state mutex is
// released before Stop, which waits for the producer's delivery goroutine.
// Callers hold t.ctl.
func (t *Tracker) stopActive() {
	t.mu.Lock()
	p := t.active
	t.active = nil
	t.mu.Unlock()

	if p != nil {
		p.Stop()
	}
}

func (t *Tracker) setActive(p producer) {
	t.mu.Lock()
	t.active = p
	t.mu.Unlock()
}

func (t *Tracker) isActive(p producer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active == p
}

// acceptPosition records a validated fix from a producer. Readings from a
// producer that is no longer active are discarded, which makes a mode
// switch a hard cut.
func (t *Tracker) acceptPosition(from producer, pos geo.Position) {
	if !pos.IsValid() {
		return
	}

	t.mu.Lock()
	if t.active != from {
		t.mu.Unlock()
		return
	}
	t.position = pos
	t.hasPosition = true
	fn := t.onPosition
	t.mu.Unlock()

	if fn != nil {
		fn(pos)
	}
}

// acceptHeading records a validated heading reading from a producer and
// derives the relative heading against the viewer baseline.
func (t *Tracker) acceptHeading(from producer, heading float64) {
	if !geo.IsValidHeading(heading) {
		return
	}

	t.mu.Lock()
	if t.active != from {
		t.mu.Unlock()
		return
	}
	absolute := geo.NormalizeHeading(heading)
	t.heading = absolute
	t.hasHeading = true
	relative := geo.NormalizeHeading(absolute - t.viewerHeading)
	fn := t.onHeading
	t.mu.Unlock()

	if fn != nil {
		fn(absolute, relative)
	}
}
