package tracking

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/navlink/geobeacon/internal/geo"
)

// fakeProducer is a controllable producer for tracker tests.
type fakeProducer struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
}

func (f *fakeProducer) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeProducer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeProducer) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// newTestTracker wires a tracker to fake producers and returns all three.
func newTestTracker(t *testing.T) (*Tracker, *fakeProducer, *fakeProducer) {
	t.Helper()

	live := &fakeProducer{}
	sim := &fakeProducer{}

	tr := New()
	tr.newLive = func() producer { return live }
	tr.newSim = func(string) producer { return sim }
	return tr, live, sim
}

func TestTrackerLazyInitAndIdempotentEnable(t *testing.T) {
	tr, live, _ := newTestTracker(t)

	if tr.Enabled() {
		t.Fatal("tracker must start disabled")
	}

	if err := tr.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled(true) failed: %v", err)
	}
	if err := tr.SetEnabled(true); err != nil {
		t.Fatalf("second SetEnabled(true) failed: %v", err)
	}

	starts, stops := live.counts()
	if starts != 1 || stops != 0 {
		t.Errorf("expected 1 start, 0 stops, got %d/%d", starts, stops)
	}

	if err := tr.SetEnabled(false); err != nil {
		t.Fatalf("SetEnabled(false) failed: %v", err)
	}
	if err := tr.SetEnabled(false); err != nil {
		t.Fatalf("second SetEnabled(false) failed: %v", err)
	}

	starts, stops = live.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("expected 1 start, 1 stop, got %d/%d", starts, stops)
	}
}

func TestTrackerCanonicalStateFollowsLatestValidFix(t *testing.T) {
	tr, live, _ := newTestTracker(t)
	if err := tr.SetEnabled(true); err != nil {
		t.Fatal(err)
	}

	first := geo.NewPosition(-117.1, 34.0)
	second := geo.NewPosition3D(-117.2, 34.1, 250)

	tr.acceptPosition(live, first)
	if pos, ok := tr.Position(); !ok || pos != first {
		t.Fatalf("expected canonical position %+v, got %+v (ok=%v)", first, pos, ok)
	}

	tr.acceptPosition(live, second)
	if pos, _ := tr.Position(); pos != second {
		t.Fatalf("expected canonical position %+v, got %+v", second, pos)
	}

	// Invalid fixes never alter canonical state.
	tr.acceptPosition(live, geo.NewPosition(math.NaN(), 34.0))
	tr.acceptPosition(live, geo.NewPosition(999, 34.0))
	if pos, _ := tr.Position(); pos != second {
		t.Fatalf("invalid fix altered canonical state: %+v", pos)
	}

	tr.acceptHeading(live, math.NaN())
	if _, ok := tr.Heading(); ok {
		t.Fatal("invalid heading reading must not be recorded")
	}
}

func TestTrackerModeSwitchIsHardCut(t *testing.T) {
	tr, live, sim := newTestTracker(t)
	if err := tr.SetTrackLog("track.gpx"); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetEnabled(true); err != nil {
		t.Fatal(err)
	}

	livePos := geo.NewPosition(-117.1, 34.0)
	tr.acceptPosition(live, livePos)

	if err := tr.SetMode(ModeSimulated); err != nil {
		t.Fatalf("SetMode(simulated) failed: %v", err)
	}
	if _, stops := live.counts(); stops != 1 {
		t.Error("switching mode must stop the previous producer")
	}
	if starts, _ := sim.counts(); starts != 1 {
		t.Error("switching mode must start the new producer")
	}

	// A straggler from the stopped producer is rejected.
	tr.acceptPosition(live, geo.NewPosition(0, 0))
	if pos, _ := tr.Position(); pos != livePos {
		t.Fatalf("straggler from stopped producer mutated state: %+v", pos)
	}

	simPos := geo.NewPosition(10, 20)
	tr.acceptPosition(sim, simPos)
	if pos, _ := tr.Position(); pos != simPos {
		t.Fatalf("active producer update rejected: %+v", pos)
	}

	// Idempotent for the current mode.
	if err := tr.SetMode(ModeSimulated); err != nil {
		t.Fatal(err)
	}
	if starts, _ := sim.counts(); starts != 1 {
		t.Error("SetMode for the current mode must not restart the producer")
	}
}

func TestTrackerSimulatedModeRequiresTrackLog(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	if err := tr.SetMode(ModeSimulated); !errors.Is(err, ErrNoTrackLog) {
		t.Fatalf("expected ErrNoTrackLog, got %v", err)
	}
	if tr.Mode() != ModeLive {
		t.Error("failed mode switch must not change the mode")
	}

	if err := tr.SetMode("warp"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestTrackerDefaultTrackLog(t *testing.T) {
	live := &fakeProducer{}
	sim := &fakeProducer{}

	tr := New(WithDefaultTrackLog("default.gpx"))
	tr.newLive = func() producer { return live }
	var simPath string
	tr.newSim = func(path string) producer {
		simPath = path
		return sim
	}

	if err := tr.SetMode(ModeSimulated); err != nil {
		t.Fatalf("default track log should satisfy simulated mode: %v", err)
	}
	if err := tr.SetEnabled(true); err != nil {
		t.Fatal(err)
	}
	if simPath != "default.gpx" {
		t.Errorf("simulator loaded %q, want the packaged default", simPath)
	}

	// An explicit log overrides the default and restarts the simulator.
	if err := tr.SetTrackLog("mounted.gpx"); err != nil {
		t.Fatal(err)
	}
	if simPath != "mounted.gpx" {
		t.Errorf("simulator loaded %q, want the explicit log", simPath)
	}
	if _, stops := sim.counts(); stops != 1 {
		t.Error("replacing the log of a running simulator must restart it")
	}
}

func TestTrackerSetTrackLogWhileInactiveTakesEffectLater(t *testing.T) {
	tr, _, sim := newTestTracker(t)

	var simPath string
	tr.newSim = func(path string) producer {
		simPath = path
		return sim
	}

	if err := tr.SetTrackLog("z.gpx"); err != nil {
		t.Fatal(err)
	}
	if starts, _ := sim.counts(); starts != 0 {
		t.Fatal("setting the log while simulated mode is inactive must not start anything")
	}

	if err := tr.SetMode(ModeSimulated); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetEnabled(true); err != nil {
		t.Fatal(err)
	}
	if simPath != "z.gpx" {
		t.Errorf("simulator loaded %q, want z.gpx", simPath)
	}
}

func TestTrackerRelativeHeading(t *testing.T) {
	tr, live, _ := newTestTracker(t)
	if err := tr.SetEnabled(true); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var published [][2]float64
	tr.OnHeading(func(absolute, relative float64) {
		mu.Lock()
		published = append(published, [2]float64{absolute, relative})
		mu.Unlock()
	})

	tr.acceptHeading(live, 10)
	tr.SetViewerHeading(50)

	if got := tr.RelativeHeading(); math.Abs(got-320) > 1e-9 {
		t.Errorf("RelativeHeading = %v, want 320 ((10-50) mod 360)", got)
	}

	mu.Lock()
	count := len(published)
	last := published[count-1]
	mu.Unlock()
	if count != 2 {
		t.Fatalf("expected 2 heading notifications, got %d", count)
	}
	if last[0] != 10 || math.Abs(last[1]-320) > 1e-9 {
		t.Errorf("published (%v, %v), want (10, 320)", last[0], last[1])
	}

	// Sub-threshold viewer jitter is not republished.
	tr.SetViewerHeading(50.05)
	tr.SetViewerHeading(49.95)
	mu.Lock()
	jitterCount := len(published)
	mu.Unlock()
	if jitterCount != count {
		t.Error("viewer-heading jitter below 0.1 degrees must not republish")
	}

	// A change above the threshold republishes immediately.
	tr.SetViewerHeading(50.2)
	mu.Lock()
	afterCount := len(published)
	mu.Unlock()
	if afterCount != count+1 {
		t.Error("viewer-heading change above 0.1 degrees must republish")
	}
}

func TestTrackerHeadingNormalized(t *testing.T) {
	tr, live, _ := newTestTracker(t)
	if err := tr.SetEnabled(true); err != nil {
		t.Fatal(err)
	}

	tr.acceptHeading(live, 450)
	if h, ok := tr.Heading(); !ok || math.Abs(h-90) > 1e-9 {
		t.Errorf("Heading = %v (ok=%v), want 90", h, ok)
	}
}

func TestTrackerProducerStartFailureIsRecoverable(t *testing.T) {
	tr, live, _ := newTestTracker(t)
	live.startErr = errors.New("no positioning hardware")

	if err := tr.SetEnabled(true); err == nil {
		t.Fatal("expected a recoverable error from SetEnabled")
	}
	if !tr.Enabled() {
		t.Error("tracker stays enabled with no data after a producer failure")
	}
	if _, ok := tr.Position(); ok {
		t.Error("no position must be known after a failed start")
	}
	if err := tr.SetEnabled(false); err != nil {
		t.Fatalf("disable after failure: %v", err)
	}
}
