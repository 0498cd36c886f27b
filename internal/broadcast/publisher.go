package broadcast

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/navlink/geobeacon/internal/geo"
)

// DefaultFrequency is the broadcast repeat interval used until one is
// configured explicitly.
const DefaultFrequency = 3000 * time.Millisecond

// ErrNotConfigured is returned when the publisher is enabled before a
// message type and destination port have been set.
var ErrNotConfigured = errors.New("broadcast requires a message type and port")

// PositionProvider yields the latest known position of the tracked
// entity. The boolean is false until a first fix has been received.
type PositionProvider interface {
	Position() (geo.Position, bool)
}

// WithLogger sets the logger for the publisher.
func WithLogger(logger *slog.Logger) func(*Publisher) {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithSenderFactory replaces the transport used for outgoing messages.
// The default opens a UDP broadcast socket on the configured port.
func WithSenderFactory(factory func(port int) (Sender, error)) func(*Publisher) {
	return func(p *Publisher) {
		p.newSender = factory
	}
}

// WithDesignation overrides the unique designation attached to outgoing
// messages. The default is the local hostname.
func WithDesignation(designation string) func(*Publisher) {
	return func(p *Publisher) {
		p.designation = designation
	}
}

// Publisher broadcasts the current location at a fixed cadence over a
// connectionless transport. It starts disabled; enabling it starts an
// interval timer, and every tick packages the position to use (the
// provider's latest state, or a manually supplied one) into a fresh
// Message and hands it to the sender, fire-and-forget.
//
// Ticks that fire before any position is known are skipped silently.
// Delivery is never verified; a dropped datagram is recovered by the
// next tick.
type Publisher struct {
	logger      *slog.Logger
	provider    PositionProvider
	newSender   func(port int) (Sender, error)
	designation string
	id          string

	ctl sync.Mutex // serializes lifecycle transitions

	mu          sync.Mutex // guards the fields below
	enabled     bool
	messageType string
	port        int
	frequency   time.Duration
	useCurrent  bool
	manual      geo.Position
	hasManual   bool
	inDistress  bool
	sender      Sender
	lastMessage Message
	hasMessage  bool
	stop        chan struct{}

	wg sync.WaitGroup
}

// New creates a disabled publisher tracking the given provider. The
// message type and port must be configured before enabling.
func New(provider PositionProvider, options ...func(*Publisher)) *Publisher {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	p := Publisher{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		provider:    provider,
		designation: hostname,
		id:          uuid.NewString(),
		frequency:   DefaultFrequency,
		useCurrent:  true,
	}
	p.newSender = func(port int) (Sender, error) {
		return NewUDPSender(port)
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// SetEnabled starts or stops the broadcast timer. Both directions are
// idempotent, and toggling preserves the configured interval. Disabling
// lets an in-flight send complete but schedules no further ticks.
func (p *Publisher) SetEnabled(enabled bool) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	return p.setEnabled(enabled)
}

// Enabled reports whether the broadcast timer is running.
func (p *Publisher) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetMessageType sets the tag consumed by downstream message parsers.
// Clearing the tag disables the broadcast.
func (p *Publisher) SetMessageType(messageType string) {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	if p.messageType == messageType {
		p.mu.Unlock()
		return
	}
	p.messageType = messageType
	p.mu.Unlock()

	if messageType == "" {
		_ = p.setEnabled(false)
	}
}

// SetPort changes the destination port. The transport is reopened on the
// next enable, or immediately when the publisher is running. A
// non-positive port disables the broadcast.
func (p *Publisher) SetPort(port int) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	if p.port == port {
		p.mu.Unlock()
		return nil
	}
	p.port = port
	old := p.sender
	p.sender = nil
	running := p.enabled
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if port <= 0 {
		return p.setEnabled(false)
	}
	if !running {
		return nil
	}

	sender, err := p.newSender(port)
	if err != nil {
		_ = p.setEnabled(false)
		return fmt.Errorf("reopening transport on port %d: %w", port, err)
	}

	p.mu.Lock()
	p.sender = sender
	p.mu.Unlock()
	return nil
}

// SetFrequency changes the repeat interval. A running timer is restarted;
// time already elapsed toward the next tick is not preserved.
func (p *Publisher) SetFrequency(frequency time.Duration) {
	if frequency <= 0 {
		return
	}

	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	if p.frequency == frequency {
		p.mu.Unlock()
		return
	}
	p.frequency = frequency
	running := p.enabled
	p.mu.Unlock()

	if running {
		p.stopLoop()
		p.startLoop()
	}
}

// SetUseCurrentLocation selects between tracking the provider's state
// (true, the default) and broadcasting a fixed manual position.
func (p *Publisher) SetUseCurrentLocation(useCurrent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.useCurrent = useCurrent
}

// SetLocation supplies the fixed position used when the publisher is not
// tracking the provider. It is ignored while useCurrentLocation is true.
// When the publisher is enabled the new position is broadcast right away
// rather than waiting for the next tick.
func (p *Publisher) SetLocation(pos geo.Position) {
	p.mu.Lock()
	if p.useCurrent {
		p.mu.Unlock()
		return
	}
	p.manual = pos
	p.hasManual = true
	p.mu.Unlock()

	p.broadcast()
}

// SetInDistress toggles the distress marker on outgoing messages.
// Entering distress while the broadcast is off turns it on.
func (p *Publisher) SetInDistress(inDistress bool) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	if p.inDistress == inDistress {
		p.mu.Unlock()
		return nil
	}
	p.inDistress = inDistress
	enabled := p.enabled
	p.mu.Unlock()

	if inDistress && !enabled {
		return p.setEnabled(true)
	}
	return nil
}

// Message returns the most recently constructed message without forcing a
// send, and whether one has been built yet.
func (p *Publisher) Message() (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMessage, p.hasMessage
}

// Close stops the broadcast and releases the transport.
func (p *Publisher) Close() error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	if err := p.setEnabled(false); err != nil {
		return err
	}

	p.mu.Lock()
	sender := p.sender
	p.sender = nil
	p.mu.Unlock()

	if sender != nil {
		return sender.Close()
	}
	return nil
}

// setEnabled performs the state transition. Callers hold p.ctl.
func (p *Publisher) setEnabled(enabled bool) error {
	p.mu.Lock()
	if p.enabled == enabled {
		p.mu.Unlock()
		return nil
	}

	if !enabled {
		p.enabled = false
		p.mu.Unlock()
		p.stopLoop()
		p.logger.Info("location broadcast stopped")
		return nil
	}

	if p.messageType == "" || p.port <= 0 {
		p.mu.Unlock()
		return ErrNotConfigured
	}

	if p.sender == nil {
		port := p.port
		p.mu.Unlock()
		sender, err := p.newSender(port)
		if err != nil {
			return fmt.Errorf("opening transport on port %d: %w", port, err)
		}
		p.mu.Lock()
		p.sender = sender
	}

	p.enabled = true
	messageType, port, frequency := p.messageType, p.port, p.frequency
	p.mu.Unlock()

	p.startLoop()
	p.logger.Info("location broadcast started",
		slog.String("messageType", messageType),
		slog.Int("port", port),
		slog.Duration("frequency", frequency))
	return nil
}

// startLoop spawns the tick goroutine at the configured frequency.
// Callers hold p.ctl.
func (p *Publisher) startLoop() {
	p.mu.Lock()
	stop := make(chan struct{})
	p.stop = stop
	frequency := p.frequency
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(stop, frequency)
}

// stopLoop halts the tick goroutine and waits for an in-flight tick to
// complete. Callers hold p.ctl.
func (p *Publisher) stopLoop() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		p.wg.Wait()
	}
}

func (p *Publisher) run(stop chan struct{}, frequency time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(frequency)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.broadcast()
		}
	}
}

// broadcast builds a fresh message from the current state and hands it to
// the transport. It does nothing while disabled, and skips silently when
// no position is known yet.
func (p *Publisher) broadcast() {
	p.mu.Lock()
	if !p.enabled || p.sender == nil {
		p.mu.Unlock()
		return
	}

	pos, ok := p.targetPosition()
	if !ok {
		p.mu.Unlock()
		return // source not warmed up yet, skip this tick
	}

	status911 := 0
	if p.inDistress {
		status911 = 1
	}

	msg := Message{
		ID:          p.id,
		Type:        p.messageType,
		Action:      ActionUpdate,
		SymbolID:    locationSymbolID,
		Designation: p.designation,
		Status911:   status911,
		Position:    pos,
		Timestamp:   time.Now().UTC(),
	}
	p.lastMessage = msg
	p.hasMessage = true
	sender := p.sender
	p.mu.Unlock()

	payload, err := msg.Encode()
	if err != nil {
		p.logger.Error("encoding broadcast message", slog.String("error", err.Error()))
		return
	}

	if err := sender.Send(payload); err != nil {
		// Fire-and-forget: log and move on, the next tick retries.
		p.logger.Warn("sending broadcast message", slog.String("error", err.Error()))
	}
}

// targetPosition picks the position for the next message: the manual one
// when not tracking the provider, the provider's latest state otherwise.
// Callers hold p.mu.
func (p *Publisher) targetPosition() (geo.Position, bool) {
	if !p.useCurrent {
		if !p.hasManual {
			return geo.Position{}, false
		}
		return p.manual, true
	}
	if p.provider == nil {
		return geo.Position{}, false
	}
	return p.provider.Position()
}
