package tracking

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/adrianmo/go-nmea"
	"github.com/jacobsa/go-serial/serial"

	"github.com/navlink/geobeacon/internal/geo"
)

const (
	// rmcValidity marks an RMC sentence carrying a usable fix.
	rmcValidity = "A"

	// fixQualityInvalid is the GGA quality indicator for "no fix".
	fixQualityInvalid = "0"
)

// LiveConfig describes the serial device delivering NMEA sentences from
// the positioning receiver and compass.
type LiveConfig struct {
	PortName string
	BaudRate uint
}

// liveProducer reads NMEA sentences from a serial port and pushes
// validated fixes and compass headings into the tracker.
//
// RMC sentences yield 2-D fixes, GGA sentences yield 3-D fixes, and
// HDT/HDG sentences carry the compass azimuth. Anything that fails to
// parse or validate is dropped without touching the last good state.
type liveProducer struct {
	config LiveConfig
	sink   sink
	logger *slog.Logger

	open func() (io.ReadCloser, error) // test seam, defaults to the serial port

	mu      sync.Mutex
	port    io.ReadCloser
	running bool
	wg      sync.WaitGroup
}

func newLiveProducer(config LiveConfig, s sink, logger *slog.Logger) *liveProducer {
	p := liveProducer{
		config: config,
		sink:   s,
		logger: logger,
	}
	p.open = func() (io.ReadCloser, error) {
		return serial.Open(serial.OpenOptions{
			PortName:        config.PortName,
			BaudRate:        config.BaudRate,
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
		})
	}
	return &p
}

// Start opens the device and begins delivering updates. A missing or
// unreadable device is recoverable: the error is returned and no updates
// are emitted.
func (p *liveProducer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	port, err := p.open()
	if err != nil {
		return fmt.Errorf("opening positioning device %s: %w", p.config.PortName, err)
	}

	p.port = port
	p.running = true

	p.wg.Add(1)
	go p.readLoop(port)

	p.logger.Info("live source started", slog.String("port", p.config.PortName))
	return nil
}

// Stop closes the device, which unblocks the read loop, and waits for
// delivery to cease. No further updates are scheduled after Stop returns.
func (p *liveProducer) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	port := p.port
	p.port = nil
	p.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
	p.wg.Wait()
}

func (p *liveProducer) readLoop(port io.ReadCloser) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "$") {
			continue
		}
		p.handleSentence(line)
	}

	// EOF or a closed port: the producer simply yields no further data.
	if err := scanner.Err(); err != nil {
		p.logger.Warn("live source read ended", slog.String("error", err.Error()))
	}
}

func (p *liveProducer) handleSentence(line string) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return // noisy receivers produce partial sentences; drop them
	}

	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if string(m.Validity) != rmcValidity {
			return
		}
		p.sink.acceptPosition(p, geo.NewPosition(m.Longitude, m.Latitude))

	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if string(m.FixQuality) == fixQualityInvalid {
			return
		}
		p.sink.acceptPosition(p, geo.NewPosition3D(m.Longitude, m.Latitude, m.Altitude))

	case nmea.TypeHDT:
		m := sentence.(nmea.HDT)
		p.sink.acceptHeading(p, m.Heading)

	case nmea.TypeHDG:
		m := sentence.(nmea.HDG)
		p.sink.acceptHeading(p, m.Heading)
	}
}
