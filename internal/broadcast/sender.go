package broadcast

import (
	"fmt"
	"net"
)

// Sender delivers one encoded message, fire-and-forget. Implementations
// must not block on acknowledgment; a lost datagram is simply a missed
// update, recovered by the next tick.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

// UDPSender broadcasts datagrams to every listener on the local network
// segment at the configured port.
type UDPSender struct {
	conn *net.UDPConn
}

// NewUDPSender opens a connectionless socket aimed at the IPv4 broadcast
// address on the given port.
func NewUDPSender(port int) (*UDPSender, error) {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("255.255.255.255:%d", port))
	if err != nil {
		return nil, fmt.Errorf("resolving broadcast address: %w", err)
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("opening broadcast socket: %w", err)
	}

	return &UDPSender{conn: conn}, nil
}

func (s *UDPSender) Send(payload []byte) error {
	_, err := s.conn.Write(payload)
	return err
}

func (s *UDPSender) Close() error {
	return s.conn.Close()
}
