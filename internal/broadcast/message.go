package broadcast

import (
	"encoding/json"
	"time"

	"github.com/navlink/geobeacon/internal/geo"
)

const (
	// ActionUpdate marks a message that updates an existing entity on
	// the consumer's display rather than creating a new one.
	ActionUpdate = "update"

	// locationSymbolID is the friendly symbol identifier attached to
	// every location broadcast.
	locationSymbolID = "SFGPEVAL-------"
)

// Message is one location broadcast payload. A fresh message is built for
// every tick from the current state; messages are never reused across
// ticks. The ID stays stable for the lifetime of a publisher so consumers
// can key their display entity on it.
type Message struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Action      string       `json:"action"`
	SymbolID    string       `json:"sic"`
	Designation string       `json:"uniqueDesignation"`
	Status911   int          `json:"status911"`
	Position    geo.Position `json:"position"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Encode renders the message into its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
