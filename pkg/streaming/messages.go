// Package streaming defines the wire protocol for the realtime vehicle
// channel. The server emits vehicle-update events carrying the full vehicle
// array; clients emit update-location events for externally-driven reports.
package streaming

import (
	"encoding/json"

	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// Event type constants for the realtime channel.
const (
	TypeVehicleUpdate  = "vehicle-update"
	TypeUpdateLocation = "update-location"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// LocationReport is the payload of an update-location event: an
// externally-driven position report (e.g. from a driver device) that
// bypasses the motion simulator.
type LocationReport struct {
	ID       string        `json:"id"`
	Location core.Position `json:"location"`
	Heading  *float64      `json:"heading,omitempty"`
}

// MarshalVehicleUpdate builds a JSON-encoded vehicle-update envelope from a
// vehicle snapshot.
func MarshalVehicleUpdate(vehicles []core.Vehicle) ([]byte, error) {
	raw, err := json.Marshal(vehicles)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeVehicleUpdate, Payload: raw})
}
