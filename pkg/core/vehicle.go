// pkg/core/vehicle.go
package core

import "time"

// VehicleType categorizes a vehicle. Inert to the simulation, passed through.
type VehicleType string

const (
	TypeBus         VehicleType = "bus"
	TypeVan         VehicleType = "van"
	TypeSpecialized VehicleType = "specialized"
)

// Valid reports whether t is a known vehicle type.
func (t VehicleType) Valid() bool {
	switch t {
	case TypeBus, TypeVan, TypeSpecialized:
		return true
	}
	return false
}

// VehicleStatus is the operational state of a vehicle. Only active vehicles
// with both trip endpoints set are advanced by the motion simulator.
type VehicleStatus string

const (
	StatusActive       VehicleStatus = "active"
	StatusInactive     VehicleStatus = "inactive"
	StatusMaintenance  VehicleStatus = "maintenance"
	StatusOutOfService VehicleStatus = "out-of-service"
)

// Valid reports whether s is a known vehicle status.
func (s VehicleStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance, StatusOutOfService:
		return true
	}
	return false
}

// DefaultSpeedKmh is applied when a vehicle is created or loaded without a speed.
const DefaultSpeedKmh = 30.0

// Position is a WGS84 coordinate pair.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Polyline is an ordered sequence of waypoints approximating a
// road-following path between two coordinates.
type Polyline []Position

// Clone returns an independent copy of the polyline.
func (p Polyline) Clone() Polyline {
	if p == nil {
		return nil
	}
	out := make(Polyline, len(p))
	copy(out, p)
	return out
}

// Vehicle is the authoritative record for a single fleet vehicle.
// Location and Heading are mutated by the motion simulator or by an
// explicit location report; StartLocation and EndLocation are fixed for
// the current trip and only change on retarget.
type Vehicle struct {
	ID            string        `json:"id"`
	VehicleID     string        `json:"vehicleId"`
	Type          VehicleType   `json:"type"`
	Capacity      int           `json:"capacity,omitempty"`
	Status        VehicleStatus `json:"status"`
	SpeedKmh      float64       `json:"speed"`
	Heading       float64       `json:"heading"`
	Location      *Position     `json:"location,omitempty"`
	StartLocation *Position     `json:"startLocation,omitempty"`
	EndLocation   *Position     `json:"endLocation,omitempty"`
	RoutePoints   Polyline      `json:"routePoints,omitempty"`
	LastUpdated   time.Time     `json:"lastUpdated"`
}

// Clone returns a deep copy so snapshots are immune to later mutation.
func (v Vehicle) Clone() Vehicle {
	out := v
	out.Location = clonePos(v.Location)
	out.StartLocation = clonePos(v.StartLocation)
	out.EndLocation = clonePos(v.EndLocation)
	out.RoutePoints = v.RoutePoints.Clone()
	return out
}

func clonePos(p *Position) *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// HasEndpoints reports whether both trip endpoints are set.
func (v Vehicle) HasEndpoints() bool {
	return v.StartLocation != nil && v.EndLocation != nil
}

// CanSimulate reports whether the vehicle meets the start conditions for a
// simulation task: active, both endpoints set, and a positive speed.
func (v Vehicle) CanSimulate() bool {
	return v.Status == StatusActive && v.HasEndpoints() && v.SpeedKmh > 0
}

// Normalize fills in defaults for records written by older versions of the
// state file: missing speed gets DefaultSpeedKmh, heading stays in [0, 360).
func (v *Vehicle) Normalize() {
	if v.SpeedKmh <= 0 {
		v.SpeedKmh = DefaultSpeedKmh
	}
	if v.Heading < 0 || v.Heading >= 360 {
		v.Heading = 0
	}
	if !v.Status.Valid() {
		v.Status = StatusInactive
	}
}
