package history

import (
	"time"

	"gorm.io/datatypes"
)

// Models lists every table the history schema migrates.
var Models = []interface{}{
	&VehicleState{},
}

// VehicleState is one recorded position sample. Rows are append-only;
// the recorder batches them and the flush worker inserts whole batches.
type VehicleState struct {
	ID        uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	Time      time.Time `json:"time" gorm:"type:timestamptz;index:idx_vehiclestate_time"`
	VehicleID string    `json:"vehicleId" gorm:"size:64;index:idx_vehiclestate_vehicle_id"`
	Fleet     string    `json:"fleet" gorm:"size:32"` // transit authority vehicle number
	Type      string    `json:"type" gorm:"size:16"`
	Status    string    `json:"status" gorm:"size:16"`
	Event     string    `json:"event" gorm:"size:16;index:idx_vehiclestate_event"` // tick, arrival, update

	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Heading  float64 `json:"heading"`
	SpeedKmh float64 `json:"speed"`

	// Remaining route at sample time, GeoJSON-style [[lng,lat],...].
	Route datatypes.JSON `json:"route,omitempty"`
}

func (*VehicleState) TableName() string {
	return "vehicle_states"
}
