package sim

import (
	"sync"

	"github.com/Hakibbumbus/transitapp/internal/geo"
	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// task is the runtime handle for one vehicle's simulation. It owns a
// per-run working copy of the route: the simulator interpolates the
// "current" waypoint in place, and the fetched path stored on the vehicle
// is never mutated.
type task struct {
	id       string
	speedKmh float64
	points   core.Polyline
	idx      int

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// newTask builds a task resuming from the waypoint nearest the vehicle's
// current location, so a restart after a pause or reload does not rewind
// progress.
func newTask(v core.Vehicle) *task {
	points := v.RoutePoints.Clone()
	idx := 0
	if v.Location != nil {
		if i := geo.NearestIndex(points, *v.Location); i >= 0 {
			idx = i
		}
	}
	return &task{
		id:       v.ID,
		speedKmh: v.SpeedKmh,
		points:   points,
		idx:      idx,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// stop requests cancellation. Safe to call more than once.
func (t *task) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
