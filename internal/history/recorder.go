package history

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/Hakibbumbus/transitapp/internal/queue"
	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// Sink receives drained batches. Satisfied by Manager.
type Sink interface {
	InsertBatch(rows []VehicleState) error
}

// Recorder accumulates state samples in memory and flushes them to the
// sink on an interval. Record never blocks on the database.
type Recorder struct {
	sink     Sink
	logger   zerolog.Logger
	interval time.Duration

	pending *queue.Queue[VehicleState]

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRecorder creates a recorder flushing to sink every interval.
func NewRecorder(sink Sink, logger zerolog.Logger, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Recorder{
		sink:     sink,
		logger:   logger,
		interval: interval,
		pending:  queue.New[VehicleState](),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Record queues one sample for the vehicle. Event tags the cause of the
// sample: tick, arrival, or update.
func (r *Recorder) Record(v core.Vehicle, event string) {
	row := VehicleState{
		Time:      time.Now().UTC(),
		VehicleID: v.ID,
		Fleet:     v.VehicleID,
		Type:      string(v.Type),
		Status:    string(v.Status),
		Event:     event,
		Heading:   v.Heading,
		SpeedKmh:  v.SpeedKmh,
	}
	if v.Location != nil {
		row.Lat = v.Location.Lat
		row.Lng = v.Location.Lng
	}
	if len(v.RoutePoints) > 0 {
		coords := make([][]float64, len(v.RoutePoints))
		for i, p := range v.RoutePoints {
			coords[i] = []float64{p.Lng, p.Lat}
		}
		if data, err := json.Marshal(coords); err == nil {
			row.Route = datatypes.JSON(data)
		}
	}
	r.pending.Push(row)
}

// Run flushes on the interval until Stop is called, then performs a
// final flush of whatever is still queued.
func (r *Recorder) Run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// Stop ends the flush loop and waits for the final flush.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// Pending returns the number of unflushed samples.
func (r *Recorder) Pending() int {
	return r.pending.Len()
}

func (r *Recorder) flush() {
	batch := r.pending.Drain()
	if len(batch) == 0 {
		return
	}
	if err := r.sink.InsertBatch(batch); err != nil {
		r.logger.Error().Err(err).Int("rows", len(batch)).Msg("History flush failed, requeueing")
		r.pending.Push(batch...)
		return
	}
	r.logger.Debug().Int("rows", len(batch)).Msg("Flushed history batch")
}
