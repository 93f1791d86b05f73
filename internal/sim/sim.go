// Package sim advances active vehicles along their routes. Each eligible
// vehicle has exactly one periodic task that moves its position a
// speed-proportional distance per tick, recomputes heading, writes the
// result back to the store, and notifies the broadcast hub.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Hakibbumbus/transitapp/internal/geo"
	"github.com/Hakibbumbus/transitapp/internal/routing"
	"github.com/Hakibbumbus/transitapp/internal/store"
	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// ErrNotRunnable is returned when a vehicle does not meet the start
// conditions: active status, both endpoints set, and a positive speed.
var ErrNotRunnable = errors.New("vehicle not eligible for simulation")

// Broadcaster is notified after every tick's store mutation.
type Broadcaster interface {
	Broadcast()
}

// Saver receives the periodic persistence requests.
type Saver interface {
	RequestSave()
}

// Telemetry is an optional sink for per-tick position points.
type Telemetry interface {
	WritePosition(v core.Vehicle)
}

// Options tune the simulation schedule.
type Options struct {
	// TickInterval is the fixed period between position advances.
	TickInterval time.Duration
	// FlushEveryTicks requests a persistence flush every Nth tick of each
	// task. Count-based rather than probabilistic, so the data loss window
	// is bounded at N ticks.
	FlushEveryTicks int
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 2 * time.Second
	}
	if o.FlushEveryTicks <= 0 {
		o.FlushEveryTicks = 10
	}
}

// Manager owns the live simulation tasks, exactly one per eligible
// vehicle. All task handles live here; cancellation is a first-class
// operation and Stop does not return until the task goroutine has exited.
type Manager struct {
	store     *store.Store
	provider  routing.Provider
	hub       Broadcaster
	saver     Saver
	telemetry Telemetry
	logger    *slog.Logger
	opts      Options

	mu    sync.Mutex
	tasks map[string]*task

	ticksProcessed metric.Int64Counter
	tasksStarted   metric.Int64Counter
	arrivals       metric.Int64Counter
}

// NewManager creates a simulation manager. The telemetry sink may be nil.
func NewManager(
	st *store.Store,
	provider routing.Provider,
	hub Broadcaster,
	saver Saver,
	telemetry Telemetry,
	logger *slog.Logger,
	opts Options,
) (*Manager, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     st,
		provider:  provider,
		hub:       hub,
		saver:     saver,
		telemetry: telemetry,
		logger:    logger,
		opts:      opts,
		tasks:     make(map[string]*task),
	}

	mt := meter()
	var err error
	m.ticksProcessed, err = mt.Int64Counter("sim.ticks.processed",
		metric.WithDescription("Simulation ticks executed"))
	if err != nil {
		return nil, fmt.Errorf("creating tick counter: %w", err)
	}
	m.tasksStarted, err = mt.Int64Counter("sim.tasks.started",
		metric.WithDescription("Simulation tasks armed"))
	if err != nil {
		return nil, fmt.Errorf("creating task counter: %w", err)
	}
	m.arrivals, err = mt.Int64Counter("sim.arrivals",
		metric.WithDescription("Vehicles that reached the end of their route"))
	if err != nil {
		return nil, fmt.Errorf("creating arrival counter: %w", err)
	}
	return m, nil
}

// Start arms the simulation task for a vehicle. If the vehicle has no
// route yet, one is fetched from the path provider first; a fetch failure
// is returned to the caller and no task is armed, while the vehicle keeps
// its status. Any existing task for the id is swapped out under the lock
// and drained before the new one ticks, so speed changes re-arm the
// schedule without resetting position and concurrent starts leave exactly
// one live task.
func (m *Manager) Start(ctx context.Context, id string) error {
	v, ok := m.store.Get(id)
	if !ok {
		return store.ErrNotFound
	}
	if !v.CanSimulate() {
		return ErrNotRunnable
	}

	if len(v.RoutePoints) < 2 {
		points, err := m.provider.Route(ctx, *v.StartLocation, *v.EndLocation)
		if err != nil {
			return fmt.Errorf("fetch route for %s: %w", id, err)
		}
		v, err = m.store.Update(id, func(cur *core.Vehicle) {
			cur.RoutePoints = points
			if cur.Location == nil {
				loc := points[0]
				cur.Location = &loc
			}
			cur.LastUpdated = time.Now().UTC()
		})
		if err != nil {
			return err
		}
	}

	t := newTask(v)
	m.mu.Lock()
	prev := m.tasks[id]
	m.tasks[id] = t
	m.mu.Unlock()
	if prev != nil {
		prev.stop()
		<-prev.done
	}

	m.tasksStarted.Add(ctx, 1)
	m.logger.Info("simulation task armed",
		"vehicle", id, "waypoints", len(t.points), "resumeIndex", t.idx, "speedKmh", t.speedKmh)
	go m.runTask(t)
	return nil
}

// Restart cancels and re-arms a vehicle's task, resuming from the waypoint
// nearest its current location. Used after a speed change.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.Stop(id)
	return m.Start(ctx, id)
}

// Retarget replaces the vehicle's trip endpoints, invalidates its route,
// and re-arms the task with a freshly fetched path.
func (m *Manager) Retarget(ctx context.Context, id string, start, end core.Position) error {
	m.Stop(id)
	_, err := m.store.Update(id, func(v *core.Vehicle) {
		s, e := start, end
		v.StartLocation = &s
		v.EndLocation = &e
		v.RoutePoints = nil
		v.LastUpdated = time.Now().UTC()
	})
	if err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// Stop cancels the vehicle's task if one is live. It returns only after
// the task goroutine has exited: a tick already in flight may complete,
// but no tick starts after Stop returns.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	t := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if t == nil {
		return
	}
	t.stop()
	<-t.done
}

// StopAll cancels every live task and waits for all of them to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.tasks = make(map[string]*task)
	m.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// Running reports whether the vehicle currently has a live task.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// ActiveTasks returns the number of live simulation tasks.
func (m *Manager) ActiveTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// clearTask removes a self-terminating task's handle, unless it has
// already been replaced by a restart.
func (m *Manager) clearTask(t *task) {
	m.mu.Lock()
	if m.tasks[t.id] == t {
		delete(m.tasks, t.id)
	}
	m.mu.Unlock()
}

// runTask is the per-vehicle tick loop. Errors terminate only this task,
// never the hub or other vehicles' tasks.
func (m *Manager) runTask(t *task) {
	defer close(t.done)

	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		// Cancellation wins over a simultaneously ready tick.
		select {
		case <-t.stopCh:
			return
		default:
		}

		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			arrived, err := m.step(t)
			if err != nil {
				m.logger.Error("simulation task failed", "vehicle", t.id, "error", err)
				m.clearTask(t)
				return
			}
			ticks++
			if ticks%m.opts.FlushEveryTicks == 0 {
				m.saver.RequestSave()
			}
			if arrived {
				m.arrivals.Add(context.Background(), 1)
				m.logger.Info("vehicle arrived", "vehicle", t.id, "ticks", ticks)
				m.clearTask(t)
				m.saver.RequestSave()
				return
			}
		}
	}
}

// step advances the task by one tick. Returns arrived=true when the
// vehicle has reached (or resumed at) the final waypoint.
func (m *Manager) step(t *task) (arrived bool, err error) {
	if len(t.points) < 2 {
		return false, fmt.Errorf("malformed path: %d points", len(t.points))
	}
	if t.idx >= len(t.points)-1 {
		return true, nil
	}

	cur := t.points[t.idx]
	next := t.points[t.idx+1]
	segment := geo.Distance(cur, next)
	move := t.speedKmh / 3.6 * m.opts.TickInterval.Seconds()

	var loc core.Position
	var heading float64
	headingKnown := false

	if segment <= 0 || move >= segment {
		// Snap to the next waypoint; the remainder of the step is discarded.
		loc = next
		t.idx++
		if t.idx < len(t.points)-1 {
			heading = geo.Bearing(loc, t.points[t.idx+1])
			headingKnown = true
		}
		arrived = t.idx >= len(t.points)-1
	} else {
		loc = geo.Interpolate(cur, next, move/segment)
		// Continue from the interpolated position next tick. Only the
		// working copy changes; the route stored on the vehicle does not.
		t.points[t.idx] = loc
		heading = geo.Bearing(loc, next)
		headingKnown = true
	}

	updated, err := m.store.Update(t.id, func(v *core.Vehicle) {
		l := loc
		v.Location = &l
		if headingKnown {
			v.Heading = heading
		}
		v.LastUpdated = time.Now().UTC()
	})
	if errors.Is(err, store.ErrNotFound) {
		// Deleted underneath us; nothing left to advance.
		return true, nil
	}
	if err != nil {
		return false, err
	}

	m.ticksProcessed.Add(context.Background(), 1)
	if m.telemetry != nil {
		m.telemetry.WritePosition(updated)
	}
	m.hub.Broadcast()
	return arrived, nil
}
