// Package monitor periodically logs a status line summarizing the fleet,
// the simulator, and connected observers.
package monitor

import (
	"log/slog"
	"sync"
	"time"
)

// Dependencies holds the sources the monitor samples.
type Dependencies struct {
	Logger   *slog.Logger
	Fleet    func() int // vehicles in the store
	Tasks    func() int // running simulation tasks
	Clients  func() int // connected websocket observers
	Pending  func() int // unflushed history samples, nil when history is off
	Interval time.Duration
}

// Status is one sampled snapshot.
type Status struct {
	Time    time.Time `json:"time"`
	Fleet   int       `json:"fleet"`
	Tasks   int       `json:"tasks"`
	Clients int       `json:"clients"`
	Pending int       `json:"pending"`
}

// Service runs the sampling loop.
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
}

// NewService creates a monitor service. A zero Interval defaults to one
// minute.
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the sampling loop is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Sample collects one status snapshot.
func (s *Service) Sample() Status {
	st := Status{Time: time.Now().UTC()}
	if s.deps.Fleet != nil {
		st.Fleet = s.deps.Fleet()
	}
	if s.deps.Tasks != nil {
		st.Tasks = s.deps.Tasks()
	}
	if s.deps.Clients != nil {
		st.Clients = s.deps.Clients()
	}
	if s.deps.Pending != nil {
		st.Pending = s.deps.Pending()
	}
	return st
}

// Start launches the sampling loop. Calling Start on a running service
// is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				st := s.Sample()
				s.deps.Logger.Info("status",
					"fleet", st.Fleet,
					"tasks", st.Tasks,
					"clients", st.Clients,
					"pending", st.Pending,
				)
			}
		}
	}()
}

// Stop ends the sampling loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		close(s.stopChan)
		s.isRunning = false
	}
}
