// Package server exposes the REST and WebSocket surface of the daemon.
// Handlers mutate the in-memory store, reconcile the simulator, then
// broadcast and request a save; the store stays authoritative even when
// persistence fails.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Hakibbumbus/transitapp/internal/routing"
	"github.com/Hakibbumbus/transitapp/internal/store"
	"github.com/Hakibbumbus/transitapp/pkg/core"
	"github.com/Hakibbumbus/transitapp/pkg/streaming"
)

// reportSaveEvery is how many inbound location reports pass between
// persistence requests. Reports arrive at tracker frequency; saving each
// one would thrash the state file.
const reportSaveEvery = 10

// Simulator is the slice of the motion simulator the handlers drive.
type Simulator interface {
	Start(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Retarget(ctx context.Context, id string, start, end core.Position) error
	Stop(id string)
	Running(id string) bool
}

// Saver schedules a state-file save.
type Saver interface {
	RequestSave()
}

// Broadcaster pushes the current snapshot to observers.
type Broadcaster interface {
	Broadcast()
}

// Recorder archives state samples. Optional.
type Recorder interface {
	Record(v core.Vehicle, event string)
}

// Dependencies bundles everything the handlers need.
type Dependencies struct {
	Store    *store.Store
	Sim      Simulator
	Hub      Broadcaster
	Saver    Saver
	Provider routing.Provider
	History  Recorder
	Logger   *slog.Logger
}

// Service holds the handler set.
type Service struct {
	deps        Dependencies
	reportCount atomic.Uint64
}

// NewService creates the handler service.
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.deps.Logger.Error("encoding response", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg})
}

// changed runs after every successful mutation: observers get the new
// snapshot, the state file gets a save request, and the history archive
// gets a sample.
func (s *Service) changed(v core.Vehicle, event string) {
	if s.deps.Hub != nil {
		s.deps.Hub.Broadcast()
	}
	if s.deps.Saver != nil {
		s.deps.Saver.RequestSave()
	}
	if s.deps.History != nil {
		s.deps.History.Record(v, event)
	}
}

// ListVehicles handles GET /api/vehicles.
func (s *Service) ListVehicles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Store.List())
}

// GetVehicle handles GET /api/vehicles/{id}.
func (s *Service) GetVehicle(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	v, ok := s.deps.Store.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

type createRequest struct {
	VehicleID     string         `json:"vehicleId"`
	Type          string         `json:"type"`
	Capacity      int            `json:"capacity"`
	Status        string         `json:"status"`
	SpeedKmh      float64        `json:"speed"`
	Location      *core.Position `json:"location"`
	StartLocation *core.Position `json:"startLocation"`
	EndLocation   *core.Position `json:"endLocation"`
	StartAddress  string         `json:"startAddress"`
	EndAddress    string         `json:"endAddress"`
}

// CreateVehicle handles POST /api/vehicles. Addresses, when given, are
// geocoded through the path provider; a geocoding miss rejects the
// request and nothing is stored.
func (s *Service) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VehicleID == "" {
		s.writeError(w, http.StatusBadRequest, "vehicleId is required")
		return
	}
	if req.Type != "" && !core.VehicleType(req.Type).Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown vehicle type %q", req.Type))
		return
	}
	if req.Status != "" && !core.VehicleStatus(req.Status).Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	v := core.Vehicle{
		ID:            uuid.NewString(),
		VehicleID:     req.VehicleID,
		Type:          core.VehicleType(req.Type),
		Capacity:      req.Capacity,
		Status:        core.VehicleStatus(req.Status),
		SpeedKmh:      req.SpeedKmh,
		Location:      req.Location,
		StartLocation: req.StartLocation,
		EndLocation:   req.EndLocation,
		LastUpdated:   time.Now().UTC(),
	}
	if v.Type == "" {
		v.Type = core.TypeBus
	}
	// New vehicles enter the lifecycle active. Normalize's inactive
	// fallback stays reserved for invalid statuses loaded from old
	// state files.
	if v.Status == "" {
		v.Status = core.StatusActive
	}

	if req.StartAddress != "" {
		pos, err := s.geocode(r.Context(), req.StartAddress)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("geocoding start address: %v", err))
			return
		}
		v.StartLocation = &pos
	}
	if req.EndAddress != "" {
		pos, err := s.geocode(r.Context(), req.EndAddress)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("geocoding end address: %v", err))
			return
		}
		v.EndLocation = &pos
	}
	if v.Location == nil && v.StartLocation != nil {
		loc := *v.StartLocation
		v.Location = &loc
	}

	v.Normalize()
	s.deps.Store.Upsert(v)
	s.deps.Logger.Info("vehicle created", "id", v.ID, "vehicleId", v.VehicleID)

	if v.CanSimulate() && s.deps.Sim != nil {
		if err := s.deps.Sim.Start(r.Context(), v.ID); err != nil {
			// The record stands; the caller learns the trip is not moving.
			s.deps.Logger.Warn("simulation not started", "id", v.ID, "error", err)
			w.Header().Set("Warning", `199 - "route unavailable, simulation not started"`)
		}
	}

	stored, _ := s.deps.Store.Get(v.ID)
	s.changed(stored, "update")
	s.writeJSON(w, http.StatusCreated, stored)
}

type updateRequest struct {
	VehicleID     *string        `json:"vehicleId"`
	Type          *string        `json:"type"`
	Capacity      *int           `json:"capacity"`
	Status        *string        `json:"status"`
	SpeedKmh      *float64       `json:"speed"`
	Heading       *float64       `json:"heading"`
	Location      *core.Position `json:"location"`
	StartLocation *core.Position `json:"startLocation"`
	EndLocation   *core.Position `json:"endLocation"`
}

// UpdateVehicle handles PUT /api/vehicles/{id}: fields present in the
// body are merged onto the record, everything else is left alone.
func (s *Service) UpdateVehicle(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type != nil && !core.VehicleType(*req.Type).Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown vehicle type %q", *req.Type))
		return
	}
	if req.Status != nil && !core.VehicleStatus(*req.Status).Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", *req.Status))
		return
	}
	if req.SpeedKmh != nil && *req.SpeedKmh < 0 {
		s.writeError(w, http.StatusBadRequest, "speed must be non-negative")
		return
	}

	endpointsChanged := false
	updated, err := s.deps.Store.Update(id, func(v *core.Vehicle) {
		if req.VehicleID != nil {
			v.VehicleID = *req.VehicleID
		}
		if req.Type != nil {
			v.Type = core.VehicleType(*req.Type)
		}
		if req.Capacity != nil {
			v.Capacity = *req.Capacity
		}
		if req.Status != nil {
			v.Status = core.VehicleStatus(*req.Status)
		}
		if req.SpeedKmh != nil {
			v.SpeedKmh = *req.SpeedKmh
		}
		if req.Heading != nil {
			v.Heading = *req.Heading
		}
		if req.Location != nil {
			loc := *req.Location
			v.Location = &loc
		}
		if req.StartLocation != nil {
			loc := *req.StartLocation
			v.StartLocation = &loc
			endpointsChanged = true
		}
		if req.EndLocation != nil {
			loc := *req.EndLocation
			v.EndLocation = &loc
			endpointsChanged = true
		}
		if endpointsChanged {
			v.RoutePoints = nil
		}
		v.LastUpdated = time.Now().UTC()
	})
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	s.reconcileSim(r.Context(), updated, endpointsChanged,
		req.SpeedKmh != nil, req.Status != nil)

	stored, _ := s.deps.Store.Get(id)
	s.changed(stored, "update")
	s.writeJSON(w, http.StatusOK, stored)
}

// reconcileSim brings the simulation task in line with an updated
// record. A non-active vehicle loses its task; an active one keeps
// moving from its current position.
func (s *Service) reconcileSim(ctx context.Context, v core.Vehicle, endpointsChanged, speedChanged, statusChanged bool) {
	if s.deps.Sim == nil {
		return
	}

	if v.Status != core.StatusActive {
		s.deps.Sim.Stop(v.ID)
		return
	}

	switch {
	case endpointsChanged, statusChanged:
		if v.CanSimulate() {
			if err := s.deps.Sim.Restart(ctx, v.ID); err != nil {
				s.deps.Logger.Warn("simulation not started", "id", v.ID, "error", err)
			}
		}
	case speedChanged && s.deps.Sim.Running(v.ID):
		if !v.CanSimulate() {
			s.deps.Sim.Stop(v.ID)
			return
		}
		if err := s.deps.Sim.Restart(ctx, v.ID); err != nil {
			s.deps.Logger.Warn("simulation restart failed", "id", v.ID, "error", err)
		}
	}
}

type speedRequest struct {
	SpeedKmh float64 `json:"speed"`
}

// PatchSpeed handles PATCH /api/vehicles/{id}/speed. A running task is
// re-armed at the new pace without resetting position; speed zero is
// accepted and cancels the task.
func (s *Service) PatchSpeed(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)

	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SpeedKmh < 0 {
		s.writeError(w, http.StatusBadRequest, "speed must be non-negative")
		return
	}

	updated, err := s.deps.Store.Update(id, func(v *core.Vehicle) {
		v.SpeedKmh = req.SpeedKmh
		v.LastUpdated = time.Now().UTC()
	})
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	if s.deps.Sim != nil && s.deps.Sim.Running(id) {
		if !updated.CanSimulate() {
			// Speed zero parks the vehicle without touching its record.
			s.deps.Sim.Stop(id)
		} else if err := s.deps.Sim.Restart(r.Context(), id); err != nil {
			s.deps.Logger.Warn("simulation restart failed", "id", id, "error", err)
		}
	}

	s.changed(updated, "update")
	s.writeJSON(w, http.StatusOK, updated)
}

type statusRequest struct {
	Status string `json:"status"`
}

// PatchStatus handles PATCH /api/vehicles/{id}/status. Leaving active
// cancels the simulation task; entering active arms one when the
// vehicle has trip endpoints.
func (s *Service) PatchStatus(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := core.VehicleStatus(req.Status)
	if !status.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	updated, err := s.deps.Store.Update(id, func(v *core.Vehicle) {
		v.Status = status
		v.LastUpdated = time.Now().UTC()
	})
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	if s.deps.Sim != nil {
		if status == core.StatusActive && updated.CanSimulate() {
			if err := s.deps.Sim.Start(r.Context(), id); err != nil {
				s.deps.Logger.Warn("simulation not started", "id", id, "error", err)
				w.Header().Set("Warning", `199 - "route unavailable, simulation not started"`)
			}
		} else if status != core.StatusActive {
			s.deps.Sim.Stop(id)
		}
	}

	stored, _ := s.deps.Store.Get(id)
	s.changed(stored, "update")
	s.writeJSON(w, http.StatusOK, stored)
}

type locationRequest struct {
	Location core.Position `json:"location"`
	Heading  *float64      `json:"heading"`
}

// PatchLocation handles PATCH /api/vehicles/{id}/location: an explicit
// position fix, as sent by a physical tracker.
func (s *Service) PatchLocation(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.applyLocation(id, req.Location, req.Heading)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	s.changed(updated, "update")
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Service) applyLocation(id string, pos core.Position, heading *float64) (core.Vehicle, error) {
	return s.deps.Store.Update(id, func(v *core.Vehicle) {
		loc := pos
		v.Location = &loc
		if heading != nil {
			v.Heading = *heading
		}
		v.LastUpdated = time.Now().UTC()
	})
}

type routeRequest struct {
	StartAddress  string         `json:"startAddress"`
	EndAddress    string         `json:"endAddress"`
	StartLocation *core.Position `json:"startLocation"`
	EndLocation   *core.Position `json:"endLocation"`
}

// PatchRoute handles PATCH /api/vehicles/{id}/route: a retarget. The old
// path is invalidated, the provider is asked for a new one, and the trip
// restarts toward the new destination.
func (s *Service) PatchRoute(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	v, ok := s.deps.Store.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	start := v.StartLocation
	end := v.EndLocation
	if req.StartLocation != nil {
		start = req.StartLocation
	}
	if req.EndLocation != nil {
		end = req.EndLocation
	}
	if req.StartAddress != "" {
		pos, err := s.geocode(r.Context(), req.StartAddress)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("geocoding start address: %v", err))
			return
		}
		start = &pos
	}
	if req.EndAddress != "" {
		pos, err := s.geocode(r.Context(), req.EndAddress)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("geocoding end address: %v", err))
			return
		}
		end = &pos
	}
	if start == nil || end == nil {
		s.writeError(w, http.StatusBadRequest, "route requires both endpoints")
		return
	}

	if s.deps.Sim != nil && v.Status == core.StatusActive {
		if err := s.deps.Sim.Retarget(r.Context(), id, *start, *end); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "vehicle not found")
				return
			}
			s.deps.Logger.Warn("retarget without simulation", "id", id, "error", err)
			w.Header().Set("Warning", `199 - "route unavailable, simulation not started"`)
		}
	} else {
		_, err := s.deps.Store.Update(id, func(v *core.Vehicle) {
			v.StartLocation = start
			v.EndLocation = end
			v.RoutePoints = nil
			v.LastUpdated = time.Now().UTC()
		})
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "vehicle not found")
			return
		}
	}

	stored, _ := s.deps.Store.Get(id)
	s.changed(stored, "update")
	s.writeJSON(w, http.StatusOK, stored)
}

// DeleteVehicle handles DELETE /api/vehicles/{id}. The simulation task
// goes first so a late tick cannot resurrect the record.
func (s *Service) DeleteVehicle(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)

	if s.deps.Sim != nil {
		s.deps.Sim.Stop(id)
	}
	if err := s.deps.Store.Remove(id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	s.deps.Logger.Info("vehicle deleted", "id", id)
	if s.deps.Hub != nil {
		s.deps.Hub.Broadcast()
	}
	if s.deps.Saver != nil {
		s.deps.Saver.RequestSave()
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLocationReport applies an update-location event from the
// realtime channel. Saves are sampled; every report still broadcasts.
func (s *Service) HandleLocationReport(report streaming.LocationReport) {
	updated, err := s.applyLocation(report.ID, report.Location, report.Heading)
	if err != nil {
		s.deps.Logger.Warn("location report for unknown vehicle", "id", report.ID)
		return
	}

	if s.deps.Hub != nil {
		s.deps.Hub.Broadcast()
	}
	if s.deps.History != nil {
		s.deps.History.Record(updated, "update")
	}
	if s.deps.Saver != nil && s.reportCount.Add(1)%reportSaveEvery == 0 {
		s.deps.Saver.RequestSave()
	}
}

func (s *Service) geocode(ctx context.Context, address string) (core.Position, error) {
	if s.deps.Provider == nil {
		return core.Position{}, errors.New("no geocoder configured")
	}
	return s.deps.Provider.Geocode(ctx, address)
}
