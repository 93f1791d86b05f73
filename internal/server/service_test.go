package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hakibbumbus/transitapp/internal/routing"
	"github.com/Hakibbumbus/transitapp/internal/store"
	"github.com/Hakibbumbus/transitapp/pkg/core"
	"github.com/Hakibbumbus/transitapp/pkg/streaming"
)

type fakeSim struct {
	mu        sync.Mutex
	started   []string
	restarted []string
	stopped   []string
	retargets []string
	running   map[string]bool
	startErr  error
}

func newFakeSim() *fakeSim {
	return &fakeSim{running: map[string]bool{}}
}

func (f *fakeSim) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	if f.startErr != nil {
		return f.startErr
	}
	f.running[id] = true
	return nil
}

func (f *fakeSim) Restart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	if f.startErr != nil {
		return f.startErr
	}
	f.running[id] = true
	return nil
}

func (f *fakeSim) Retarget(ctx context.Context, id string, start, end core.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retargets = append(f.retargets, id)
	return f.startErr
}

func (f *fakeSim) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	delete(f.running, id)
}

func (f *fakeSim) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

type fakeHub struct{ broadcasts int }

func (f *fakeHub) Broadcast() { f.broadcasts++ }

type fakeSaver struct{ saves int }

func (f *fakeSaver) RequestSave() { f.saves++ }

type fakeGeocoder struct {
	positions map[string]core.Position
}

func (f *fakeGeocoder) Geocode(ctx context.Context, address string) (core.Position, error) {
	pos, ok := f.positions[address]
	if !ok {
		return core.Position{}, routing.ErrNoResult
	}
	return pos, nil
}

func (f *fakeGeocoder) Route(ctx context.Context, origin, destination core.Position) (core.Polyline, error) {
	return core.Polyline{origin, destination}, nil
}

type env struct {
	store  *store.Store
	sim    *fakeSim
	hub    *fakeHub
	saver  *fakeSaver
	svc    *Service
	router http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: store.New(),
		sim:   newFakeSim(),
		hub:   &fakeHub{},
		saver: &fakeSaver{},
	}
	e.svc = NewService(Dependencies{
		Store: e.store,
		Sim:   e.sim,
		Hub:   e.hub,
		Saver: e.saver,
		Provider: &fakeGeocoder{positions: map[string]core.Position{
			"Posta":      {Lat: -6.8162, Lng: 39.2897},
			"Mwenge":     {Lat: -6.7724, Lng: 39.2396},
			"Ubungo":     {Lat: -6.7924, Lng: 39.2121},
		}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	e.router = NewRouter(e.svc, nil)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) seed(t *testing.T, v core.Vehicle) core.Vehicle {
	t.Helper()
	v.Normalize()
	e.store.Upsert(v)
	return v
}

func decodeVehicle(t *testing.T, rec *httptest.ResponseRecorder) core.Vehicle {
	t.Helper()
	var v core.Vehicle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestListVehicles(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/vehicles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Type: core.TypeBus, Status: core.StatusActive})

	rec = e.do(t, http.MethodGet, "/api/vehicles", nil)
	var list []core.Vehicle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "BUS-1", list[0].VehicleID)
}

func TestCreateVehicle_Minimal(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/vehicles", map[string]any{
		"vehicleId": "BUS-7",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	v := decodeVehicle(t, rec)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "BUS-7", v.VehicleID)
	assert.Equal(t, core.TypeBus, v.Type)
	assert.Equal(t, core.StatusActive, v.Status)
	assert.Equal(t, core.DefaultSpeedKmh, v.SpeedKmh)

	assert.Equal(t, 1, e.hub.broadcasts)
	assert.Equal(t, 1, e.saver.saves)
	assert.Empty(t, e.sim.started)
}

func TestCreateVehicle_DefaultsToActive(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/vehicles", map[string]any{
		"vehicleId":    "BUS-7",
		"startAddress": "Posta",
		"endAddress":   "Mwenge",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	v := decodeVehicle(t, rec)
	assert.Equal(t, core.StatusActive, v.Status)
	assert.Equal(t, []string{v.ID}, e.sim.started, "active vehicle with endpoints arms a task")
}

func TestCreateVehicle_Validation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/vehicles", map[string]any{"type": "bus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/vehicles", map[string]any{
		"vehicleId": "BUS-7", "type": "tram",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/vehicles", map[string]any{
		"vehicleId": "BUS-7", "status": "parked",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/vehicles", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateVehicle_GeocodesAddresses(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/vehicles", map[string]any{
		"vehicleId":    "BUS-7",
		"status":       "active",
		"startAddress": "Posta",
		"endAddress":   "Mwenge",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	v := decodeVehicle(t, rec)
	require.NotNil(t, v.StartLocation)
	require.NotNil(t, v.EndLocation)
	assert.InDelta(t, -6.8162, v.StartLocation.Lat, 1e-9)
	require.NotNil(t, v.Location)
	assert.Equal(t, *v.StartLocation, *v.Location)

	// Active with endpoints arms a simulation task.
	require.Len(t, e.sim.started, 1)
	assert.Equal(t, v.ID, e.sim.started[0])
}

func TestCreateVehicle_GeocodeFailureRejects(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/vehicles", map[string]any{
		"vehicleId":    "BUS-7",
		"startAddress": "Nowhere",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 0, e.store.Len())
}

func TestCreateVehicle_RouteFailureKeepsRecord(t *testing.T) {
	e := newEnv(t)
	e.sim.startErr = routing.ErrNoRoute

	rec := e.do(t, http.MethodPost, "/api/vehicles", map[string]any{
		"vehicleId":    "BUS-7",
		"status":       "active",
		"startAddress": "Posta",
		"endAddress":   "Mwenge",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Header().Get("Warning"), "route unavailable")
	assert.Equal(t, 1, e.store.Len())
}

func TestGetVehicle(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive})

	rec := e.do(t, http.MethodGet, "/api/vehicles/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BUS-1", decodeVehicle(t, rec).VehicleID)

	rec = e.do(t, http.MethodGet, "/api/vehicles/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateVehicle_MergesFields(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{
		ID: "a", VehicleID: "BUS-1", Type: core.TypeBus,
		Status: core.StatusActive, SpeedKmh: 30, Capacity: 40,
	})

	rec := e.do(t, http.MethodPut, "/api/vehicles/a", map[string]any{
		"capacity": 60,
		"speed":    45.0,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	v := decodeVehicle(t, rec)
	assert.Equal(t, 60, v.Capacity)
	assert.Equal(t, 45.0, v.SpeedKmh)
	assert.Equal(t, "BUS-1", v.VehicleID, "untouched field survives")
	assert.Equal(t, core.StatusActive, v.Status)
}

func TestUpdateVehicle_StatusChangeStopsTask(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})
	e.sim.running["a"] = true

	rec := e.do(t, http.MethodPut, "/api/vehicles/a", map[string]any{
		"status": "maintenance",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, e.sim.stopped, "a")
}

func TestUpdateVehicle_EndpointChangeClearsRoute(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{
		ID: "a", VehicleID: "BUS-1", Status: core.StatusInactive, SpeedKmh: 30,
		RoutePoints: core.Polyline{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}},
	})

	rec := e.do(t, http.MethodPut, "/api/vehicles/a", map[string]any{
		"endLocation": map[string]float64{"lat": -6.77, "lng": 39.23},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeVehicle(t, rec).RoutePoints)
}

func TestUpdateVehicle_NotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPut, "/api/vehicles/missing", map[string]any{"capacity": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateVehicle_SpeedZero(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})
	e.sim.running["a"] = true

	rec := e.do(t, http.MethodPut, "/api/vehicles/a", map[string]any{"speed": 0.0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decodeVehicle(t, rec).SpeedKmh)
	assert.Equal(t, []string{"a"}, e.sim.stopped)

	rec = e.do(t, http.MethodPut, "/api/vehicles/a", map[string]any{"speed": -1.0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchSpeed(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})

	rec := e.do(t, http.MethodPatch, "/api/vehicles/a/speed", map[string]any{"speed": 60.0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60.0, decodeVehicle(t, rec).SpeedKmh)
	assert.Empty(t, e.sim.restarted, "idle vehicle needs no restart")

	e.sim.running["a"] = true
	rec = e.do(t, http.MethodPatch, "/api/vehicles/a/speed", map[string]any{"speed": 80.0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a"}, e.sim.restarted, "running vehicle re-arms")
}

func TestPatchSpeed_ZeroParksVehicle(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})
	e.sim.running["a"] = true

	rec := e.do(t, http.MethodPatch, "/api/vehicles/a/speed", map[string]any{"speed": 0.0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decodeVehicle(t, rec).SpeedKmh)
	assert.Equal(t, []string{"a"}, e.sim.stopped, "speed zero cancels the task")
	assert.Empty(t, e.sim.restarted)
}

func TestPatchSpeed_Validation(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})

	rec := e.do(t, http.MethodPatch, "/api/vehicles/a/speed", map[string]any{"speed": -5.0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPatch, "/api/vehicles/missing/speed", map[string]any{"speed": 10.0})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchStatus_TogglesTask(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{
		ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30,
		StartLocation: &core.Position{Lat: -6.81, Lng: 39.28},
		EndLocation:   &core.Position{Lat: -6.77, Lng: 39.23},
	})
	e.sim.running["a"] = true

	rec := e.do(t, http.MethodPatch, "/api/vehicles/a/status", map[string]any{"status": "inactive"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, e.sim.stopped, "a")

	rec = e.do(t, http.MethodPatch, "/api/vehicles/a/status", map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, e.sim.started, "a")

	rec = e.do(t, http.MethodPatch, "/api/vehicles/a/status", map[string]any{"status": "broken"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchLocation(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})

	rec := e.do(t, http.MethodPatch, "/api/vehicles/a/location", map[string]any{
		"location": map[string]float64{"lat": -6.8, "lng": 39.29},
		"heading":  180.0,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	v := decodeVehicle(t, rec)
	require.NotNil(t, v.Location)
	assert.InDelta(t, -6.8, v.Location.Lat, 1e-9)
	assert.Equal(t, 180.0, v.Heading)
}

func TestPatchRoute_RetargetsActiveVehicle(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{
		ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30,
		StartLocation: &core.Position{Lat: -6.81, Lng: 39.28},
		EndLocation:   &core.Position{Lat: -6.77, Lng: 39.23},
	})

	rec := e.do(t, http.MethodPatch, "/api/vehicles/a/route", map[string]any{
		"endAddress": "Ubungo",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a"}, e.sim.retargets)
}

func TestPatchRoute_GeocodeFailure(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})

	rec := e.do(t, http.MethodPatch, "/api/vehicles/a/route", map[string]any{
		"endAddress": "Nowhere",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, e.sim.retargets)
}

func TestPatchRoute_InactiveVehicleJustStoresEndpoints(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{
		ID: "a", VehicleID: "BUS-1", Status: core.StatusInactive, SpeedKmh: 30,
		RoutePoints: core.Polyline{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}},
	})

	rec := e.do(t, http.MethodPatch, "/api/vehicles/a/route", map[string]any{
		"startAddress": "Posta",
		"endAddress":   "Mwenge",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	v := decodeVehicle(t, rec)
	require.NotNil(t, v.StartLocation)
	require.NotNil(t, v.EndLocation)
	assert.Empty(t, v.RoutePoints, "stale path invalidated")
	assert.Empty(t, e.sim.retargets)
}

func TestDeleteVehicle_CancelsTaskFirst(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})
	e.sim.running["a"] = true

	rec := e.do(t, http.MethodDelete, "/api/vehicles/a", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"a"}, e.sim.stopped)
	assert.Equal(t, 0, e.store.Len())

	rec = e.do(t, http.MethodDelete, "/api/vehicles/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLocationReport(t *testing.T) {
	e := newEnv(t)
	e.seed(t, core.Vehicle{ID: "a", VehicleID: "BUS-1", Status: core.StatusActive, SpeedKmh: 30})

	heading := 270.0
	for i := 0; i < reportSaveEvery; i++ {
		e.svc.HandleLocationReport(streaming.LocationReport{
			ID:       "a",
			Location: core.Position{Lat: -6.8 - float64(i)*0.001, Lng: 39.29},
			Heading:  &heading,
		})
	}

	v, ok := e.store.Get("a")
	require.True(t, ok)
	require.NotNil(t, v.Location)
	assert.InDelta(t, -6.809, v.Location.Lat, 1e-9)
	assert.Equal(t, 270.0, v.Heading)

	assert.Equal(t, reportSaveEvery, e.hub.broadcasts, "every report broadcasts")
	assert.Equal(t, 1, e.saver.saves, "saves are sampled")
}

func TestHandleLocationReport_UnknownVehicle(t *testing.T) {
	e := newEnv(t)
	e.svc.HandleLocationReport(streaming.LocationReport{
		ID:       "ghost",
		Location: core.Position{Lat: 0, Lng: 0},
	})
	assert.Zero(t, e.hub.broadcasts)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServerGracefulShutdown(t *testing.T) {
	e := newEnv(t)
	srv := NewServer("127.0.0.1:0", e.router, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
