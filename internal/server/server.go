package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// WSHandler serves the realtime observer channel. Satisfied by
// hub.Hub.ServeWS.
type WSHandler func(w http.ResponseWriter, r *http.Request)

// NewRouter builds the HTTP routing table.
func NewRouter(svc *Service, ws WSHandler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/vehicles", svc.ListVehicles).Methods(http.MethodGet)
	api.HandleFunc("/vehicles", svc.CreateVehicle).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/{id}", svc.GetVehicle).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{id}", svc.UpdateVehicle).Methods(http.MethodPut)
	api.HandleFunc("/vehicles/{id}", svc.DeleteVehicle).Methods(http.MethodDelete)
	api.HandleFunc("/vehicles/{id}/speed", svc.PatchSpeed).Methods(http.MethodPatch)
	api.HandleFunc("/vehicles/{id}/status", svc.PatchStatus).Methods(http.MethodPatch)
	api.HandleFunc("/vehicles/{id}/location", svc.PatchLocation).Methods(http.MethodPatch)
	api.HandleFunc("/vehicles/{id}/route", svc.PatchRoute).Methods(http.MethodPatch)

	if ws != nil {
		r.HandleFunc("/ws", ws)
	}

	return r
}

// pathID extracts the {id} route variable.
func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

// Server wraps the http.Server lifecycle.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
