// pkg/api/api.go

// Package api exposes the operator- and device-facing HTTP surface. The
// handlers are thin glue over the twin and command services, except where
// they encode the concurrency contract: ETag in, ETag out.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/fleetware/controlplane/pkg/command"
	"github.com/fleetware/controlplane/pkg/persistence"
	"github.com/fleetware/controlplane/pkg/twin"
)

// API holds the handler dependencies, injected at construction.
type API struct {
	twins    *twin.Service
	commands *command.Service
	devices  persistence.DeviceStore
	log      logrus.FieldLogger
}

// NewAPI creates the handler set.
func NewAPI(twins *twin.Service, commands *command.Service, devices persistence.DeviceStore, log logrus.FieldLogger) *API {
	return &API{twins: twins, commands: commands, devices: devices, log: log}
}

// Router builds the chi router with the standard middleware chain.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.HealthCheck)

	r.Route("/api/v1/tenants/{tenantID}/devices", func(r chi.Router) {
		r.Get("/", a.ListDevices)
		r.Post("/", a.CreateDevice)

		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", a.GetDevice)
			r.Put("/", a.UpdateDevice)
			r.Delete("/", a.DeleteDevice)

			r.Get("/twin", a.GetTwin)
			r.Put("/twin/desired", a.UpdateDesired)
			r.Post("/twin/reported", a.ReportState)

			r.Post("/commands", a.CreateCommand)
			r.Get("/commands", a.ListCommands)
			r.Get("/commands/pending", a.ListPendingCommands)
			r.Get("/commands/{commandID}", a.GetCommand)
			r.Post("/commands/{commandID}/ack", a.AckCommand)
		})
	})

	return r
}

// HealthCheck handles GET /healthz.
func (a *API) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// requestLogger emits one structured line per request.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("request completed")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes a request body strictly: unknown fields are a 400.
func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func pathScope(r *http.Request) (tenantID, deviceID string) {
	return chi.URLParam(r, "tenantID"), chi.URLParam(r, "deviceID")
}
