// pkg/api/device_handler.go
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/fleetware/controlplane/pkg/model"
)

type deviceRequest struct {
	DeviceID                 string `json:"deviceId,omitempty"`
	DisplayName              string `json:"displayName"`
	HeartbeatIntervalSeconds int64  `json:"heartbeatIntervalSeconds,omitempty"`
}

// CreateDevice handles POST .../tenants/{tenantID}/devices.
func (a *API) CreateDevice(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := pathScope(r)

	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "missing required field: deviceId")
		return
	}
	if req.HeartbeatIntervalSeconds < 0 {
		writeError(w, http.StatusBadRequest, "heartbeatIntervalSeconds must not be negative")
		return
	}

	now := time.Now().UTC()
	device := &model.Device{
		TenantID:          tenantID,
		DeviceID:          req.DeviceID,
		DisplayName:       req.DisplayName,
		HeartbeatInterval: time.Duration(req.HeartbeatIntervalSeconds) * time.Second,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := a.devices.CreateDevice(r.Context(), device); err != nil {
		if errors.Is(err, model.ErrConflict) {
			writeError(w, http.StatusConflict, "device already exists")
			return
		}
		a.log.WithError(err).Error("failed to create device")
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

// GetDevice handles GET .../devices/{deviceID}.
func (a *API) GetDevice(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	device, err := a.devices.GetDevice(r.Context(), tenantID, deviceID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		a.log.WithError(err).Error("failed to read device")
		writeError(w, http.StatusInternalServerError, "failed to retrieve device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// ListDevices handles GET .../tenants/{tenantID}/devices.
func (a *API) ListDevices(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := pathScope(r)

	devices, err := a.devices.ListDevices(r.Context(), tenantID)
	if err != nil {
		a.log.WithError(err).Error("failed to list devices")
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// UpdateDevice handles PUT .../devices/{deviceID}.
func (a *API) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if req.DeviceID != "" && req.DeviceID != deviceID {
		writeError(w, http.StatusBadRequest, "deviceId in payload does not match URL")
		return
	}
	if req.HeartbeatIntervalSeconds < 0 {
		writeError(w, http.StatusBadRequest, "heartbeatIntervalSeconds must not be negative")
		return
	}

	device := &model.Device{
		TenantID:          tenantID,
		DeviceID:          deviceID,
		DisplayName:       req.DisplayName,
		HeartbeatInterval: time.Duration(req.HeartbeatIntervalSeconds) * time.Second,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := a.devices.UpdateDevice(r.Context(), device); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		a.log.WithError(err).Error("failed to update device")
		writeError(w, http.StatusInternalServerError, "failed to update device")
		return
	}

	updated, err := a.devices.GetDevice(r.Context(), tenantID, deviceID)
	if err != nil {
		a.log.WithError(err).Error("failed to re-read device after update")
		writeError(w, http.StatusInternalServerError, "failed to retrieve device after update")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteDevice handles DELETE .../devices/{deviceID} (decommissioning).
func (a *API) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	if err := a.devices.DeleteDevice(r.Context(), tenantID, deviceID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		if errors.Is(err, model.ErrConflict) {
			writeError(w, http.StatusConflict, "device still has commands")
			return
		}
		a.log.WithError(err).Error("failed to delete device")
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
