package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"iot-sentinel/internal/database"
	"iot-sentinel/internal/features"
	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/models"
	"iot-sentinel/internal/services"
)

// Ingestor is the device threat flow as seen by the HTTP layer.
type Ingestor interface {
	Ingest(ctx context.Context, payload map[string]any) (*services.IngestResult, error)
}

type externalDataRequest struct {
	DeviceID string `validate:"required,max=128"`
}

// ExternalData accepts one telemetry reading from a device.
func (h *Handler) ExternalData(w http.ResponseWriter, r *http.Request) {
	if h.threats == nil {
		writeError(w, http.StatusServiceUnavailable, "threat flow disabled")
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload) == 0 {
		writeError(w, http.StatusBadRequest, services.ErrMissingPayload.Error())
		return
	}
	if payload["device_id"] == nil {
		writeError(w, http.StatusBadRequest, services.ErrMissingDeviceID.Error())
		return
	}
	req := externalDataRequest{DeviceID: features.Stringify(payload["device_id"])}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid device_id")
		return
	}
	payload["device_id"] = req.DeviceID

	res, err := h.threats.Ingest(r.Context(), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, services.ErrMissingPayload), errors.Is(err, services.ErrMissingDeviceID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logging.Error().Str("component", "api").Str("device_id", req.DeviceID).Err(err).Msg("ingest failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// TestEmitResponse is returned by /api/test-emit.
type TestEmitResponse struct {
	Status  string              `json:"status"`
	Payload models.DeviceUpdate `json:"payload"`
}

// TestEmit pushes a fixed device_update to every websocket client.
func (h *Handler) TestEmit(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket hub disabled")
		return
	}
	update := models.DeviceUpdate{
		DeviceID:     "999",
		ThreatStatus: "Test Emit",
		DataSummary:  "test-data",
		LastSeen:     models.LastSeenNow,
	}
	h.hub.Notify(r.Context(), update)
	writeJSON(w, http.StatusOK, TestEmitResponse{Status: "emitted", Payload: update})
}
