package api

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"iot-sentinel/internal/features"
	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/services"
)

// Predictor is the prediction flow as seen by the HTTP layer.
type Predictor interface {
	Schema() *features.Schema
	Predict(ctx context.Context, in features.Input) (services.Prediction, error)
	PredictBatch(ctx context.Context, inputs []features.Input) ([]services.Prediction, error)
}

// BatchResponse is returned by /batch_predict.
type BatchResponse struct {
	Count       int                   `json:"count"`
	Predictions []services.Prediction `json:"predictions"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status           string   `json:"status"`
	Model            string   `json:"model"`
	Features         []string `json:"features"`
	ModelNFeaturesIn int      `json:"model_n_features_in,omitempty"`
}

const unsupportedBatch = "Unsupported payload for batch_predict. Send multipart CSV (file) or JSON list."

// Predict scores one feature map. The body is either {"features": {...}} or
// the map itself; anything else scores an empty input.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if h.predictions == nil {
		writeError(w, http.StatusServiceUnavailable, "scorer not loaded")
		return
	}

	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	in, err := unwrapFeatures(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.predictions.Predict(r.Context(), in)
	if err != nil {
		logging.Warn().Str("component", "api").Err(err).Msg("prediction failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Result)
}

// BatchPredict scores a JSON list or a CSV upload under the form field "file".
func (h *Handler) BatchPredict(w http.ResponseWriter, r *http.Request) {
	if h.predictions == nil {
		writeError(w, http.StatusServiceUnavailable, "scorer not loaded")
		return
	}

	var (
		inputs []features.Input
		err    error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		inputs, err = h.readUpload(r)
	} else {
		inputs, err = readJSONList(r.Body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.predictions.PredictBatch(r.Context(), inputs)
	if err != nil {
		logging.Warn().Str("component", "api").Int("scored", len(out)).Err(err).Msg("batch prediction failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Count: len(out), Predictions: out})
}

// Health reports the loaded model and feature order.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:           "ok",
		Model:            h.model.Name,
		Features:         []string{},
		ModelNFeaturesIn: h.model.NFeaturesIn,
	}
	if h.predictions != nil {
		resp.Features = h.predictions.Schema().Names()
	}
	writeJSON(w, http.StatusOK, resp)
}

// DownloadLogs returns the tabular prediction log as an attachment.
func (h *Handler) DownloadLogs(w http.ResponseWriter, r *http.Request) {
	if h.csvPath == "" {
		writeError(w, http.StatusNotFound, "CSV log not found")
		return
	}
	if _, err := os.Stat(h.csvPath); err != nil {
		writeError(w, http.StatusNotFound, "CSV log not found")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(h.csvPath)))
	w.Header().Set("Content-Type", "text/csv")
	http.ServeFile(w, r, h.csvPath)
}

func unwrapFeatures(body any) (features.Input, error) {
	m, ok := body.(map[string]any)
	if !ok {
		return features.Input{}, nil
	}
	inner, present := m["features"]
	if !present {
		return features.Input(m), nil
	}
	fm, ok := inner.(map[string]any)
	if !ok {
		return nil, errors.New(`"features" must be a JSON object`)
	}
	return features.Input(fm), nil
}

func readJSONList(r io.Reader) ([]features.Input, error) {
	var body any
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, errors.New(unsupportedBatch)
	}
	items, ok := body.([]any)
	if !ok {
		return nil, errors.New(unsupportedBatch)
	}
	inputs := make([]features.Input, 0, len(items))
	for i, item := range items {
		in, err := unwrapFeatures(item)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func (h *Handler) readUpload(r *http.Request) ([]features.Input, error) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		return nil, fmt.Errorf("invalid multipart upload: %w", err)
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New(unsupportedBatch)
	}
	defer f.Close()
	return readCSVInputs(f)
}

// readCSVInputs maps each data row onto its header. Empty cells are left
// out so they count as missing.
func readCSVInputs(r io.Reader) ([]features.Input, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("uploaded CSV is empty")
		}
		return nil, fmt.Errorf("invalid CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var inputs []features.Input
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid CSV at line %d: %w", line, err)
		}
		in := make(features.Input, len(header))
		for i, cell := range rec {
			if i >= len(header) || header[i] == "" || strings.TrimSpace(cell) == "" {
				continue
			}
			in[header[i]] = cell
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}
