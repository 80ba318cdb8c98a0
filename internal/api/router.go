// Package api exposes the prediction and device threat flows over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iot-sentinel/internal/websocket"
)

// ModelInfo describes the loaded scorer for /health.
type ModelInfo struct {
	Name        string
	NFeaturesIn int
}

// Handler holds the dependencies of every route. Nil services disable
// their routes' behaviour with a 503.
type Handler struct {
	predictions Predictor
	threats     Ingestor
	hub         *websocket.Hub
	model       ModelInfo
	csvPath     string
	maxUpload   int64
	validate    *validator.Validate
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Predictions Predictor
	Threats     Ingestor
	Hub         *websocket.Hub
	Model       ModelInfo
	CSVPath     string

	// MaxUploadBytes caps /batch_predict CSV uploads.
	MaxUploadBytes int64
}

// NewHandler creates a Handler.
func NewHandler(config HandlerConfig) *Handler {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 32 << 20
	}
	return &Handler{
		predictions: config.Predictions,
		threats:     config.Threats,
		hub:         config.Hub,
		model:       config.Model,
		csvPath:     config.CSVPath,
		maxUpload:   config.MaxUploadBytes,
		validate:    validator.New(),
	}
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	// Scoring surface
	r.Post("/predict", h.Predict)
	r.Post("/batch_predict", h.BatchPredict)
	r.Get("/health", h.Health)
	r.Get("/download_logs", h.DownloadLogs)

	// Device surface
	r.Route("/api", func(r chi.Router) {
		r.Post("/external-data", h.ExternalData)
		r.Get("/test-emit", h.TestEmit)
	})

	if h.hub != nil {
		r.Get("/ws", websocket.ServeWS(h.hub))
	}
	r.Handle("/metrics", promhttp.Handler())
	return r
}
