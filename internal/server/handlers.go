// Package server exposes the cache engine over HTTP: a small admin API for
// reads, writes, and invalidation, plus health, stats, and Prometheus
// endpoints. The engine is fully usable as a library without it.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tiercache/internal/cache"
	"tiercache/internal/common/errors"
	"tiercache/internal/common/logging"
	"tiercache/internal/middleware"
)

// Handlers holds the admin API's dependencies
type Handlers struct {
	engine   *cache.Engine
	gatherer prometheus.Gatherer
	logger   logging.Logger
}

// NewHandlers creates the admin API over an engine. gatherer may be nil
// when metrics are not exported.
func NewHandlers(engine *cache.Engine, gatherer prometheus.Gatherer, logger logging.Logger) *Handlers {
	return &Handlers{
		engine:   engine,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Router builds the admin API routes
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging(h.logger))

	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/stats", h.GetStats).Methods("GET")
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/api/v1/cache").Subrouter()
	// Fixed paths must register before the {key} wildcard
	api.HandleFunc("/clear", h.Clear).Methods("POST")
	api.HandleFunc("/tags/{tag}", h.DeleteByTag).Methods("DELETE")
	api.HandleFunc("/{key}", h.GetKey).Methods("GET")
	api.HandleFunc("/{key}", h.PutKey).Methods("PUT")
	api.HandleFunc("/{key}", h.DeleteKey).Methods("DELETE")

	return r
}

// HealthCheck reports engine health. A degraded engine answers 503 but
// keeps serving cache traffic.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := h.engine.HealthCheck(r.Context())

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// GetStats returns the engine's counters
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// GetKey returns the cached value for a key
func (h *Handlers) GetKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var value json.RawMessage
	found, err := h.engine.Get(r.Context(), key, &value)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

// putRequest is the PUT body for a cache write
type putRequest struct {
	Value      json.RawMessage `json:"value"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	ForceLayer string          `json:"force_layer,omitempty"`
}

// PutKey stores a value under a key
func (h *Handlers) PutKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Value) == 0 {
		http.Error(w, "value is required", http.StatusBadRequest)
		return
	}

	options := &cache.SetOptions{
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		Tags:       req.Tags,
		Priority:   req.Priority,
		ForceLayer: cache.Layer(req.ForceLayer),
	}

	if err := h.engine.Set(r.Context(), key, req.Value, options); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "stored": true})
}

// DeleteKey removes a key from every layer
func (h *Handlers) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	found, err := h.engine.Delete(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "deleted": found})
}

// DeleteByTag removes every key carrying a tag
func (h *Handlers) DeleteByTag(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]

	removed, err := h.engine.DeleteByTag(r.Context(), tag)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"tag": tag, "removed": removed})
}

// Clear wipes one layer (?layer=l1|l2|l3) or all layers
func (h *Handlers) Clear(w http.ResponseWriter, r *http.Request) {
	layer := cache.Layer(r.URL.Query().Get("layer"))

	if err := h.engine.Clear(r.Context(), layer); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// writeJSON encodes a JSON response
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps engine errors to HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrTypeConnection, errors.ErrTypeTimeout:
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}
