// Package admin serves the operational HTTP surface: health, status of the
// distribution engine and streaming jobs, Prometheus metrics and pprof.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/astrolab/finkstream/distribution"
	"github.com/astrolab/finkstream/stream"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/rs/zerolog/log"
)

// storeProbeTimeout bounds the store query behind /health and /status
const storeProbeTimeout = 2 * time.Second

// Sources are the state providers behind the admin endpoints. Any of them
// may be nil; the matching section is then omitted.
type Sources struct {
	Service string
	Engine  func() distribution.Status
	Jobs    func() []stream.JobState
	Store   telemetry.StatusCounter
	Metrics http.Handler
}

// AdminHandlers handles the admin API endpoints
type AdminHandlers struct {
	sources Sources
	started time.Time
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(sources Sources) *AdminHandlers {
	return &AdminHandlers{
		sources: sources,
		started: time.Now(),
	}
}

func (h *AdminHandlers) countRecords(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, storeProbeTimeout)
	defer cancel()
	return h.sources.Store.CountByStatus(ctx)
}

// handleHealth reports healthy when the record store answers and the
// engine is not terminated
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"healthy": true,
		"service": h.sources.Service,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}

	if h.sources.Store != nil {
		if _, err := h.countRecords(r.Context()); err != nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, "record store unavailable: "+err.Error())
			return
		}
	}

	if h.sources.Engine != nil {
		status := h.sources.Engine()
		if status.Phase == distribution.PhaseTerminated.String() {
			writeErrorResponse(w, http.StatusServiceUnavailable, "distribution engine terminated")
			return
		}
		response["phase"] = status.Phase
	}

	writeJSONResponse(w, response)
}

// handleStatus returns engine, job and store snapshots
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service": h.sources.Service,
	}

	if h.sources.Engine != nil {
		response["distribution"] = h.sources.Engine()
	}
	if h.sources.Jobs != nil {
		response["jobs"] = h.sources.Jobs()
	}
	if h.sources.Store != nil {
		counts, err := h.countRecords(r.Context())
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		response["records"] = counts
	}

	writeJSONResponse(w, response)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
