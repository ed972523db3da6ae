// Package v0 provides the REST handlers for the engine's local API.
package v0

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/venuehq/sync-engine/internal/engine"
	"github.com/venuehq/sync-engine/internal/logger"
)

const maxMutationBody = 1 << 20 // 1MB

// SuspensionResponse reports the circuit breaker state
type SuspensionResponse struct {
	Suspended        bool  `json:"suspended"`
	RemainingSeconds int64 `json:"remainingSeconds"`
}

// SyncAcceptedResponse acknowledges a manual sync trigger
type SyncAcceptedResponse struct {
	Status string `json:"status"`
}

// RateLimitedResponse rejects a manual sync trigger
type RateLimitedResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds"`
}

// MutationRequest is a local write to be applied optimistically and delivered
// to the backend in order.
type MutationRequest struct {
	Domain    string          `json:"domain"`
	Operation string          `json:"operation"`
	Method    string          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Payload   json.RawMessage `json:"payload"`
}

// ConnectivityRequest reports a device connectivity transition
type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes for the engine API with dependency injection
type Routes struct {
	engine *engine.Engine
}

// NewRoutes creates a new Routes instance with the provided engine
func NewRoutes(eng *engine.Engine) *Routes {
	return &Routes{engine: eng}
}

// Router creates a new router for the engine API
func Router(eng *engine.Engine) http.Handler {
	routes := NewRoutes(eng)

	r := chi.NewRouter()

	r.Get("/status", routes.getStatus)
	r.Get("/suspension", routes.getSuspension)
	r.Get("/domains/{domain}/records", routes.getDomainRecords)
	r.Post("/sync", routes.postSync)
	r.Post("/mutations", routes.postMutation)
	r.Post("/connectivity", routes.postConnectivity)
	r.Post("/foreground", routes.postForeground)

	return r
}

// getStatus handles GET /v0/status
func (rr *Routes) getStatus(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, http.StatusOK, rr.engine.QueueStatus())
}

// getSuspension handles GET /v0/suspension
func (rr *Routes) getSuspension(w http.ResponseWriter, _ *http.Request) {
	suspended, remaining := rr.engine.SuspensionState()
	rr.writeJSONResponse(w, http.StatusOK, SuspensionResponse{
		Suspended:        suspended,
		RemainingSeconds: int64(math.Ceil(remaining.Seconds())),
	})
}

// getDomainRecords handles GET /v0/domains/{domain}/records
func (rr *Routes) getDomainRecords(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	records, ok := rr.engine.CachedRecords(r.Context(), domain)
	if !ok {
		rr.writeErrorResponse(w, "No cached snapshot for domain "+domain, http.StatusNotFound)
		return
	}
	rr.writeJSONResponse(w, http.StatusOK, records)
}

// postSync handles POST /v0/sync
func (rr *Routes) postSync(w http.ResponseWriter, _ *http.Request) {
	accepted, retryAfter := rr.engine.RequestManualSync()
	if !accepted {
		seconds := int64(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		rr.writeJSONResponse(w, http.StatusTooManyRequests, RateLimitedResponse{
			Error:             "Manual sync rate limit exceeded",
			RetryAfterSeconds: seconds,
		})
		return
	}
	rr.writeJSONResponse(w, http.StatusAccepted, SyncAcceptedResponse{Status: "accepted"})
}

// postMutation handles POST /v0/mutations
func (rr *Routes) postMutation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMutationBody))
	if err != nil {
		rr.writeErrorResponse(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req MutationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		rr.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Domain == "" || req.Operation == "" || req.Method == "" || req.Endpoint == "" {
		rr.writeErrorResponse(w, "domain, operation, method and endpoint are required", http.StatusBadRequest)
		return
	}

	if err := rr.engine.EnqueueMutation(r.Context(), req.Domain, req.Operation, req.Method, req.Endpoint, req.Payload); err != nil {
		logger.Errorf("Failed to enqueue mutation: %v", err)
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	rr.writeJSONResponse(w, http.StatusAccepted, SyncAcceptedResponse{Status: "accepted"})
}

// postConnectivity handles POST /v0/connectivity
func (rr *Routes) postConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	rr.engine.NotifyConnectivityChanged(req.Online)
	w.WriteHeader(http.StatusNoContent)
}

// postForeground handles POST /v0/foreground
func (rr *Routes) postForeground(w http.ResponseWriter, _ *http.Request) {
	rr.engine.NotifyAppForegrounded()
	w.WriteHeader(http.StatusNoContent)
}

// writeJSONResponse writes a JSON response with proper headers
func (rr *Routes) writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

// writeErrorResponse writes a standardized error response
func (rr *Routes) writeErrorResponse(w http.ResponseWriter, message string, status int) {
	rr.writeJSONResponse(w, status, ErrorResponse{Error: message})
}
