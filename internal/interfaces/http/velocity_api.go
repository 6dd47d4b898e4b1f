package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/regimenhq/biovelocity/internal/domain"
	"github.com/regimenhq/biovelocity/internal/persistence"
	"github.com/regimenhq/biovelocity/internal/velocity"
)

// VelocityAPI serves on-demand velocity computations and snapshot reads
type VelocityAPI struct {
	engine *velocity.Engine
	repo   *persistence.Repository
}

// NewVelocityAPI creates the API handler set. The repository may be nil
// when the service runs compute-only; snapshot reads then return 503.
func NewVelocityAPI(engine *velocity.Engine, repo *persistence.Repository) *VelocityAPI {
	if engine == nil {
		engine = velocity.NewEngine(nil, nil)
	}
	return &VelocityAPI{
		engine: engine,
		repo:   repo,
	}
}

// ComputeRequest is the POST /v1/velocity body. Callers post either raw
// daily series or signals they extracted themselves; series win when both
// are present.
type ComputeRequest struct {
	UserID         string                         `json:"user_id,omitempty"`
	Series         map[string]domain.MetricSeries `json:"series,omitempty"`
	Signals        *SignalsPayload                `json:"signals,omitempty"`
	LabScores      []domain.LabScore              `json:"lab_scores,omitempty"`
	LabRecencyDays float64                        `json:"lab_recency_days,omitempty"`
}

// SignalsPayload carries pre-extracted signals for callers that run their
// own extraction, skipping the series stage entirely.
type SignalsPayload struct {
	CapacitySignals []domain.CapacitySignal `json:"capacity_signals,omitempty"`
	FatigueSignals  []domain.FatigueSignal  `json:"fatigue_signals,omitempty"`
	LoadSignals     []domain.LoadSignal     `json:"load_signals,omitempty"`
}

// ComputeResponse wraps a computed velocity with request metadata
type ComputeResponse struct {
	UserID       string                `json:"user_id,omitempty"`
	ModelVersion string                `json:"model_version"`
	ComputedAt   time.Time             `json:"computed_at"`
	LatencyMS    float64               `json:"latency_ms"`
	Result       domain.VelocityResult `json:"result"`
}

// Compute handles POST /v1/velocity
func (api *VelocityAPI) Compute(w http.ResponseWriter, r *http.Request) {
	var request ComputeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if len(request.Series) == 0 && request.Signals == nil {
		writeJSONError(w, http.StatusBadRequest, "series or signals is required")
		return
	}

	var result domain.VelocityResult
	var err error
	start := time.Now()
	if len(request.Series) > 0 {
		result, err = api.engine.ComputeFromSeries(request.Series, request.LabScores, request.LabRecencyDays)
	} else {
		// Pre-extracted signals skip the shape check; the composition
		// on signals has no error path.
		result = api.engine.ComputeVelocity(domain.VelocityModelInput{
			CapacitySignals: request.Signals.CapacitySignals,
			FatigueSignals:  request.Signals.FatigueSignals,
			LoadSignals:     request.Signals.LoadSignals,
			LabScores:       request.LabScores,
			LabRecencyDays:  request.LabRecencyDays,
		})
	}
	latency := time.Since(start)
	if err != nil {
		// The engine only errors on a malformed series shape
		if DefaultMetrics != nil {
			DefaultMetrics.RecordComputeError(string(StepCompute), "series_shape")
		}
		writeJSONError(w, http.StatusBadRequest, "invalid series: "+err.Error())
		return
	}

	if DefaultMetrics != nil {
		DefaultMetrics.RecordComputation("http", result.Explainability.DominantFactor.String(), result.OverallVelocity, latency)
		if result.HardConstraintApplied {
			DefaultMetrics.RecordConstraint(constraintReasonRule(result.HardConstraintReason))
		}
	}

	response := ComputeResponse{
		UserID:       request.UserID,
		ModelVersion: domain.ModelVersion,
		ComputedAt:   time.Now().UTC(),
		LatencyMS:    float64(latency.Microseconds()) / 1000.0,
		Result:       result,
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode velocity response")
	}
}

// Latest handles GET /v1/users/{user_id}/velocity
func (api *VelocityAPI) Latest(w http.ResponseWriter, r *http.Request) {
	if api.repo == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "snapshot store not configured")
		return
	}

	userID := mux.Vars(r)["user_id"]
	snapshot, err := api.repo.Snapshots.Latest(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Failed to read latest snapshot")
		writeJSONError(w, http.StatusInternalServerError, "failed to read snapshot")
		return
	}
	if snapshot == nil {
		writeJSONError(w, http.StatusNotFound, "no velocity snapshot for user")
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Error().Err(err).Msg("Failed to encode snapshot response")
	}
}

// NotFound handles unmatched routes with a JSON body
func (api *VelocityAPI) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// constraintReasonRule extracts the rule name from a gate reason string
func constraintReasonRule(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ' ' {
			return reason[:i]
		}
	}
	return reason
}
