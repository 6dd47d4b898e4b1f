package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/regimenhq/biovelocity/internal/domain"
)

// newTestServer builds a compute-only server with default calibration.
// Port 0 binds an ephemeral port so tests never collide with a real
// service.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	config := ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	api := NewVelocityAPI(nil, nil)
	health := NewHealthHandler(nil, nil, "v3-test", "test-build")

	server, err := NewServer(config, api, health)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return server
}

// risingSeries builds a daily series climbing by step per day
func risingSeries(start time.Time, days int, base, step float64) domain.MetricSeries {
	series := make(domain.MetricSeries, 0, days)
	for i := 0; i < days; i++ {
		series = append(series, domain.MetricPoint{
			Date:  start.AddDate(0, 0, i),
			Value: base + float64(i)*step,
		})
	}
	return series
}

func TestComputeEndpoint(t *testing.T) {
	server := newTestServer(t)

	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	request := ComputeRequest{
		UserID: "user-7",
		Series: map[string]domain.MetricSeries{
			domain.MetricVO2Max: risingSeries(start, 60, 42.0, 0.05),
			domain.MetricHRV:    risingSeries(start, 60, 55.0, 0.1),
		},
		LabScores:      []domain.LabScore{{Biomarker: "hba1c", Score: 80}},
		LabRecencyDays: 20,
	}

	body, err := json.Marshal(request)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/v1/velocity", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	// Check status code
	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}

	// Check content type set by the API subrouter middleware
	if ctype := rr.Header().Get("Content-Type"); ctype != "application/json" {
		t.Errorf("Handler returned wrong content type: got %v want application/json", ctype)
	}

	// Check request ID header from middleware
	if requestID := rr.Header().Get("X-Request-ID"); len(requestID) != 8 {
		t.Errorf("Expected 8-character request ID header, got %q", requestID)
	}

	// Parse response body
	var response ComputeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	if response.UserID != "user-7" {
		t.Errorf("Expected user-7 echoed back, got %s", response.UserID)
	}
	if response.ModelVersion != domain.ModelVersion {
		t.Errorf("Expected model version %s, got %s", domain.ModelVersion, response.ModelVersion)
	}
	if response.LatencyMS < 0 {
		t.Errorf("Expected non-negative latency, got %f", response.LatencyMS)
	}

	velocity := response.Result.OverallVelocity
	if velocity < domain.VelocityV3Min || velocity > domain.VelocityV3Max {
		t.Errorf("Velocity %f outside bounds [%f, %f]", velocity, domain.VelocityV3Min, domain.VelocityV3Max)
	}
	if len(response.Result.SystemVelocities) != len(domain.AllSystems) {
		t.Errorf("Expected %d system velocities, got %d", len(domain.AllSystems), len(response.Result.SystemVelocities))
	}
}

func TestComputeRequiresSeries(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/velocity", strings.NewReader(`{"user_id":"u1"}`))
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}

	var response map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if response["error"] != "series or signals is required" {
		t.Errorf("Expected series-required error, got %q", response["error"])
	}
}

func TestComputeFromPreExtractedSignals(t *testing.T) {
	server := newTestServer(t)

	request := ComputeRequest{
		UserID: "user-9",
		Signals: &SignalsPayload{
			CapacitySignals: []domain.CapacitySignal{
				{
					Metric:          domain.MetricVO2Max,
					NormalizedSlope: 3.0,
					Confidence:      0.8,
					WindowDays:      60,
					DataPoints:      55,
					TrendDirection:  domain.Improving,
				},
			},
		},
	}

	body, err := json.Marshal(request)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/v1/velocity", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}

	var response ComputeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	// An improving capacity signal pulls velocity below neutral
	if response.Result.OverallVelocity >= domain.NeutralVelocity {
		t.Errorf("Expected velocity below neutral for an improving signal, got %f", response.Result.OverallVelocity)
	}
	if response.Result.Explainability.DominantFactor != domain.CapacityFactor {
		t.Errorf("Expected capacity as the dominant factor, got %s", response.Result.Explainability.DominantFactor)
	}
}

func TestComputeRejectsMalformedBody(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/velocity", strings.NewReader(`{not json`))
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}

	var response map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if !strings.Contains(response["error"], "invalid request body") {
		t.Errorf("Expected decode error, got %q", response["error"])
	}
}

func TestComputeRejectsNonAscendingDates(t *testing.T) {
	server := newTestServer(t)

	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	series := domain.MetricSeries{
		{Date: start.AddDate(0, 0, 1), Value: 42.0},
		{Date: start, Value: 42.1},
	}
	request := ComputeRequest{
		Series: map[string]domain.MetricSeries{domain.MetricVO2Max: series},
	}

	body, err := json.Marshal(request)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/v1/velocity", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}

	var response map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if !strings.Contains(response["error"], "invalid series") {
		t.Errorf("Expected series shape error, got %q", response["error"])
	}
	if !strings.Contains(response["error"], "ascending") {
		t.Errorf("Expected error to name the ordering violation, got %q", response["error"])
	}
}

func TestLatestWithoutStore(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/users/user-7/velocity", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusServiceUnavailable)
	}

	var response map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if response["error"] != "snapshot store not configured" {
		t.Errorf("Expected store-not-configured error, got %q", response["error"])
	}
}

func TestNotFoundRoute(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/nope", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusNotFound)
	}

	var response map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if response["error"] != "not found" {
		t.Errorf("Expected not-found error, got %q", response["error"])
	}
	if response["path"] != "/v1/nope" {
		t.Errorf("Expected path echoed back, got %q", response["path"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	// No store attached means degraded, which still reports 200
	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}

	var response HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	if response.Version != "v3-test" {
		t.Errorf("Expected version v3-test, got %s", response.Version)
	}
	if response.BuildStamp != "test-build" {
		t.Errorf("Expected build stamp test-build, got %s", response.BuildStamp)
	}
	if response.Status == "" {
		t.Error("Expected status field to be populated")
	}
	if response.System.GoVersion == "" {
		t.Error("Expected Go version to be populated")
	}
	if response.System.NumGoroutines <= 0 {
		t.Error("Expected positive number of goroutines")
	}

	store, ok := response.Checks["store"]
	if !ok {
		t.Fatal("Expected a store check even without a repository")
	}
	if store.Status != "warn" {
		t.Errorf("Expected store check to warn without a repository, got %s", store.Status)
	}

	calibration, ok := response.Checks["calibration"]
	if !ok {
		t.Fatal("Expected a calibration check")
	}
	if calibration.Status != "pass" {
		t.Errorf("Expected default calibration to pass, got %s: %s", calibration.Status, calibration.Message)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}

	// Prometheus text exposition, not the JSON the API routes use
	if ctype := rr.Header().Get("Content-Type"); !strings.Contains(ctype, "text/plain") {
		t.Errorf("Expected text exposition content type, got %q", ctype)
	}

	body := rr.Body.String()
	for _, metric := range []string{"go_goroutines", "go_memstats_alloc_bytes"} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected to find metric %s in response", metric)
		}
	}
}

func TestCORSPreflightFromLocalhost(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/v1/velocity", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Preflight returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:3000" {
		t.Errorf("Expected localhost origin echoed back, got %q", origin)
	}
}

func TestCORSRejectsRemoteOrigin(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/v1/velocity", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Errorf("Expected no allow-origin header for remote origin, got %q", origin)
	}
}

func TestConstraintReasonRule(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{"vo2max_improving (confidence 0.82 >= 0.70, window 60d >= 42d)", "vo2max_improving"},
		{"body_fat_improving (slope +1.2, lean_mass stable)", "body_fat_improving"},
		{"bare_rule", "bare_rule"},
	}

	for _, tc := range cases {
		if got := constraintReasonRule(tc.reason); got != tc.want {
			t.Errorf("constraintReasonRule(%q) = %q, want %q", tc.reason, got, tc.want)
		}
	}
}
