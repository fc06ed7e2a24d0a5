package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/composite"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/engine"
	"github.com/opensource-finance/merlin/internal/mlscore"
	"github.com/opensource-finance/merlin/internal/rules"
)

// createTestServer creates a server with an in-process pipeline and no
// storage, cache or bus.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	scoring := domain.DefaultScoringConfig()

	custom, err := rules.NewCustomEngine()
	if err != nil {
		t.Fatalf("failed to create custom engine: %v", err)
	}

	ruleEngine, err := rules.NewEngine(scoring, custom)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	evaluator := engine.NewEvaluator(
		ruleEngine,
		mlscore.NewScorer(scoring, nil, 0),
		composite.NewScorer(scoring),
	)

	return NewServer(cfg, nil, nil, nil, evaluator, ruleEngine, custom, "test-v1")
}

func saleTransaction(date time.Time, shares float64) domain.InsiderTransaction {
	price := 50.0
	return domain.InsiderTransaction{
		Ticker:          "ACME",
		InsiderName:     "Doe Jane",
		TransactionDate: date,
		TransactionCode: domain.CodeSale,
		Shares:          shares,
		PricePerShare:   &price,
		FilingDate:      date.AddDate(0, 0, 2),
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	server := createTestServer(t)
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	t.Run("SuccessfulEvaluation", func(t *testing.T) {
		history := []domain.InsiderTransaction{
			saleTransaction(base.AddDate(0, -6, 0), 1000),
			saleTransaction(base.AddDate(0, -3, 0), 1100),
			saleTransaction(base.AddDate(0, -1, 0), 900),
		}

		reqBody := EvaluateRequest{
			Transaction: saleTransaction(base, 1000),
			History:     history,
		}

		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var eval domain.Evaluation
		if err := json.Unmarshal(rr.Body.Bytes(), &eval); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if eval.ID == "" {
			t.Error("expected evaluation id in response")
		}
		if eval.Ticker != "ACME" {
			t.Errorf("expected ticker ACME, got %s", eval.Ticker)
		}
		// An ordinary sale within historical range should not alert.
		if eval.Composite.Tier != domain.TierNone {
			t.Errorf("expected tier NONE for routine sale, got %s", eval.Composite.Tier)
		}
		if len(eval.Anomalies) != 0 {
			t.Errorf("expected no anomaly records, got %d", len(eval.Anomalies))
		}
		if eval.Metadata.EngineVersion == "" {
			t.Error("expected engine version in metadata")
		}
	})

	t.Run("AnomalousEvaluation", func(t *testing.T) {
		history := []domain.InsiderTransaction{
			saleTransaction(base.AddDate(0, -9, 0), 1000),
			saleTransaction(base.AddDate(0, -6, 0), 1100),
			saleTransaction(base.AddDate(0, -3, 0), 900),
		}

		// Two orders of magnitude above the historical mean.
		reqBody := EvaluateRequest{
			Transaction: saleTransaction(base, 200000),
			History:     history,
		}

		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var eval domain.Evaluation
		if err := json.Unmarshal(rr.Body.Bytes(), &eval); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if eval.Composite.Tier == domain.TierNone {
			t.Error("expected an alerting tier for extreme volume")
		}
		if len(eval.Anomalies) == 0 {
			t.Error("expected anomaly records for alerting evaluation")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		tx := saleTransaction(base, 1000)
		tx.Ticker = ""

		body, _ := json.Marshal(EvaluateRequest{Transaction: tx})
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for missing ticker, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		body, _ := json.Marshal(EvaluateRequest{Transaction: saleTransaction(base, 1000)})
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestIngestEndpoint(t *testing.T) {
	server := createTestServer(t)
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	t.Run("AcceptsValidTransaction", func(t *testing.T) {
		tx := saleTransaction(base, 1000)
		body, _ := json.Marshal(tx)

		req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusAccepted {
			t.Errorf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectsInvalidTransaction", func(t *testing.T) {
		tx := saleTransaction(base, 1000)
		tx.InsiderName = ""
		body, _ := json.Marshal(tx)

		req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestConfigEndpoint(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var cfg domain.ScoringConfig
	if err := json.Unmarshal(rr.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.VolumeZThreshold != 2.0 {
		t.Errorf("expected volume threshold 2.0, got %f", cfg.VolumeZThreshold)
	}
	if cfg.ClusterWindowDays != 14 {
		t.Errorf("expected cluster window 14 days, got %d", cfg.ClusterWindowDays)
	}
}

func TestCustomRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("RejectsInvalidExpression", func(t *testing.T) {
		rule := domain.CustomRuleConfig{
			ID:         "bad-rule",
			Name:       "Broken",
			Expression: "this is not CEL (",
			Enabled:    true,
		}
		body, _ := json.Marshal(rule)

		req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreateAndListRule", func(t *testing.T) {
		rule := domain.CustomRuleConfig{
			ID:         "csuite-half",
			Name:       "C-suite half liquidation",
			Expression: "is_csuite && pct_sold > 0.5",
			Enabled:    true,
		}
		body, _ := json.Marshal(rule)

		req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		listReq := httptest.NewRequest(http.MethodGet, "/rules", nil)
		listRR := httptest.NewRecorder()
		server.Router().ServeHTTP(listRR, listReq)

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(listRR.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 loaded rule, got %d", resp.Count)
		}

		getReq := httptest.NewRequest(http.MethodGet, "/rules/csuite-half", nil)
		getRR := httptest.NewRecorder()
		server.Router().ServeHTTP(getRR, getReq)

		if getRR.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", getRR.Code)
		}
	})

	t.Run("GetUnknownRule", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rules/nope", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
