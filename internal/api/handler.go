package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/engine"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/rules"
)

// defaultHistoryLookback bounds how far back the handler reaches when the
// caller does not supply history inline.
const defaultHistoryLookback = 2 * 365 * 24 * time.Hour

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	evaluator *engine.Evaluator
	engine    *rules.Engine
	custom    *rules.CustomEngine
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, evaluator *engine.Evaluator, ruleEngine *rules.Engine, custom *rules.CustomEngine, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		evaluator: evaluator,
		engine:    ruleEngine,
		custom:    custom,
		version:   version,
	}
}

// EvaluateRequest is the request body for POST /evaluate. History and peers
// are optional: when omitted, they are materialized from the repository.
type EvaluateRequest struct {
	Transaction domain.InsiderTransaction   `json:"transaction"`
	History     []domain.InsiderTransaction `json:"history,omitempty"`
	Peers       []domain.InsiderTransaction `json:"peers,omitempty"`
}

// Evaluate handles POST /evaluate requests: synchronous evaluation of one
// transaction through the full pipeline.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	input := &domain.EvaluateInput{
		Transaction: req.Transaction,
		History:     req.History,
		Peers:       req.Peers,
	}

	// Materialize history and peers from storage when not supplied inline.
	if input.History == nil && h.repo != nil {
		if err := h.loadContext(r.Context(), input); err != nil {
			slog.Error("failed to load evaluation context",
				"ticker", input.Transaction.Ticker,
				"insider", input.Transaction.InsiderName,
				"error", err,
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to load transaction history",
			})
			return
		}
	}

	eval, err := h.evaluator.Evaluate(ctx, input)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	h.persistAndPublish(r, eval)

	writeJSON(w, http.StatusOK, eval)
}

// IngestTransaction handles POST /transactions: persists the disclosed
// transaction and publishes it for asynchronous evaluation by the worker.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var tx domain.InsiderTransaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := tx.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveTransaction(ctx, &tx); err != nil {
			slog.Error("failed to save transaction",
				"ticker", tx.Ticker,
				"insider", tx.InsiderName,
				"error", err,
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save transaction",
			})
			return
		}
	}

	if h.bus != nil {
		payload, _ := json.Marshal(&tx)
		if err := h.bus.Publish(ctx, domain.TopicTransactionIngested, payload); err != nil {
			slog.Error("failed to publish ingested transaction", "error", err)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	evalID := chi.URLParam(r, "id")

	if evalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "evaluation id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, evalID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get evaluation", "id", evalID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "evaluation not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// ListAnomalies handles GET /anomalies with optional ticker, minSeverity
// and limit query parameters.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	ticker := r.URL.Query().Get("ticker")

	minSeverity := 0.0
	if v := r.URL.Query().Get("minSeverity"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "minSeverity must be a number",
			})
			return
		}
		minSeverity = parsed
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be an integer",
			})
			return
		}
		limit = parsed
	}

	records, err := h.repo.ListAnomalies(ctx, ticker, minSeverity, limit)
	if err != nil {
		slog.Error("failed to list anomalies", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list anomalies",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": records,
		"count":     len(records),
	})
}

// GetConfig returns the active scoring configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Config())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded custom rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.custom == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "custom rule engine not available",
		})
		return
	}

	loaded := h.custom.LoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a custom rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if h.custom != nil {
		for _, rule := range h.custom.LoadedRules() {
			if rule.ID == ruleID {
				writeJSON(w, http.StatusOK, rule)
				return
			}
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRule creates a custom rule, persists it and loads it into the
// engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.custom == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "custom rule engine not available",
		})
		return
	}

	var rule domain.CustomRuleConfig
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.ID == "" || rule.Name == "" || rule.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	// Validate the CEL expression before anything is persisted.
	if err := h.custom.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveCustomRule(ctx, &rule); err != nil {
			slog.Error("failed to save custom rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	if rule.Enabled {
		if err := h.custom.LoadRule(&rule); err != nil {
			slog.Error("failed to load custom rule", "id", rule.ID, "error", err)
		}
	}

	slog.Info("custom rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteRule soft-deletes a custom rule and reloads the engine.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.DeleteCustomRule(ctx, ruleID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	if h.custom != nil {
		remaining, err := h.repo.ListCustomRules(ctx)
		if err != nil {
			slog.Error("failed to reload rules after delete", "error", err)
		} else if err := h.custom.ReloadRules(remaining); err != nil {
			slog.Error("failed to reload rules after delete", "error", err)
		}
	}

	slog.Info("custom rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadRules reloads all custom rules from the repository into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil || h.custom == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository or custom rule engine not available",
		})
		return
	}

	dbRules, err := h.repo.ListCustomRules(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.custom.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("custom rules reloaded", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// loadContext fills History and Peers from the repository. History takes
// the insider's prior transactions strictly before the transaction under
// evaluation; peers take same-ticker sales by other insiders inside the
// cluster window.
func (h *Handler) loadContext(ctx context.Context, input *domain.EvaluateInput) error {
	tx := &input.Transaction

	since := tx.TransactionDate.Add(-defaultHistoryLookback)
	all, err := h.repo.GetTransactionsByInsider(ctx, tx.Ticker, tx.InsiderName, since)
	if err != nil {
		return err
	}

	history := make([]domain.InsiderTransaction, 0, len(all))
	for _, t := range all {
		if t.TransactionDate.Before(tx.TransactionDate) {
			history = append(history, t)
		}
	}
	input.History = history

	windowStart := tx.TransactionDate.Add(-h.engine.Config().ClusterWindow())
	tickerTxns, err := h.repo.GetTransactionsByTicker(ctx, tx.Ticker, windowStart)
	if err != nil {
		return err
	}

	peers := make([]domain.InsiderTransaction, 0, len(tickerTxns))
	for _, t := range tickerTxns {
		if t.InsiderName != tx.InsiderName && !t.TransactionDate.After(tx.TransactionDate) {
			peers = append(peers, t)
		}
	}
	input.Peers = peers

	return nil
}

// persistAndPublish stores the evaluation and its anomaly records and
// publishes completion/detection events. Failures here never fail the
// evaluation response.
func (h *Handler) persistAndPublish(r *http.Request, eval *domain.Evaluation) {
	ctx := r.Context()

	if h.repo != nil {
		if err := h.repo.SaveEvaluation(ctx, eval); err != nil {
			slog.Error("failed to save evaluation", "id", eval.ID, "error", err)
		}
		for i := range eval.Anomalies {
			if err := h.repo.SaveAnomaly(ctx, &eval.Anomalies[i]); err != nil {
				slog.Error("failed to save anomaly", "id", eval.Anomalies[i].ID, "error", err)
			}
		}
	}

	if h.bus != nil {
		payload, _ := json.Marshal(eval)
		if err := h.bus.Publish(ctx, domain.TopicEvaluationCompleted, payload); err != nil {
			slog.Error("failed to publish evaluation", "id", eval.ID, "error", err)
		}

		for i := range eval.Anomalies {
			recPayload, _ := json.Marshal(&eval.Anomalies[i])
			if err := h.bus.Publish(ctx, domain.TopicAnomalyDetected, recPayload); err != nil {
				slog.Error("failed to publish anomaly", "id", eval.Anomalies[i].ID, "error", err)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
