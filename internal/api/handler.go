package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// DefaultMaxBatchBytes bounds request bodies when the server config leaves it unset.
const DefaultMaxBatchBytes = 32 << 20

// Handler holds dependencies for API handlers.
// repo, cache and bus are optional; endpoints that need a missing one answer 503.
type Handler struct {
	repo          domain.Repository
	cache         domain.Cache
	bus           domain.EventBus
	analyzer      *monitor.Analyzer
	version       string
	mode          domain.EvaluationMode
	maxBatchBytes int64
}

// NewHandler creates a new API handler. mode is used when a request does not name one.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, analyzer *monitor.Analyzer, version string, mode domain.EvaluationMode, maxBatchBytes int64) *Handler {
	if mode == "" {
		mode = domain.ModeHybrid
	}
	if maxBatchBytes <= 0 {
		maxBatchBytes = DefaultMaxBatchBytes
	}
	return &Handler{
		repo:          repo,
		cache:         cache,
		bus:           bus,
		analyzer:      analyzer,
		version:       version,
		mode:          mode,
		maxBatchBytes: maxBatchBytes,
	}
}

// AnalyzeResponse is the response for POST /analyze.
type AnalyzeResponse struct {
	Run      domain.Run          `json:"run"`
	Verdicts []domain.Verdict    `json:"verdicts"`
	Reasons  map[string][]string `json:"reasons,omitempty"`
	Stored   bool                `json:"stored"`
}

// Analyze handles POST /analyze. The body is a CSV file (Content-Type
// text/csv) or a JSON array of transactions. ?mode= selects the detection
// paths and ?flagged=true limits the response to anomalous verdicts.
// With Accept: text/csv the verdicts are returned as a CSV report.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mode := h.requestMode(r)
	txs, err := h.readBatch(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	rep, err := h.analyzer.Analyze(ctx, txs, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		rep.Run.Metadata.TraceID = traceID
	}

	stored := false
	if h.repo != nil {
		if err := rep.Save(ctx, h.repo); err != nil {
			slog.Error("failed to store run", "run_id", rep.Run.ID, "request_id", GetRequestID(ctx), "error", err)
		} else {
			stored = true
		}
	}

	verdicts := rep.Verdicts
	if flaggedOnly(r) {
		verdicts = report.FlaggedOnly(verdicts)
	}

	if wantsCSV(r) {
		writeCSV(w, verdicts, rep.Transactions)
		return
	}

	reasons := make(map[string][]string)
	for i := range verdicts {
		if tadp.ShouldAlert(&verdicts[i]) {
			reasons[verdicts[i].TxID] = tadp.GetReasons(&verdicts[i])
		}
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		Run:      rep.Run,
		Verdicts: verdicts,
		Reasons:  reasons,
		Stored:   stored,
	})
}

// SubmitBatch handles POST /batches. The batch is validated, staged in the
// cache and analyzed by the worker; the response carries the run ID to poll.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cache == nil || h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "async processing not available",
		})
		return
	}

	mode := h.requestMode(r)
	txs, err := h.readBatch(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Reject bad records now rather than in the worker.
	if _, err := domain.PrepareBatch(txs); err != nil {
		writeError(w, err)
		return
	}

	batchID, err := worker.Submit(ctx, h.cache, h.bus, txs, mode, GetTraceID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("batch submitted", "batch_id", batchID, "mode", mode, "transactions", len(txs), "request_id", GetRequestID(ctx))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batchId":      batchID,
		"runId":        batchID,
		"status":       "queued",
		"transactions": len(txs),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"version":     h.version,
		"mode":        h.mode,
		"rulesLoaded": h.analyzer.Engine().RulesCount(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRuns handles GET /runs?limit=N, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	run, err := h.repo.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// ListVerdicts handles GET /runs/{id}/verdicts?flagged=true.
func (h *Handler) ListVerdicts(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	if _, err := h.repo.GetRun(ctx, runID); err != nil {
		writeError(w, err)
		return
	}

	verdicts, err := h.repo.ListVerdicts(ctx, runID, flaggedOnly(r))
	if err != nil {
		writeError(w, err)
		return
	}

	if wantsCSV(r) {
		txs, err := h.repo.ListTransactions(ctx, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeCSV(w, verdicts, txs)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":    runID,
		"verdicts": verdicts,
		"count":    len(verdicts),
	})
}

// ListRules returns the rules currently loaded in the engine, in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.analyzer.Engine().GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.analyzer.Engine().GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a custom rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Message     string `json:"message,omitempty"`
	Severity    int    `json:"severity"`
	Fallback    bool   `json:"fallback"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule validates a custom CEL rule and saves it.
// Call POST /rules/reload to apply saved rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if isBuiltin(req.ID) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "rule id is reserved by a built-in rule",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Message:     req.Message,
		Severity:    req.Severity,
		Fallback:    req.Fallback,
		Enabled:     req.Enabled,
	}

	if err := h.analyzer.Engine().ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(r.Context(), ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules replaces the engine rules with the built-in set plus every
// enabled custom rule stored in the database. The old set stays active on error.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	count, err := rules.ReloadFromRepository(r.Context(), h.repo, h.analyzer.Engine())
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

// requestMode returns ?mode= or the server default. Validation happens in
// the analyzer so an unknown mode surfaces as a configuration error.
func (h *Handler) requestMode(r *http.Request) domain.EvaluationMode {
	if m := r.URL.Query().Get("mode"); m != "" {
		return domain.EvaluationMode(strings.ToLower(m))
	}
	return h.mode
}

// readBatch decodes the request body as CSV or JSON depending on Content-Type.
func (h *Handler) readBatch(w http.ResponseWriter, r *http.Request) ([]*domain.Transaction, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBatchBytes))
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "text/csv", "application/csv":
		return ingest.ReadCSV(bytes.NewReader(body))
	default:
		return ingest.ReadJSON(bytes.NewReader(body))
	}
}

func flaggedOnly(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("flagged"))
	return v
}

func wantsCSV(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/csv") || r.URL.Query().Get("format") == "csv"
}

func isBuiltin(id string) bool {
	for _, rule := range rules.BuiltinRules() {
		if rule.ID == id {
			return true
		}
	}
	return false
}

func writeCSV(w http.ResponseWriter, verdicts []domain.Verdict, txs []*domain.Transaction) {
	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, verdicts, txs); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var maxBytes *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytes):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrModelFit):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
