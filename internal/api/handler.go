package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/learning"
	"github.com/opensource-finance/couponguard/internal/repository"
	"github.com/opensource-finance/couponguard/internal/rules"
	"github.com/opensource-finance/couponguard/internal/service"
	"github.com/shopspring/decimal"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc      *service.Service
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, backends service.Backends, version string) *Handler {
	return &Handler{
		svc:      svc,
		repo:     backends.Repo,
		cache:    backends.Cache,
		bus:      backends.Bus,
		validate: validator.New(),
		version:  version,
	}
}

// TransactionRequest is the request body for POST /score.
type TransactionRequest struct {
	ID       string `json:"id" validate:"omitempty,max=128"`
	UserID   string `json:"userId,omitempty" validate:"max=128"`
	UserName string `json:"userName" validate:"max=256"`
	Phone    string `json:"phone" validate:"max=64"`
	Email    string `json:"email" validate:"max=320"`

	VendorName string `json:"vendorName" validate:"max=256"`
	Merchant   string `json:"merchant,omitempty" validate:"max=256"`
	Channel    string `json:"channel,omitempty" validate:"max=64"`
	CouponCode string `json:"couponCode,omitempty" validate:"max=128"`
	ItemsCount int    `json:"itemsCount,omitempty" validate:"gte=0"`

	OriginalAmount decimal.Decimal `json:"originalAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	FinalAmount    decimal.Decimal `json:"finalAmount"`

	// DiscountRatio is derived from the amounts when omitted.
	DiscountRatio   *float64 `json:"discountRatio,omitempty"`
	BaseProbability *float64 `json:"baseProbability,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Transaction builds the domain transaction. Out-of-range values are kept;
// the rules report them as data-quality failures.
func (req *TransactionRequest) Transaction() *domain.Transaction {
	now := time.Now().UTC()
	tx := &domain.Transaction{
		ID:              req.ID,
		UserID:          req.UserID,
		UserName:        req.UserName,
		Phone:           req.Phone,
		Email:           req.Email,
		VendorName:      req.VendorName,
		Merchant:        req.Merchant,
		Channel:         req.Channel,
		CouponCode:      req.CouponCode,
		ItemsCount:      req.ItemsCount,
		OriginalAmount:  req.OriginalAmount,
		DiscountAmount:  req.DiscountAmount,
		FinalAmount:     req.FinalAmount,
		BaseProbability: req.BaseProbability,
		Timestamp:       req.Timestamp,
		CreatedAt:       now,
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = now
	}
	if req.DiscountRatio != nil {
		tx.DiscountRatio = *req.DiscountRatio
	} else if ratio, ok := domain.RatioFromAmounts(req.OriginalAmount, req.DiscountAmount); ok {
		tx.DiscountRatio = ratio
	}
	return tx
}

// BatchRequest is the request body for POST /score/batch.
type BatchRequest struct {
	Transactions []TransactionRequest `json:"transactions" validate:"required,min=1,max=10000,dive"`
}

// BatchResponse is the response for POST /score/batch.
type BatchResponse struct {
	Scores  []*domain.ScoredTransaction `json:"scores"`
	Summary domain.BatchSummary         `json:"summary"`
}

// Score handles POST /score requests.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	scored, err := h.svc.Score(r.Context(), req.Transaction())
	if err != nil {
		slog.Error("scoring failed", "error", err, "trace_id", GetTraceID(r.Context()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scored)
}

// ScoreBatch handles POST /score/batch requests.
func (h *Handler) ScoreBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	txs := make([]*domain.Transaction, len(req.Transactions))
	seen := make(map[string]bool, len(txs))
	for i := range req.Transactions {
		txs[i] = req.Transactions[i].Transaction()
		if seen[txs[i].ID] {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("duplicate transaction id %q in batch", txs[i].ID),
			})
			return
		}
		seen[txs[i].ID] = true
	}

	scored, summary, err := h.svc.ScoreBatch(r.Context(), txs)
	if err != nil {
		slog.Error("batch scoring failed", "error", err, "size", len(txs))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Scores: scored, Summary: summary})
}

// GetScore retrieves a stored score by transaction ID.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")
	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	scored, err := h.svc.GetScore(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scored)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := make(map[string]string)

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(r.Context()) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(r.Context()) })
	}
	if h.bus != nil {
		check("eventBus", func() error { return h.bus.Ping(r.Context()) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        h.version,
		"checks":         checks,
		"weightsVersion": h.svc.Weights().Version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the loaded rules. Built-in rules are fixed; expression
// rules are stored and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	catalog := h.svc.Catalog()
	expressions := catalog.Expressions()

	writeJSON(w, http.StatusOK, map[string]any{
		"builtin":     catalog.BuiltinNames(),
		"expressions": expressions,
		"count":       len(catalog.Names()),
	})
}

// CreateRuleRequest is the request body for creating an expression rule.
type CreateRuleRequest struct {
	ID          string  `json:"id" validate:"omitempty,max=64"`
	Name        string  `json:"name" validate:"required,max=256"`
	Description string  `json:"description,omitempty"`
	Expression  string  `json:"expression" validate:"required"`
	Confidence  float64 `json:"confidence" validate:"gte=0,lte=1"`
	Enabled     bool    `json:"enabled"`
}

// CreateRule validates, stores and loads an expression rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	rule := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Confidence:  req.Confidence,
		Enabled:     req.Enabled,
	}
	if err := h.svc.SaveRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
	})
}

// ReloadRules reloads all expression rules from the database.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ReloadRules(r.Context())
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

// VendorRequest is the request body for POST /vendors/blacklist.
type VendorRequest struct {
	Name   string `json:"name" validate:"required,max=256"`
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

// ListVendors returns the vendor blacklist.
func (h *Handler) ListVendors(w http.ResponseWriter, r *http.Request) {
	vendors := h.svc.Index().Vendors()
	writeJSON(w, http.StatusOK, map[string]any{
		"vendors": vendors,
		"count":   len(vendors),
	})
}

// BlacklistVendor adds a vendor to the blacklist.
func (h *Handler) BlacklistVendor(w http.ResponseWriter, r *http.Request) {
	var req VendorRequest
	if !h.decode(w, r, &req) {
		return
	}

	added, err := h.svc.BlacklistVendor(r.Context(), req.Name, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"vendor": req.Name,
		"added":  added,
	})
}

// Metrics returns effectiveness and confusion metrics over recorded feedback.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC 3339 timestamp",
			})
			return
		}
		since = t
	}

	report, err := h.svc.Metrics(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decode parses and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "request body too large",
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": formatValidationError(err),
		})
		return false
	}
	return true
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Namespace()+" is required")
		case "max", "min", "gte", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// writeError maps service errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rules.ErrInvalidInput), errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, learning.ErrUnknownRule):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyReviewed), errors.Is(err, repository.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, service.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
