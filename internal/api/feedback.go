package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/shopspring/decimal"
)

// FeedbackRequest is the request body for POST /feedback. Individual
// records are checked by the updater and reported per record.
type FeedbackRequest struct {
	Records []FeedbackRecordRequest `json:"records" validate:"required,min=1,max=10000"`
}

// FeedbackRecordRequest is one reviewer decision.
type FeedbackRecordRequest struct {
	TxID     string          `json:"txId"`
	Label    string          `json:"label"`
	Impact   decimal.Decimal `json:"impact"`
	Reviewer string          `json:"reviewer,omitempty"`
}

// FeedbackResponse is the response for POST /feedback and /feedback/flush.
type FeedbackResponse struct {
	Outcomes []domain.FeedbackOutcome `json:"outcomes"`
	Applied  int                      `json:"applied"`
	Pending  int                      `json:"pending"`
}

// Feedback applies reviewer labels. With ?buffer=true the records are
// queued for the next batch instead.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}

	buffered := false
	if v := r.URL.Query().Get("buffer"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "buffer must be a boolean",
			})
			return
		}
		buffered = b
	}

	records := make([]*domain.FeedbackRecord, len(req.Records))
	for i, rec := range req.Records {
		records[i] = &domain.FeedbackRecord{
			TxID:     rec.TxID,
			Label:    domain.Label(rec.Label),
			Impact:   rec.Impact,
			Reviewer: rec.Reviewer,
		}
	}

	outcomes := h.svc.Feedback(r.Context(), records, buffered)
	writeJSON(w, http.StatusOK, h.feedbackResponse(outcomes))
}

// FlushFeedback applies every buffered record now.
func (h *Handler) FlushFeedback(w http.ResponseWriter, r *http.Request) {
	outcomes := h.svc.FlushFeedback(r.Context())
	if outcomes == nil {
		outcomes = []domain.FeedbackOutcome{}
	}
	slog.Info("feedback flushed on request", "records", len(outcomes))
	writeJSON(w, http.StatusOK, h.feedbackResponse(outcomes))
}

func (h *Handler) feedbackResponse(outcomes []domain.FeedbackOutcome) FeedbackResponse {
	resp := FeedbackResponse{Outcomes: outcomes, Pending: h.svc.PendingFeedback()}
	for _, o := range outcomes {
		if o.Applied() {
			resp.Applied++
		}
	}
	return resp
}

// WeightsResponse is the response for GET /weights.
type WeightsResponse struct {
	Version uint64              `json:"version"`
	Rules   []domain.WeightView `json:"rules"`
}

// GetWeights returns the current weight snapshot.
func (h *Handler) GetWeights(w http.ResponseWriter, r *http.Request) {
	snap := h.svc.Weights()
	writeJSON(w, http.StatusOK, WeightsResponse{
		Version: snap.Version,
		Rules:   snap.Views(),
	})
}

// ResetWeight returns a rule to its prior and clears any suspension.
func (h *Handler) ResetWeight(w http.ResponseWriter, r *http.Request) {
	rule := chi.URLParam(r, "rule")

	weight, err := h.svc.ResetWeight(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, weight.View())
}

// ListCandidates returns suggested rules, optionally filtered by status.
func (h *Handler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	status := domain.CandidateStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.CandidatePending, domain.CandidateApproved, domain.CandidateRejected:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status must be pending, approved or rejected",
		})
		return
	}

	candidates, err := h.svc.ListCandidates(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if candidates == nil {
		candidates = []*domain.CandidateRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": candidates,
		"count":      len(candidates),
	})
}

// ApproveCandidate installs a suggested rule.
func (h *Handler) ApproveCandidate(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.ApproveCandidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
	})
}

// RejectCandidate dismisses a suggested rule.
func (h *Handler) RejectCandidate(w http.ResponseWriter, r *http.Request) {
	candidate, err := h.svc.RejectCandidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candidate)
}
