/**
 * @description
 * HTTP handlers for the settlement operator API.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/shopspring/decimal: Rate constant values.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/app"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/rates"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/store"
)

// Settlements settles and previews events.
type Settlements interface {
	Settle(ctx context.Context, event domain.TransactionEvent) (*app.SettleResult, error)
	Calculate(ctx context.Context, event domain.TransactionEvent) (*domain.AllocationResult, error)
}

// LedgerService answers ledger queries.
type LedgerService interface {
	GetEvent(ctx context.Context, eventID string) (*domain.SettlementEvent, error)
	GetCreatorSummary(ctx context.Context, creatorID string) (*domain.CreatorSummary, error)
	GetCreatorHistory(ctx context.Context, creatorID string, opts domain.HistoryOptions) ([]domain.CreatorHistoryItem, error)
	GetReferrerSummary(ctx context.Context, referrerID string) (*domain.ReferrerSummary, error)
	GetRiskPoolBalance(ctx context.Context) (int64, error)
	ReleaseHeldShares(ctx context.Context) (domain.ReleaseResult, error)
}

// PayoutService runs batches, payouts and deductions.
type PayoutService interface {
	CreatePayoutBatch(ctx context.Context, batchDate *time.Time) (*domain.PayoutBatch, error)
	ListBatches(ctx context.Context, opts domain.BatchListOptions) ([]domain.PayoutBatch, error)
	GetBatch(ctx context.Context, batchID string) (*domain.PayoutBatch, error)
	ConfirmBatch(ctx context.Context, batchID string) (*domain.PayoutBatch, error)
	DiscardBatch(ctx context.Context, batchID string) (*domain.PayoutBatch, error)
	ProcessPayout(ctx context.Context, payoutID string, info domain.TransferInfo) (*domain.PayoutRecord, error)
	ProcessDeduction(ctx context.Context, req domain.DeductionRequest) (*domain.DeductionResult, error)
	GetPayoutStats(ctx context.Context) (*domain.PayoutStats, error)
}

// RateService reads and updates settlement constants.
type RateService interface {
	GetAll() map[rates.Key]decimal.Decimal
	UpdateMany(ctx context.Context, values map[rates.Key]decimal.Decimal, description *string) (rates.Snapshot, error)
}

// Handler holds the services the handlers interact with.
type Handler struct {
	settlements Settlements
	ledger      LedgerService
	payouts     PayoutService
	rates       RateService
	logger      *slog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(settlements Settlements, ledger LedgerService, payouts PayoutService, rateService RateService, logger *slog.Logger) *Handler {
	return &Handler{settlements: settlements, ledger: ledger, payouts: payouts, rates: rateService, logger: logger}
}

var errBadRequest = errors.New("bad request")

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondSuccess(w http.ResponseWriter, code int, data interface{}) {
	respondWithJSON(w, code, envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, envelope{Success: false, Error: message, Code: code})
}

// errorStatus maps service errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, app.ErrInvalidEvent),
		errors.Is(err, app.ErrInvalidDeduction),
		errors.Is(err, rates.ErrUnknownKey):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, store.ErrEventNotFound),
		errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrPayoutNotFound),
		errors.Is(err, app.ErrOriginalEventNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, app.ErrBatchNotDraft),
		errors.Is(err, app.ErrDraftBatchOpen),
		errors.Is(err, app.ErrPayoutNotPayable):
		return http.StatusConflict, "conflict"
	case errors.Is(err, rates.ErrInvalidRates):
		return http.StatusUnprocessableEntity, "invalid_rates"
	case errors.Is(err, app.ErrBatchMismatch):
		return http.StatusInternalServerError, "batch_mismatch"
	case errors.Is(err, rates.ErrRatesUnavailable):
		return http.StatusServiceUnavailable, "rates_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError && code == "internal_error" {
		message = "internal server error"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("settlement request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Warn("settlement request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	respondError(w, status, code, message)
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return v, nil
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var event domain.TransactionEvent
	if err := decodeBody(r, &event); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.settlements.Settle(r.Context(), event)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	respondSuccess(w, status, result)
}

func (h *Handler) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var event domain.TransactionEvent
	if err := decodeBody(r, &event); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.settlements.Calculate(r.Context(), event)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, result)
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.ledger.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, event)
}

func (h *Handler) handleCreatorSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.GetCreatorSummary(r.Context(), chi.URLParam(r, "creatorID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, summary)
}

func (h *Handler) handleCreatorHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	items, err := h.ledger.GetCreatorHistory(r.Context(), chi.URLParam(r, "creatorID"), domain.HistoryOptions{
		Limit:  limit,
		Offset: offset,
		Status: r.URL.Query().Get("status"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, items)
}

func (h *Handler) handleReferrerSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.GetReferrerSummary(r.Context(), chi.URLParam(r, "referrerID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, summary)
}

func (h *Handler) handleRiskPool(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.GetRiskPoolBalance(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (h *Handler) handleReleaseHeld(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.ReleaseHeldShares(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, result)
}

func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BatchDate string `json:"batch_date"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	var batchDate *time.Time
	if body.BatchDate != "" {
		d, err := time.Parse("2006-01-02", body.BatchDate)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: batch_date must be YYYY-MM-DD", errBadRequest))
			return
		}
		batchDate = &d
	}

	batch, err := h.payouts.CreatePayoutBatch(r.Context(), batchDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusCreated, batch)
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	batches, err := h.payouts.ListBatches(r.Context(), domain.BatchListOptions{
		Limit:  limit,
		Offset: offset,
		Status: r.URL.Query().Get("status"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, batches)
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.payouts.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, batch)
}

func (h *Handler) handleConfirmBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.payouts.ConfirmBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, batch)
}

func (h *Handler) handleDiscardBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.payouts.DiscardBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, batch)
}

func (h *Handler) handleCompletePayout(w http.ResponseWriter, r *http.Request) {
	var info domain.TransferInfo
	if err := decodeBody(r, &info); err != nil {
		h.fail(w, r, err)
		return
	}

	record, err := h.payouts.ProcessPayout(r.Context(), chi.URLParam(r, "payoutID"), info)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, record)
}

func (h *Handler) handleDeduction(w http.ResponseWriter, r *http.Request) {
	var req domain.DeductionRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.payouts.ProcessDeduction(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, result)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.payouts.GetPayoutStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	balance, err := h.ledger.GetRiskPoolBalance(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"payouts":           stats,
		"risk_pool_balance": balance,
	})
}

func constantsView(values map[rates.Key]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[string(k)] = v.String()
	}
	return out
}

func (h *Handler) handleGetConstants(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, constantsView(h.rates.GetAll()))
}

func (h *Handler) handleUpdateConstants(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Values      map[string]string `json:"values"`
		Description *string           `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	values := make(map[rates.Key]decimal.Decimal, len(body.Values))
	for raw, rawValue := range body.Values {
		key, err := rates.ParseKey(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		value, err := decimal.NewFromString(strings.TrimSpace(rawValue))
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: %s is not a number", errBadRequest, raw))
			return
		}
		values[key] = value
	}

	snap, err := h.rates.UpdateMany(r.Context(), values, body.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if op, ok := OperatorFromContext(r.Context()); ok {
		h.logger.Info("settlement constants changed by operator", "subject", op.Subject, "keys", len(values))
	}
	respondSuccess(w, http.StatusOK, constantsView(snap.Values()))
}
