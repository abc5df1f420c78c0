// Package handler содержит HTTP-обработчики операторского API сервиса выплат.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/payoutd/internal/model"
	"github.com/mmeshcher/payoutd/internal/repository"
	"github.com/mmeshcher/payoutd/internal/service"
)

// Service определяет контракт оркестратора, используемый HTTP-обработчиками.
type Service interface {
	View() service.View
	CaptureByID(ctx context.Context, requestID string) (string, error)
	Resume(ctx context.Context, requestID string) error
	Refresh(ctx context.Context) error
}

// Handler реализует HTTP-обработчики операторского API.
type Handler struct {
	service Service
	logger  *zap.Logger
	metrics http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metrics отдаётся по /metrics и может быть nil.
func NewHandler(s Service, logger *zap.Logger, metrics http.Handler) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		metrics: metrics,
	}
}

type payoutResponse struct {
	ID          string                `json:"id"`
	OwnerID     string                `json:"owner_id"`
	Amount      decimal.Decimal       `json:"amount"`
	Destination string                `json:"destination"`
	Status      string                `json:"status"`
	BatchID     string                `json:"batch_id,omitempty"`
	PaymentDate string                `json:"payment_date,omitempty"`
	CreatedAt   string                `json:"created_at,omitempty"`
	InFlight    bool                  `json:"in_flight"`
	Owner       model.OwnerProjection `json:"owner"`
}

// GetPayouts возвращает запросы на выплату из последнего снимка.
func (h *Handler) GetPayouts(w http.ResponseWriter, r *http.Request) {
	view := h.service.View()

	resp := make([]payoutResponse, 0, len(view.Requests))
	for _, rv := range view.Requests {
		p := payoutResponse{
			ID:          rv.Request.ID,
			OwnerID:     rv.Request.OwnerID,
			Amount:      rv.Request.Amount,
			Destination: rv.Request.Destination,
			Status:      string(rv.Request.Status),
			BatchID:     rv.Request.BatchID,
			InFlight:    rv.InFlight,
			Owner:       rv.Owner,
		}
		if rv.Request.PaymentDate != nil {
			p.PaymentDate = rv.Request.PaymentDate.Format(time.RFC3339)
		}
		if !rv.Request.CreatedAt.IsZero() {
			p.CreatedAt = rv.Request.CreatedAt.Format(time.RFC3339)
		}
		resp = append(resp, p)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetBalances возвращает балансы владельцев из последнего снимка.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	view := h.service.View()
	h.writeJSON(w, http.StatusOK, view.Balances)
}

type captureResponse struct {
	RequestID string `json:"request_id"`
	BatchID   string `json:"batch_id"`
}

// Capture запускает выплату по запросу. Ответ не ждёт завершения выплаты.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	batchID, err := h.service.CaptureByID(r.Context(), id)
	if err != nil {
		var initErr *service.GatewayInitiationError
		switch {
		case errors.Is(err, repository.ErrRequestNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrAlreadyInFlight), errors.Is(err, service.ErrTerminalRequest):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrInvalidRequest):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.As(err, &initErr):
			h.logger.Warn("capture rejected by gateway", zap.String("request", id), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		case errors.Is(err, service.ErrInitiationUnconfirmed):
			h.logger.Warn("capture outcome unknown", zap.String("request", id), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("capture error", zap.String("request", id), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, captureResponse{RequestID: id, BatchID: batchID})
}

// Resume возобновляет опрос шлюза по запросу с сохранённым пакетом.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Resume(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrRequestNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNotResumable),
			errors.Is(err, service.ErrAlreadyInFlight),
			errors.Is(err, service.ErrTerminalRequest):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("resume error", zap.String("request", id), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Refresh принудительно перечитывает балансы и запросы.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Refresh(r.Context()); err != nil {
		h.logger.Error("refresh error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}
