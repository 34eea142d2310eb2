/**
 * @description
 * HTTP handlers for held-transfer actions. Handlers parse the request, call the hold
 * service and map its errors to status codes.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/app"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/tracing"
)

// IdempotencyKeyHeader carries the client-chosen request id of a hold action.
const IdempotencyKeyHeader = "Idempotency-Key"

// HoldActions is implemented by app.HoldService.
type HoldActions interface {
	Confirm(ctx context.Context, userID, idempotencyKey string, sagaID uuid.UUID, code string) (app.HoldResult, error)
	ReportFraud(ctx context.Context, userID, idempotencyKey string, sagaID uuid.UUID) (app.HoldResult, error)
	Approve(ctx context.Context, idempotencyKey string, sagaID uuid.UUID) (app.HoldResult, error)
}

// HoldHandlers holds the service the handlers use.
type HoldHandlers struct {
	holds  HoldActions
	logger logrus.FieldLogger
}

func NewHoldHandlers(holds HoldActions, logger logrus.FieldLogger) *HoldHandlers {
	return &HoldHandlers{holds: holds, logger: logger.WithField("component", "api")}
}

type confirmRequest struct {
	Code string `json:"code"`
}

// ConfirmHandler confirms a held transfer, with the verification code for strong-auth holds.
func (h *HoldHandlers) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	userID, sagaID, ok := h.userAction(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.holds.Confirm(r.Context(), userID, idempotencyKey(r), sagaID, strings.TrimSpace(req.Code))
	if err != nil {
		h.fail(w, r, "confirm", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReportFraudHandler cancels a held transfer the user does not recognise.
func (h *HoldHandlers) ReportFraudHandler(w http.ResponseWriter, r *http.Request) {
	userID, sagaID, ok := h.userAction(w, r)
	if !ok {
		return
	}
	result, err := h.holds.ReportFraud(r.Context(), userID, idempotencyKey(r), sagaID)
	if err != nil {
		h.fail(w, r, "report_fraud", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApproveHandler releases a false-positive hold on behalf of operations.
func (h *HoldHandlers) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	sagaID, ok := sagaIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.holds.Approve(r.Context(), idempotencyKey(r), sagaID)
	if err != nil {
		h.fail(w, r, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HoldHandlers) userAction(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return "", uuid.Nil, false
	}
	sagaID, ok := sagaIDParam(w, r)
	return userID, sagaID, ok
}

func sagaIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	sagaID, err := uuid.Parse(chi.URLParam(r, "sagaID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transfer ID")
		return uuid.Nil, false
	}
	return sagaID, true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
}

// fail maps hold service errors to responses. Unexpected errors are logged and hidden.
func (h *HoldHandlers) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	var ve *app.ValidationError
	switch {
	case errors.Is(err, app.ErrMissingRequestID):
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, app.ErrHoldNotFound):
		writeError(w, http.StatusNotFound, "Transfer not found")
	case errors.Is(err, app.ErrHoldNotPending):
		writeError(w, http.StatusConflict, "Transfer is not awaiting confirmation")
	case errors.Is(err, app.ErrRequestInFlight):
		writeError(w, http.StatusConflict, "A request with this Idempotency-Key is still in progress")
	case errors.Is(err, app.ErrInvalidAuthCode):
		writeError(w, http.StatusUnauthorized, "Invalid or expired verification code")
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":   action,
			"trace_id": tracing.TraceID(r.Context()),
		}).Error("hold action failed")
		writeError(w, http.StatusInternalServerError, "Unable to process request")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
