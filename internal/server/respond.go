package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/capability"
	"github.com/xela07ax/opsbrain/internal/connectors"
	"github.com/xela07ax/opsbrain/internal/domain"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error    errorBody        `json:"error"`
	Decision *domain.Decision `json:"decision,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// writeDenied: отказ политики. RATE_LIMITED -> 429 с Retry-After, неизвестная capability -> 404, остальное 403.
func writeDenied(w http.ResponseWriter, d domain.Decision) {
	status := http.StatusForbidden
	switch d.ReasonCode {
	case domain.ReasonCapabilityUnknown:
		status = http.StatusNotFound
	case domain.ReasonRateLimited:
		status = http.StatusTooManyRequests
		if d.RetryAfterSeconds != nil {
			w.Header().Set("Retry-After", strconv.Itoa(*d.RetryAfterSeconds))
		}
	}
	writeJSON(w, status, errorResponse{
		Error:    errorBody{Code: string(d.ReasonCode), Message: "denied: " + string(d.ReasonCode)},
		Decision: &d,
	})
}

// writeFailure переводит ошибку рантайма в HTTP ответ. Непредвиденные ошибки логируются, наружу уходит общий текст.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var ce *connectors.ConnectorError
	switch {
	case errors.Is(err, domain.ErrProposalNotFound):
		writeError(w, http.StatusNotFound, "PROPOSAL_NOT_FOUND", "proposal not found")
	case errors.Is(err, domain.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, "PROPOSAL_ALREADY_PROCESSED", "proposal already processed")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, capability.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "NOT_AUTHORIZED", "actor is not allowed to perform this action")
	case errors.Is(err, capability.ErrNoInvoker), errors.Is(err, capability.ErrNoWriteExecutor):
		writeError(w, http.StatusServiceUnavailable, "EXECUTOR_UNAVAILABLE", err.Error())
	case errors.Is(err, connectors.ErrUnknownConnector):
		writeError(w, http.StatusServiceUnavailable, "CONNECTOR_UNAVAILABLE", err.Error())
	case errors.As(err, &ce):
		status := http.StatusBadGateway
		switch ce.Code {
		case connectors.CodeTimeout:
			status = http.StatusGatewayTimeout
		case connectors.CodeReadOnlyViolation:
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, string(ce.Code), ce.Message)
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("trace_id", TraceIDFrom(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// decode читает JSON тело; пустое тело допустимо.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
