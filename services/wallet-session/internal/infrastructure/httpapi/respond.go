package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/monitoring"
)

// Envelope is the {code, message, data} body every route answers with
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Default().WithError(err).Error("failed to encode response")
		http.Error(w, "Error encoding JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func respondSuccess(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, Envelope{Code: http.StatusOK, Message: "success", Data: data})
}

func respondMessage(w http.ResponseWriter, status int, message string, data interface{}) {
	respondJSON(w, status, Envelope{Code: status, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, err error, data interface{}) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		monitoring.CaptureError(err, map[string]string{"component": "http"}, nil)
	}
	respondMessage(w, status, messageFor(err), data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrSessionSuperseded):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return apperrors.StatusCode(err)
}

func messageFor(err error) string {
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidInput("body", "malformed JSON").WithCause(err)
	}
	return nil
}
