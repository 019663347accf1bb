package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"quizmaster/internal/auth"
	"quizmaster/internal/payment"
	"quizmaster/internal/services"
	"quizmaster/internal/store"
	"quizmaster/internal/verification"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, services.ErrUnknownAchievement):
		return http.StatusNotFound
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrAmountOutOfRange),
		errors.Is(err, payment.ErrAmountOutOfRange),
		errors.Is(err, verification.ErrInvalidEmail),
		errors.Is(err, verification.ErrInvalidOTP),
		errors.Is(err, verification.ErrOTPExpired),
		errors.Is(err, verification.ErrOTPNotFound):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrInsufficientBalance),
		errors.Is(err, payment.ErrPaymentNotCompleted):
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrNotRegistered):
		return http.StatusForbidden
	case errors.Is(err, services.ErrEmailTaken),
		errors.Is(err, services.ErrAlreadyRegistered),
		errors.Is(err, services.ErrCompetitionFull),
		errors.Is(err, services.ErrCompetitionClosed),
		errors.Is(err, payment.ErrOrderAlreadyPaid),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, verification.ErrRateLimited),
		errors.Is(err, verification.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, verification.ErrDeliveryFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError maps domain errors to statuses. Unmapped errors are logged and
// reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeFailure(w, status, "internal server error")
		return
	}
	writeFailure(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", services.ErrValidation, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", services.ErrValidation, key)
	}
	return n, nil
}

func queryDate(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", services.ErrValidation, key)
	}
	return t, nil
}
