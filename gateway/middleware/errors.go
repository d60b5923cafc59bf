package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"kioskexchange/exchange"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error           string `json:"error"`
	Field           string `json:"field,omitempty"`
	CurrentStatus   string `json:"current_status,omitempty"`
	AttemptedStatus string `json:"attempted_status,omitempty"`
	RetryAfter      int    `json:"retry_after_seconds,omitempty"`
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteJSONError(w http.ResponseWriter, status int, err error) {
	message := ""
	if err != nil {
		message = strings.TrimSpace(err.Error())
	}
	if message == "" {
		message = http.StatusText(status)
	}
	WriteJSON(w, status, ErrorBody{Error: message})
}

// WriteError maps a domain error onto its HTTP status. Rejected transitions
// carry the order's actual status and rate-limit denials set Retry-After.
func WriteError(w http.ResponseWriter, err error) {
	body := ErrorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		validation *exchange.ValidationError
		transition *exchange.TransitionError
		limited    *exchange.RateLimitedError
	)
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body.Field = validation.Field
	case errors.Is(err, exchange.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, exchange.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &transition):
		status = http.StatusConflict
		body.CurrentStatus = transition.Current
		body.AttemptedStatus = transition.Attempted
	case errors.Is(err, exchange.ErrVersionConflict):
		status = http.StatusConflict
	case errors.As(err, &limited):
		status = http.StatusTooManyRequests
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		body.RetryAfter = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	case errors.Is(err, exchange.ErrFraudBlocked):
		status = http.StatusForbidden
	case errors.Is(err, exchange.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		body.Error = http.StatusText(status)
	}
	WriteJSON(w, status, body)
}
