package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"spendwise/internal/auth"
	"spendwise/internal/core"
	"spendwise/internal/log"
	"spendwise/internal/session"
	"spendwise/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type"`
	Field string `json:"field,omitempty"`
}

type viewBody struct {
	UserID            string                `json:"user_id,omitempty"`
	Phase             session.Phase         `json:"phase"`
	Loading           bool                  `json:"loading"`
	Error             string                `json:"error,omitempty"`
	Records           []store.Document      `json:"records"`
	Recent            []store.Document      `json:"recent"`
	SortedAll         []store.Document      `json:"sorted_all"`
	MonthlyTotal      float64               `json:"monthly_total"`
	CategoryTotals    map[string]float64    `json:"category_totals"`
	CategoryBreakdown []core.CategoryAmount `json:"category_breakdown"`
}

func newViewBody(v session.View, filtered []core.Expense) viewBody {
	body := viewBody{
		UserID:            v.UserID,
		Phase:             v.Phase,
		Loading:           v.Loading,
		Records:           encodeAll(v.Records),
		Recent:            encodeAll(v.Recent),
		SortedAll:         encodeAll(filtered),
		MonthlyTotal:      v.MonthlyTotal,
		CategoryTotals:    make(map[string]float64, len(v.CategoryTotals)),
		CategoryBreakdown: core.CategoryBreakdown(v.CategoryTotals),
	}
	for c, amount := range v.CategoryTotals {
		body.CategoryTotals[string(c)] = amount
	}
	if v.Err != nil {
		body.Error = v.Err.Error()
	}
	return body
}

func encodeAll(records []core.Expense) []store.Document {
	out := make([]store.Document, len(records))
	for i, e := range records {
		out[i] = store.Encode(e)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrInvalidResetToken),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrAuthRequired), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, core.ErrWrite):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrSubscription):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Type: log.ErrorType(err)}
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrInvalidResetToken):
		body.Type = log.ErrorTypeAuth
	case errors.Is(err, errBadRequest):
		body.Type = log.ErrorTypeValidation
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}

	logger := log.FromContext(r.Context())
	if status >= 500 {
		logger.LogError(r.Context(), "Request failed", err, op, nil)
	} else {
		logger.WarnContext(r.Context(), "Request rejected", log.NewFields().WithError(err).WithOperation(op).ToSlice()...)
	}
	writeJSON(w, status, body)
}
