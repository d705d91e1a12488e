package http

// This file turns request bodies and query strings into core values. Anything
// malformed surfaces as a *core.ValidationError or errBadRequest.

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"spendwise/internal/core"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("malformed request body")

// flexAmount accepts a JSON number or a decimal string such as "12,50".
type flexAmount struct {
	set   bool
	value float64
	err   error
}

func (a *flexAmount) UnmarshalJSON(b []byte) error {
	a.set = true
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		a.set = false
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		a.value, a.err = core.ParseAmount(s)
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		a.err = &core.ValidationError{Field: core.FieldAmount, Reason: "not a number"}
		return nil
	}
	a.value = v
	return nil
}

type expensePayload struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Amount      flexAmount `json:"amount"`
	Category    string     `json:"category"`
	Date        string     `json:"date"`
	Notes       string     `json:"notes"`
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errBadRequest
	}
	return nil
}

// parseExpense builds an expense from the payload. A missing date means now.
func (s *Server) parseExpense(w http.ResponseWriter, r *http.Request) (core.Expense, error) {
	var p expensePayload
	if err := decodeJSON(w, r, &p); err != nil {
		return core.Expense{}, err
	}

	if !p.Amount.set {
		return core.Expense{}, &core.ValidationError{Field: core.FieldAmount, Reason: "must be set"}
	}
	if p.Amount.err != nil {
		return core.Expense{}, p.Amount.err
	}
	category, err := core.ParseCategory(p.Category)
	if err != nil {
		return core.Expense{}, err
	}
	date := s.now()
	if strings.TrimSpace(p.Date) != "" {
		if date, err = core.ParseDate(p.Date, s.location); err != nil {
			return core.Expense{}, err
		}
	}

	return core.Expense{
		Title:       p.Title,
		Description: p.Description,
		Amount:      p.Amount.value,
		Category:    category,
		Date:        date,
		Notes:       p.Notes,
	}, nil
}

// viewFilter narrows the sorted list on /view.
type viewFilter struct {
	category core.Category
	query    string
	from     time.Time
	to       time.Time
}

func (f viewFilter) apply(records []core.Expense) []core.Expense {
	records = core.FilterByCategory(records, f.category)
	records = core.Search(records, f.query)
	return core.FilterRange(records, f.from, f.to)
}

// parseViewFilter reads category, q, from and to. A bare calendar date in
// "to" covers that whole day.
func (s *Server) parseViewFilter(q url.Values) (viewFilter, error) {
	var f viewFilter
	var err error
	if v := strings.TrimSpace(q.Get("category")); v != "" {
		if f.category, err = core.ParseCategory(v); err != nil {
			return f, err
		}
	}
	f.query = q.Get("q")
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		if f.from, err = core.ParseDate(v, s.location); err != nil {
			return f, err
		}
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		if f.to, err = core.ParseDate(v, s.location); err != nil {
			return f, err
		}
		if len(v) == len(core.DateLayout) {
			f.to = f.to.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
	}
	return f, nil
}
