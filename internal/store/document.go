package store

import (
	"math"
	"strings"
	"time"

	"spendwise/internal/core"
)

// DocumentDateLayout is the ISO-8601 shape dates are stored in: UTC with
// millisecond precision, which also sorts lexicographically.
const DocumentDateLayout = "2006-01-02T15:04:05.000Z07:00"

// Document is the backend-native shape of an expense. Optional fields are
// omitted when empty.
type Document struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Date        string  `json:"date"`
	Notes       string  `json:"notes,omitempty"`
}

// Encode converts an expense to its stored form.
func Encode(e core.Expense) Document {
	return Document{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Amount:      e.Amount,
		Category:    string(e.Category),
		Date:        FormatDate(e.Date),
		Notes:       e.Notes,
	}
}

// Decode converts a stored document back to an expense. Documents that
// could not have passed the write boundary yield a *core.ValidationError.
func Decode(d Document) (core.Expense, error) {
	date, err := ParseDocumentDate(d.Date)
	if err != nil {
		return core.Expense{}, err
	}
	category := core.Category(d.Category)
	if !category.Valid() {
		return core.Expense{}, &core.ValidationError{Field: core.FieldCategory, Reason: "unknown category in document " + d.ID}
	}
	if math.IsNaN(d.Amount) || math.IsInf(d.Amount, 0) {
		return core.Expense{}, &core.ValidationError{Field: core.FieldAmount, Reason: "non-finite amount in document " + d.ID}
	}
	return core.Expense{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		Amount:      d.Amount,
		Category:    category,
		Date:        date,
		Notes:       d.Notes,
	}, nil
}

// DecodeAll decodes documents in order, failing on the first bad one.
func DecodeAll(docs []Document) ([]core.Expense, error) {
	out := make([]core.Expense, 0, len(docs))
	for _, d := range docs {
		e, err := Decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FormatDate renders t in DocumentDateLayout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DocumentDateLayout)
}

// ParseDocumentDate accepts any RFC 3339 instant, or a bare calendar date
// (read as UTC midnight) as written by older clients.
func ParseDocumentDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(core.DateLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, &core.ValidationError{Field: core.FieldDate, Reason: "unparsable date " + `"` + s + `"`}
}
