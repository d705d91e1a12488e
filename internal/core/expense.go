package core

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTitleLength caps Expense.Title, counted in characters.
const MaxTitleLength = 200

const (
	Food          Category = "Food"
	Transport     Category = "Transport"
	Bills         Category = "Bills"
	Shopping      Category = "Shopping"
	Subscriptions Category = "Subscriptions"
	Others        Category = "Others"
)

type (
	Category string

	// Expense is a single spending record owned by one user.
	// Description and Notes are optional; the empty string means absent.
	Expense struct {
		ID          string
		Title       string
		Description string
		Amount      float64
		Category    Category
		Date        time.Time
		Notes       string
	}
)

// Categories returns the closed category set in display order.
func Categories() []Category {
	return []Category{Food, Transport, Bills, Shopping, Subscriptions, Others}
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	switch c {
	case Food, Transport, Bills, Shopping, Subscriptions, Others:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	return string(c)
}

// ParseCategory matches s case-insensitively against the category set.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, c := range Categories() {
		if strings.EqualFold(s, string(c)) {
			return c, nil
		}
	}
	return "", &ValidationError{Field: FieldCategory, Reason: "unknown category " + quote(s)}
}

// Normalize returns a copy with free-text fields trimmed.
func (e Expense) Normalize() Expense {
	e.ID = strings.TrimSpace(e.ID)
	e.Title = strings.TrimSpace(e.Title)
	e.Description = strings.TrimSpace(e.Description)
	e.Notes = strings.TrimSpace(e.Notes)
	return e
}

// Validate checks the write-boundary rules. The ID is not inspected:
// creation leaves it empty and the store assigns it.
func (e Expense) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return &ValidationError{Field: FieldTitle, Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(e.Title) > MaxTitleLength {
		return &ValidationError{Field: FieldTitle, Reason: fmt.Sprintf("too long (max %d characters)", MaxTitleLength)}
	}
	if err := ValidateAmount(e.Amount); err != nil {
		return err
	}
	if !e.Category.Valid() {
		return &ValidationError{Field: FieldCategory, Reason: "unknown category " + quote(string(e.Category))}
	}
	if e.Date.IsZero() {
		return &ValidationError{Field: FieldDate, Reason: "must be set"}
	}
	return nil
}

// ValidateAmount rejects NaN, infinities, zero and negative amounts.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return &ValidationError{Field: FieldAmount, Reason: "must be a finite number"}
	}
	if amount <= 0 {
		return &ValidationError{Field: FieldAmount, Reason: "must be positive"}
	}
	return nil
}

// SameMonth reports whether t falls in the calendar month and year of ref,
// evaluated in ref's location.
func SameMonth(t, ref time.Time) bool {
	t = t.In(ref.Location())
	return t.Year() == ref.Year() && t.Month() == ref.Month()
}

func quote(s string) string {
	return "\"" + s + "\""
}
