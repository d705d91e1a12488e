// Package core provides amount and date parsing for user-entered values.
//
// Parsing happens at the write boundary, before anything reaches a store:
// malformed input becomes a *ValidationError.
package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date shape accepted alongside RFC 3339.
const DateLayout = "2006-01-02"

// ParseAmount converts a user-entered decimal string to an amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators.
// The value is not rounded; display rounding belongs to the caller.
// Returns a *ValidationError for empty, non-numeric, zero or negative input.
//
// Examples:
//
//	ParseAmount("3.50")  -> 3.5, nil
//	ParseAmount("3,50")  -> 3.5, nil
//	ParseAmount("-5")    -> 0, error
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ValidationError{Field: FieldAmount, Reason: "must not be empty"}
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &ValidationError{Field: FieldAmount, Reason: "not a number: " + quote(s)}
	}
	if !d.IsPositive() {
		return 0, &ValidationError{Field: FieldAmount, Reason: "must be positive"}
	}
	amount := d.InexactFloat64()
	if err := ValidateAmount(amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// ParseDate accepts an RFC 3339 instant or a YYYY-MM-DD calendar date.
// Calendar dates resolve to local midnight in loc (UTC when loc is nil).
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, &ValidationError{Field: FieldDate, Reason: "must not be empty"}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: FieldDate, Reason: "unparsable date " + quote(s)}
	}
	return t, nil
}
