package core

import (
	"slices"
	"strings"
	"time"
)

// RecentWindowSpan is the trailing period covered by RecentWindow.
const RecentWindowSpan = 7 * 24 * time.Hour

// CategoryAmount is one slice of a category chart.
type CategoryAmount struct {
	Category Category
	Amount   float64
}

// RecentWindow returns the records dated at or after now minus seven days,
// preserving input order.
func RecentWindow(records []Expense, now time.Time) []Expense {
	cutoff := now.Add(-RecentWindowSpan)
	out := make([]Expense, 0, len(records))
	for _, e := range records {
		if !e.Date.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// SortedByDateDescending returns a new slice ordered newest first.
// Records with equal dates keep their relative order.
func SortedByDateDescending(records []Expense) []Expense {
	out := slices.Clone(records)
	if out == nil {
		out = []Expense{}
	}
	slices.SortStableFunc(out, func(a, b Expense) int {
		return b.Date.Compare(a.Date)
	})
	return out
}

// MonthlyTotal sums the amounts of records in now's calendar month.
func MonthlyTotal(records []Expense, now time.Time) float64 {
	var total float64
	for _, e := range records {
		if SameMonth(e.Date, now) {
			total += e.Amount
		}
	}
	return total
}

// CategoryTotals sums current-month amounts per category. Categories without
// records are absent from the result.
func CategoryTotals(records []Expense, now time.Time) map[Category]float64 {
	totals := make(map[Category]float64)
	for _, e := range records {
		if SameMonth(e.Date, now) {
			totals[e.Category] += e.Amount
		}
	}
	return totals
}

// CategoryBreakdown flattens totals into chart order.
func CategoryBreakdown(totals map[Category]float64) []CategoryAmount {
	out := make([]CategoryAmount, 0, len(totals))
	for _, c := range Categories() {
		if amount, ok := totals[c]; ok {
			out = append(out, CategoryAmount{Category: c, Amount: amount})
		}
	}
	return out
}

// FilterByCategory keeps records of category c; the zero Category keeps all.
func FilterByCategory(records []Expense, c Category) []Expense {
	out := make([]Expense, 0, len(records))
	for _, e := range records {
		if c == "" || e.Category == c {
			out = append(out, e)
		}
	}
	return out
}

// Search keeps records whose title, description or notes contain query,
// ignoring case. An empty query keeps all.
func Search(records []Expense, query string) []Expense {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Expense, 0, len(records))
	for _, e := range records {
		if q == "" ||
			strings.Contains(strings.ToLower(e.Title), q) ||
			strings.Contains(strings.ToLower(e.Description), q) ||
			strings.Contains(strings.ToLower(e.Notes), q) {
			out = append(out, e)
		}
	}
	return out
}

// FilterRange keeps records dated within [from, to]. A zero bound is open.
func FilterRange(records []Expense, from, to time.Time) []Expense {
	out := make([]Expense, 0, len(records))
	for _, e := range records {
		if !from.IsZero() && e.Date.Before(from) {
			continue
		}
		if !to.IsZero() && e.Date.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}
