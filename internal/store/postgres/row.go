package postgres

import (
	"errors"
	"fmt"
	"time"

	"spendwise/internal/core"
)

var errUnknownCategory = errors.New("unknown category")

type row struct {
	ID          string
	Title       string
	Description string
	Amount      float64
	Category    string
	Date        time.Time
	Notes       string
}

func toExpense(r row) (core.Expense, error) {
	c := core.Category(r.Category)
	if !c.Valid() {
		return core.Expense{}, &core.ValidationError{
			Field:  core.FieldCategory,
			Reason: fmt.Sprintf("%v %q in row %s", errUnknownCategory, r.Category, r.ID),
		}
	}
	return core.Expense{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Amount:      r.Amount,
		Category:    c,
		Date:        r.Date.UTC(),
		Notes:       r.Notes,
	}, nil
}

func toExpenses(rows []row) ([]core.Expense, error) {
	out := make([]core.Expense, 0, len(rows))
	for _, r := range rows {
		e, err := toExpense(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
