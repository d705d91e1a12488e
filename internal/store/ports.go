// Package store defines the remote expense store port and the pieces every
// backend shares: the live Feed, the per-user Hub and the document codec.
package store

import (
	"context"

	"spendwise/internal/core"
)

// Collection is the per-user collection name expenses live under.
const Collection = "expenses"

// Ports for outbound adapters.
type (
	// ExpenseWriter issues one-shot mutations. Implementations never touch
	// any local cache: new state reaches consumers only through a Feed.
	ExpenseWriter interface {
		// Create stores e under userID and returns the assigned id.
		Create(ctx context.Context, userID string, e core.Expense) (id string, err error)
		// Update overwrites every mutable field of the record with e.ID.
		Update(ctx context.Context, userID string, e core.Expense) error
		// Delete removes id. Deleting a missing id is not an error.
		Delete(ctx context.Context, userID, id string) error
	}

	// Subscriber opens live snapshot feeds.
	Subscriber interface {
		// Subscribe opens a feed whose first event is the current snapshot.
		Subscribe(ctx context.Context, userID string) (*Feed, error)
	}

	// Store is the full remote store contract.
	Store interface {
		ExpenseWriter
		Subscriber
		Close() error
	}
)
