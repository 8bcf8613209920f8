// Package tx defines the unit-of-work contract shared by repositories.
package tx

import "context"

// Manager runs fn inside a single transaction. Repositories called with the ctx passed to fn
// join that transaction. fn's error rolls the transaction back.
type Manager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
