package repository

import (
	"context"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

// LocalItemRepository handles local library persistence.
type LocalItemRepository interface {
	// FindLocalItemByRecid returns the library item holding recid.
	// Returns domain.ErrNotFound if the record is not in the library.
	FindLocalItemByRecid(ctx context.Context, recid string) (*domain.LocalItem, error)

	// BatchFindLocalItems maps each recid present in the library to its item
	// id. Recids not in the library are absent from the result.
	BatchFindLocalItems(ctx context.Context, recids []string) (map[string]string, error)

	// IsRelated reports whether two items are linked. The relation is
	// symmetric.
	IsRelated(ctx context.Context, itemA, itemB string) (bool, error)

	// Upsert creates or replaces an item by item id.
	Upsert(ctx context.Context, item *domain.LocalItem) error

	// Delete removes an item and its relations. Returns the removed item's
	// recid, or domain.ErrNotFound.
	Delete(ctx context.Context, itemID string) (string, error)

	// AddRelation links two items. Linking an existing pair is a no-op.
	AddRelation(ctx context.Context, itemA, itemB string) error

	// RemoveRelation unlinks two items.
	RemoveRelation(ctx context.Context, itemA, itemB string) error

	// Count returns the number of items in the library.
	Count(ctx context.Context) (int, error)
}
