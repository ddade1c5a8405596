package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

// Compile-time interface verification.
var _ LocalItemRepository = (*SQLiteLocalItemRepository)(nil)

// SQLiteLocalItemRepository is a SQLite implementation of LocalItemRepository.
type SQLiteLocalItemRepository struct {
	db    DBTX
	chunk int
	now   func() time.Time
}

// NewSQLiteLocalItemRepository creates a new SQLite local item repository.
func NewSQLiteLocalItemRepository(db DBTX) *SQLiteLocalItemRepository {
	return &SQLiteLocalItemRepository{
		db:    db,
		chunk: DefaultLookupChunk,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithChunk sets the number of recids per IN (...) query. SQLite caps
// bound parameters at 999 on older builds.
func (r *SQLiteLocalItemRepository) WithChunk(n int) *SQLiteLocalItemRepository {
	if n > 0 && n <= 999 {
		r.chunk = n
	}
	return r
}

// FindLocalItemByRecid returns the oldest library item holding recid.
func (r *SQLiteLocalItemRepository) FindLocalItemByRecid(ctx context.Context, recid string) (*domain.LocalItem, error) {
	if recid == "" {
		return nil, domain.NewValidationError("recid", "recid is required")
	}

	query := `
		SELECT item_id, recid, title, created_at, updated_at
		FROM local_items
		WHERE recid = ?
		ORDER BY created_at, item_id
		LIMIT 1`

	var item domain.LocalItem
	err := r.db.QueryRowContext(ctx, query, recid).
		Scan(&item.ItemID, &item.Recid, &item.Title, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("local_item", recid)
		}
		return nil, fmt.Errorf("failed to find local item by recid: %w", err)
	}
	return &item, nil
}

// BatchFindLocalItems resolves recids with one IN (...) query per chunk.
// When several items hold the same record the oldest wins.
func (r *SQLiteLocalItemRepository) BatchFindLocalItems(ctx context.Context, recids []string) (map[string]string, error) {
	found := make(map[string]string)
	for start := 0; start < len(recids); start += r.chunk {
		chunk := recids[start:min(start+r.chunk, len(recids))]
		if err := r.findChunk(ctx, chunk, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (r *SQLiteLocalItemRepository) findChunk(ctx context.Context, recids []string, found map[string]string) error {
	query := `
		SELECT recid, item_id
		FROM local_items
		WHERE recid IN (` + placeholders(len(recids)) + `)
		ORDER BY created_at, item_id`

	args := make([]any, len(recids))
	for i, id := range recids {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query local items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var recid, itemID string
		if err := rows.Scan(&recid, &itemID); err != nil {
			return fmt.Errorf("failed to scan local item: %w", err)
		}
		if _, ok := found[recid]; !ok {
			found[recid] = itemID
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating local items: %w", err)
	}
	return nil
}

// relationPair orders two item ids the way item_relations stores them.
func relationPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// IsRelated reports whether itemA and itemB are linked.
func (r *SQLiteLocalItemRepository) IsRelated(ctx context.Context, itemA, itemB string) (bool, error) {
	if itemA == "" || itemB == "" || itemA == itemB {
		return false, nil
	}
	a, b := relationPair(itemA, itemB)

	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM item_relations WHERE item_a = ? AND item_b = ?)`, a, b).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check item relation: %w", err)
	}
	return exists == 1, nil
}

// Upsert creates or replaces an item.
func (r *SQLiteLocalItemRepository) Upsert(ctx context.Context, item *domain.LocalItem) error {
	if item == nil {
		return domain.NewValidationError("item", "item is required")
	}
	if err := item.Validate(); err != nil {
		return err
	}

	now := r.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	query := `
		INSERT INTO local_items (item_id, recid, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			recid = excluded.recid,
			title = excluded.title,
			updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query, item.ItemID, item.Recid, item.Title, item.CreatedAt, item.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert local item: %w", err)
	}

	// A replaced item keeps its original creation time.
	err := r.db.QueryRowContext(ctx, `SELECT created_at FROM local_items WHERE item_id = ?`, item.ItemID).
		Scan(&item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to read back local item: %w", err)
	}
	return nil
}

// Delete removes an item; its relations go with it through ON DELETE CASCADE.
func (r *SQLiteLocalItemRepository) Delete(ctx context.Context, itemID string) (string, error) {
	if itemID == "" {
		return "", domain.NewValidationError("item_id", "item id is required")
	}

	var recid string
	err := r.db.QueryRowContext(ctx, `DELETE FROM local_items WHERE item_id = ? RETURNING recid`, itemID).
		Scan(&recid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.NewNotFoundError("local_item", itemID)
		}
		return "", fmt.Errorf("failed to delete local item: %w", err)
	}
	return recid, nil
}

// AddRelation links two existing items.
func (r *SQLiteLocalItemRepository) AddRelation(ctx context.Context, itemA, itemB string) error {
	if itemA == "" || itemB == "" {
		return domain.NewValidationError("item_id", "both item ids are required")
	}
	if itemA == itemB {
		return domain.NewValidationError("item_id", "an item cannot be related to itself")
	}
	a, b := relationPair(itemA, itemB)

	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO item_relations (item_a, item_b, created_at) VALUES (?, ?, ?)`,
		a, b, r.now())
	if err != nil {
		return fmt.Errorf("failed to add item relation: %w", err)
	}
	return nil
}

// RemoveRelation unlinks two items. Removing a missing link is a no-op.
func (r *SQLiteLocalItemRepository) RemoveRelation(ctx context.Context, itemA, itemB string) error {
	a, b := relationPair(itemA, itemB)
	if _, err := r.db.ExecContext(ctx, `DELETE FROM item_relations WHERE item_a = ? AND item_b = ?`, a, b); err != nil {
		return fmt.Errorf("failed to remove item relation: %w", err)
	}
	return nil
}

// Count returns the number of stored items.
func (r *SQLiteLocalItemRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM local_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count local items: %w", err)
	}
	return n, nil
}
