// Package repository provides data access for the local library store.
//
// # Overview
//
// The local library records which literature records the host already
// holds (one library item per record) and which items the user has linked
// to each other. Listings consult it to flag entries that are present
// locally and entries related to the item being viewed.
//
// # Thread Safety
//
// Implementations are safe for concurrent use. The SQLite handle allows a
// single connection, so statements are serialized by database/sql.
//
// # Transactions
//
// Repositories take a DBTX so they can run against the database handle or
// inside database.DB.WithTransaction:
//
//	err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
//	    txRepo := repository.NewSQLiteLocalItemRepository(tx)
//	    return txRepo.Upsert(ctx, item)
//	})
package repository

import (
	"strings"

	"github.com/helixir/inspire-refgraph/internal/database"
)

// DBTX is the database interface supporting both handle and transaction contexts.
type DBTX = database.DBTX

// DefaultLookupChunk is the number of recids bound into one IN (...) query.
// SQLite's default host parameter limit is 999.
const DefaultLookupChunk = 500

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
