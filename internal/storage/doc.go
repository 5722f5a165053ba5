// Package storage owns newsbot's SQLite database.
//
// It holds:
//   - sources: the configured content origins
//   - delivered_items: the delivery ledger (one row per canonical link)
//   - audit: operator actions from the admin surfaces
//
// Registry and ledger queries live with their packages; this package only
// opens the database, applies pragmas and the schema, and classifies errors.
package storage
