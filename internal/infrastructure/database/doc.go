// Package database provides SQLite connectivity for ParcelHub Core.
//
// This package manages:
//   - The single long-lived connection (WAL mode, busy timeout, foreign keys)
//   - Schema migrations embedded in the binary
//   - WithTx, the transactional unit every multi-row write goes through
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	err = db.WithTx(ctx, func(tx *sql.Tx) error {
//	    // every statement here commits or rolls back together
//	    return nil
//	})
package database
