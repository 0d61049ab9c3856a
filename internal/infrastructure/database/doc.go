// Package database provides the SQLite connection used for the action history.
//
// The connection runs in WAL mode with a busy timeout, so the status API can
// read history while the bridge records an action. The database file is
// restricted to its owner (0600).
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_description.up.sql and
// .down.sql. They are passed in as an fs.FS, usually the embedded FS from the
// migrations package:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
