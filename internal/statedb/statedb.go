// Package statedb opens the agent's embedded SQLite state database.
// The offline queue, escalation tickets, and remediation history share
// one database file; each package owns its own tables.
package statedb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the state database with write-ahead logging
// enabled, so writes survive a process crash with no partial rows.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, fmt.Errorf("%s: %w (also: close: %v)", p, err, cerr)
			}
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}
