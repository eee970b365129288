package database

import (
	"database/sql"
	"fmt"
	"log"
)

// getSchemaVersion reads the applied schema version. SQLite keeps it in
// PRAGMA user_version; Postgres in a schema_migrations table.
func getSchemaVersion(conn *sql.DB, driver string) (int, error) {
	var version int
	if driver == DriverPostgres {
		if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
			return 0, fmt.Errorf("creating schema_migrations: %w", err)
		}
		if err := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
			return 0, fmt.Errorf("reading schema version: %w", err)
		}
		return version, nil
	}
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(conn *sql.DB, driver string, version int) error {
	var err error
	if driver == DriverPostgres {
		_, err = conn.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, version)
	} else {
		_, err = conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", version))
	}
	if err != nil {
		return fmt.Errorf("setting version %d: %w", version, err)
	}
	return nil
}

// migrate brings the database schema up to the latest version.
func migrate(conn *sql.DB, driver string) error {
	current, err := getSchemaVersion(conn, driver)
	if err != nil {
		return err
	}

	if current >= latestVersion() {
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		log.Printf("applying migration %d: %s", m.Version, m.Description)

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx, driver); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		// Version is recorded outside the transaction (modernc/sqlite cannot set
		// user_version inside one). The DDL is idempotent, so a crash here re-runs it.
		if err := setSchemaVersion(conn, driver, m.Version); err != nil {
			return err
		}
	}

	return nil
}
