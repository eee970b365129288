package database

import (
	"database/sql"
	"fmt"
)

// Migration represents a single schema migration step. Each step carries the
// DDL for both supported dialects.
type Migration struct {
	Version     int
	Description string
	SQLite      string
	Postgres    string
}

// Up applies the migration's DDL for the given driver.
func (m Migration) Up(tx *sql.Tx, driver string) error {
	stmt := m.SQLite
	if driver == DriverPostgres {
		stmt = m.Postgres
	}
	if stmt == "" {
		return fmt.Errorf("migration %d has no %s statement", m.Version, driver)
	}
	_, err := tx.Exec(stmt)
	return err
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "staging, catalog and price history",
		SQLite: `
CREATE TABLE IF NOT EXISTS staging_raw_products (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asin TEXT NOT NULL DEFAULT '',
    raw_payload TEXT NOT NULL,
    raw_price TEXT,
    raw_discount TEXT,
    raw_image_url TEXT,
    scraped_at TEXT NOT NULL,
    consumed INTEGER NOT NULL DEFAULT 0,
    staged_at TEXT NOT NULL,
    UNIQUE(asin, scraped_at)
);

CREATE TABLE IF NOT EXISTS products (
    asin TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    image_url TEXT,
    high_res_image_url TEXT,
    category TEXT,
    availability INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asin TEXT NOT NULL REFERENCES products(asin),
    price TEXT NOT NULL,
    discount_pct INTEGER,
    currency TEXT,
    ts TEXT NOT NULL,
    raw_price TEXT,
    raw_discount TEXT,
    UNIQUE(asin, ts)
);

CREATE INDEX IF NOT EXISTS idx_staging_pending ON staging_raw_products(consumed, scraped_at);
CREATE INDEX IF NOT EXISTS idx_products_availability ON products(availability);
`,
		Postgres: `
CREATE TABLE IF NOT EXISTS staging_raw_products (
    id BIGSERIAL PRIMARY KEY,
    asin TEXT NOT NULL DEFAULT '',
    raw_payload TEXT NOT NULL,
    raw_price TEXT,
    raw_discount TEXT,
    raw_image_url TEXT,
    scraped_at TIMESTAMPTZ NOT NULL,
    consumed BOOLEAN NOT NULL DEFAULT FALSE,
    staged_at TIMESTAMPTZ NOT NULL,
    UNIQUE(asin, scraped_at)
);

CREATE TABLE IF NOT EXISTS products (
    asin TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    image_url TEXT,
    high_res_image_url TEXT,
    category TEXT,
    availability BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
    id BIGSERIAL PRIMARY KEY,
    asin TEXT NOT NULL REFERENCES products(asin),
    price NUMERIC(12,2) NOT NULL,
    discount_pct INTEGER,
    currency TEXT,
    ts TIMESTAMPTZ NOT NULL,
    raw_price TEXT,
    raw_discount TEXT,
    UNIQUE(asin, ts)
);

CREATE INDEX IF NOT EXISTS idx_staging_pending ON staging_raw_products(consumed, scraped_at);
CREATE INDEX IF NOT EXISTS idx_products_availability ON products(availability);
`,
	},
	{
		Version:     2,
		Description: "add run_reports",
		SQLite: `
CREATE TABLE IF NOT EXISTS run_reports (
    id TEXT PRIMARY KEY,
    command TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL DEFAULT 'running',
    summary TEXT,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_reports_started ON run_reports(started_at);
`,
		Postgres: `
CREATE TABLE IF NOT EXISTS run_reports (
    id TEXT PRIMARY KEY,
    command TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    status TEXT NOT NULL DEFAULT 'running',
    summary TEXT,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_reports_started ON run_reports(started_at);
`,
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
