// Copyright 2024-2026 Aiku AI

// Package database persists bridge state in SQLite: ghost users, event
// correlation rows, bridged rooms, Slack teams, username mappings and puppet
// tokens.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
const CurrentSchemaVersion = 1

// Database is the bridge's SQLite store. Lookups that find nothing return a
// nil value and a nil error.
type Database struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations.
func Open(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Database{db: db}, nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection, used by the health endpoint.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func migrate(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS users (
		  mxid          TEXT PRIMARY KEY,
		  slack_id      TEXT NOT NULL,
		  team_id       TEXT NOT NULL,
		  display_name  TEXT NOT NULL DEFAULT '',
		  avatar_hash   TEXT NOT NULL DEFAULT '',
		  last_activity INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_users_slack
		ON users(team_id, slack_id);

		CREATE TABLE IF NOT EXISTS events (
		  room_id          TEXT NOT NULL,
		  event_id         TEXT NOT NULL,
		  slack_channel_id TEXT NOT NULL,
		  slack_ts         TEXT NOT NULL,
		  slack_thread_ts  TEXT NOT NULL DEFAULT '',
		  PRIMARY KEY (room_id, event_id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_slack
		ON events(slack_channel_id, slack_ts);

		CREATE INDEX IF NOT EXISTS idx_events_thread
		ON events(slack_channel_id, slack_thread_ts)
		WHERE slack_thread_ts != '';

		CREATE TABLE IF NOT EXISTS teams (
		  id     TEXT PRIMARY KEY,
		  domain TEXT NOT NULL DEFAULT '',
		  name   TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS rooms (
		  slack_channel_id TEXT PRIMARY KEY,
		  matrix_room_id   TEXT NOT NULL UNIQUE,
		  team_id          TEXT NOT NULL DEFAULT '',
		  slack_type       TEXT NOT NULL DEFAULT 'channel',
		  is_private       INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS matrix_usernames (
		  slack_user_id   TEXT PRIMARY KEY,
		  matrix_username TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS puppets (
		  team_id       TEXT NOT NULL,
		  slack_user_id TEXT NOT NULL,
		  mxid          TEXT NOT NULL,
		  token         TEXT NOT NULL,
		  PRIMARY KEY (team_id, slack_user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_puppets_mxid
		ON puppets(mxid);
		`
		if _, err := db.Exec(schema); err != nil {
			return errors.Wrap(err, "migration 1 failed")
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "failed to get user_version")
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return errors.Wrap(err, "failed to set user_version")
	}
	return nil
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
