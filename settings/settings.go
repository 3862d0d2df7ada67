// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings persists the instance's name-spaced settings tree:
// instance-role metadata and federation status flags. Keys are dotted
// paths; values are strings with typed accessors on top. The tree
// shares the instance database with the identity store.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tandem-foundation/tandem/lib/sqlitepool"
)

// Well-known keys.
const (
	// KeyInstanceType records the instance role ("app" or "node").
	KeyInstanceType = "instance.type"

	// KeyInstanceID records the instance's identity handle.
	KeyInstanceID = "instance.id"

	// KeyNodeConnected is "true" while the federation transport to the
	// node instance is up.
	KeyNodeConnected = "iom.node.connected"

	// KeyNodeUpdatedAt is the RFC 3339 time of the last federation
	// status change.
	KeyNodeUpdatedAt = "iom.node.updated_at"
)

// Tree is the persisted settings tree. Safe for concurrent use.
type Tree struct {
	pool *sqlitepool.Pool
}

// New initializes the settings table on the given pool.
func New(ctx context.Context, pool *sqlitepool.Pool) (*Tree, error) {
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	defer pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, `
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`, nil)
	if err != nil {
		return nil, fmt.Errorf("settings: creating table: %w", err)
	}
	return &Tree{pool: pool}, nil
}

// Set stores a value, replacing any previous value for the key.
func (t *Tree) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("settings: empty key")
	}
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	defer t.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("settings: setting %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, with found=false when unset.
func (t *Tree) Get(ctx context.Context, key string) (string, bool, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("settings: %w", err)
	}
	defer t.pool.Put(conn)

	var value string
	var found bool
	err = sqlitex.Execute(conn, "SELECT value FROM settings WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("settings: reading %s: %w", key, err)
	}
	return value, found, nil
}

// Delete removes a key. Deleting an unset key is a no-op.
func (t *Tree) Delete(ctx context.Context, key string) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	defer t.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM settings WHERE key = ?",
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return fmt.Errorf("settings: deleting %s: %w", key, err)
	}
	return nil
}

// SetBool stores a boolean as "true"/"false".
func (t *Tree) SetBool(ctx context.Context, key string, value bool) error {
	return t.Set(ctx, key, strconv.FormatBool(value))
}

// GetBool reads a boolean. Unset keys return false without error.
func (t *Tree) GetBool(ctx context.Context, key string) (bool, error) {
	raw, found, err := t.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("settings: %s holds %q, not a boolean", key, raw)
	}
	return value, nil
}

// SetTime stores a timestamp in RFC 3339 form (UTC).
func (t *Tree) SetTime(ctx context.Context, key string, value time.Time) error {
	return t.Set(ctx, key, value.UTC().Format(time.RFC3339))
}

// GetTime reads a timestamp. Unset keys return the zero time without
// error.
func (t *Tree) GetTime(ctx context.Context, key string) (time.Time, error) {
	raw, found, err := t.Get(ctx, key)
	if err != nil || !found {
		return time.Time{}, err
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("settings: %s holds %q, not a timestamp", key, raw)
	}
	return value, nil
}

// SetNodeConnected updates the federation status flag pair: the
// connected flag and its last-change timestamp, in that order.
func (t *Tree) SetNodeConnected(ctx context.Context, connected bool, at time.Time) error {
	if err := t.SetBool(ctx, KeyNodeConnected, connected); err != nil {
		return err
	}
	return t.SetTime(ctx, KeyNodeUpdatedAt, at)
}
