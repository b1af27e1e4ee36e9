// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/sqlitepool"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS pun_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	identity   TEXT NOT NULL,
	endpoint   TEXT NOT NULL DEFAULT '',
	pid        INTEGER NOT NULL DEFAULT 0,
	generation INTEGER NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	time_ns    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pun_events_identity ON pun_events (identity, seq);
`

// MaxRecent caps the number of rows Recent returns.
const MaxRecent = 1000

// AuditStore keeps lifecycle events in a SQLite table.
type AuditStore struct {
	pool *sqlitepool.Pool
}

// OpenAuditStore opens (creating if needed) the audit database at path.
func OpenAuditStore(path string, logger *slog.Logger) (*AuditStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, auditSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	return &AuditStore{pool: pool}, nil
}

// Record inserts event.
func (s *AuditStore) Record(ctx context.Context, event Event) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO pun_events (id, kind, identity, endpoint, pid, generation, reason, time_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				event.ID,
				string(event.Kind),
				event.Identity,
				event.Endpoint,
				event.PID,
				int64(event.Generation),
				event.Reason,
				event.Time.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("recording %s event for %s: %w", event.Kind, event.Identity, err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty identity
// returns events for all identities. A non-positive limit or one above
// MaxRecent is clamped to MaxRecent.
func (s *AuditStore) Recent(ctx context.Context, identity string, limit int) ([]Event, error) {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT id, kind, identity, endpoint, pid, generation, reason, time_ns
		FROM pun_events`
	args := []any{}
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	events := []Event{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			events = append(events, Event{
				ID:         stmt.ColumnText(0),
				Kind:       Kind(stmt.ColumnText(1)),
				Identity:   stmt.ColumnText(2),
				Endpoint:   stmt.ColumnText(3),
				PID:        stmt.ColumnInt(4),
				Generation: uint64(stmt.ColumnInt64(5)),
				Reason:     stmt.ColumnText(6),
				Time:       time.Unix(0, stmt.ColumnInt64(7)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	return events, nil
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.pool.Close()
}
