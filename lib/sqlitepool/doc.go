// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens zombiezen.com/go/sqlite connection pools
// with the gateway's standard pragmas.
//
// The gateway keeps one small SQLite database, the lifecycle audit log
// (see events.AuditStore). Every connection gets WAL journaling,
// synchronous=NORMAL, and a busy timeout so that the recorder and the
// admin API's readers do not fail on lock contention.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/atrox/audit.db",
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//
// Connections are not safe for concurrent use. Take one, use it, Put
// it back.
package sqlitepool
