// Package durable wraps the PostgreSQL side of the gateway: the accounts,
// credit_transactions and sms_messages tables, bulk write paths, and the
// partition DDL for the time-ranged messages table.
//
// The durable store holds settled truth. Nothing on the admission path blocks
// on it; it is written by the ingest batcher, the status write-back flusher,
// the settlement sweep, and the admin surfaces, all of which tolerate the
// 5-20ms write latencies a primary exhibits under load.
//
// Repositories here expose storage-shaped structs. Status and priority are
// carried as strings at this layer; the closed domain types live with the
// admission logic and are parsed at the boundary.
package durable

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

// Open connects to PostgreSQL and verifies connectivity.
func Open(ctx context.Context, postgresURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	// Writes arrive in batches from a handful of periodic jobs, so the pool
	// stays modest.
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// psql builds statements with PostgreSQL-style $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
