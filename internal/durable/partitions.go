package durable

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Partitions maintains the yearly range partitions of sms_messages. The
// default partition catches rows outside every known range and is never
// dropped by automation.
type Partitions struct {
	db *sql.DB
}

// NewPartitions builds the partition maintainer's storage side.
func NewPartitions(db *sql.DB) *Partitions {
	return &Partitions{db: db}
}

// PartitionName returns the partition identifier for a year.
func PartitionName(year int) string {
	return fmt.Sprintf("sms_messages_y%d", year)
}

// Exists reports whether the named partition exists.
func (p *Partitions) Exists(ctx context.Context, name string) (bool, error) {
	var reg sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, name).Scan(&reg)
	if err != nil {
		return false, fmt.Errorf("check partition %s: %w", name, err)
	}
	return reg.Valid, nil
}

// EnsureYear creates the partition for a year if it is missing, together with
// its creation-time index. Returns true when a partition was created.
func (p *Partitions) EnsureYear(ctx context.Context, year int) (bool, error) {
	name := PartitionName(year)
	exists, err := p.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF sms_messages
		 FOR VALUES FROM ('%d-01-01') TO ('%d-01-01')`, name, year, year+1)
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return false, fmt.Errorf("create partition %s: %w", name, err)
	}

	idx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at)`, name, name)
	if _, err := p.db.ExecContext(ctx, idx); err != nil {
		return false, fmt.Errorf("index partition %s: %w", name, err)
	}
	return true, nil
}

// EnsureCurrentAndNext makes sure the partitions for now's year and the next
// exist. Idempotent; the monthly maintenance job calls it.
func (p *Partitions) EnsureCurrentAndNext(ctx context.Context, now time.Time) ([]string, error) {
	var created []string
	year := now.Year()
	for _, y := range []int{year, year + 1} {
		ok, err := p.EnsureYear(ctx, y)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, PartitionName(y))
		}
	}
	return created, nil
}

// PartitionOf returns the partition holding a given row, for diagnostics.
func (p *Partitions) PartitionOf(ctx context.Context, id string) (string, error) {
	var name string
	err := p.db.QueryRowContext(ctx,
		`SELECT tableoid::regclass::text FROM sms_messages WHERE id = $1::uuid`, id).Scan(&name)
	if err != nil {
		return "", fmt.Errorf("partition of %s: %w", id, err)
	}
	return name, nil
}
