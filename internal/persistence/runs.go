package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunSummary is one row of audit.report_runs.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	TargetIssuance uint64    `json:"target_issuance"`
	Hash           string    `json:"hash"`
	Events         int       `json:"events"`
	Rows           int       `json:"rows"`
	Violations     int       `json:"violations"`
	CreatedAt      time.Time `json:"created_at"`
}

// RunStore reads stored report runs.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// ListRuns returns the newest runs for an issuance, newest first.
func (s *RunStore) ListRuns(ctx context.Context, issuance uint64, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, target_issuance, hash, events, rows, violations, created_at
		FROM audit.report_runs WHERE target_issuance = $1
		ORDER BY created_at DESC LIMIT $2`,
		int64(issuance), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for issuance %d: %w", issuance, err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r        RunSummary
			issuance int64
		)
		if err := rows.Scan(&r.RunID, &issuance, &r.Hash, &r.Events, &r.Rows, &r.Violations, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.TargetIssuance = uint64(issuance)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Ping verifies the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
