package database

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the only thing the progress side learns about an execution.
type Outcome struct {
	ExecutionID string
	Language    string
	AllPassed   bool
	Passed      int
	Total       int
	ErrorClass  string
	Duration    time.Duration
}

const createOutcomes = `
CREATE TABLE IF NOT EXISTS execution_outcomes (
	execution_id UUID PRIMARY KEY,
	language     TEXT        NOT NULL,
	all_passed   BOOLEAN     NOT NULL,
	passed       INTEGER     NOT NULL,
	total        INTEGER     NOT NULL,
	error_class  TEXT        NOT NULL DEFAULT '',
	duration_ms  BIGINT      NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// OutcomeStore persists execution outcomes in PostgreSQL.
type OutcomeStore struct {
	db *Database
}

func NewOutcomeStore(db *Database) *OutcomeStore {
	return &OutcomeStore{db: db}
}

// Migrate creates the outcomes table when it does not exist.
func (s *OutcomeStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, createOutcomes); err != nil {
		return fmt.Errorf("migrate execution_outcomes: %w", err)
	}
	return nil
}

// Record stores o. Recording the same execution twice keeps the first row.
func (s *OutcomeStore) Record(ctx context.Context, o Outcome) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO execution_outcomes
			(execution_id, language, all_passed, passed, total, error_class, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id) DO NOTHING`,
		o.ExecutionID, o.Language, o.AllPassed, o.Passed, o.Total, o.ErrorClass, o.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.ExecutionID, err)
	}
	return nil
}

// Get returns the recorded outcome for id.
func (s *OutcomeStore) Get(ctx context.Context, id string) (*Outcome, error) {
	var (
		o  Outcome
		ms int64
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT execution_id::text, language, all_passed, passed, total, error_class, duration_ms
		FROM execution_outcomes WHERE execution_id = $1`, id,
	).Scan(&o.ExecutionID, &o.Language, &o.AllPassed, &o.Passed, &o.Total, &o.ErrorClass, &ms)
	if err != nil {
		return nil, fmt.Errorf("get outcome %s: %w", id, err)
	}
	o.Duration = time.Duration(ms) * time.Millisecond
	return &o, nil
}

// PassRate returns how many recorded executions of language passed every
// test, out of how many were recorded.
func (s *OutcomeStore) PassRate(ctx context.Context, language string) (passed, total int, err error) {
	err = s.db.Pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE all_passed), count(*)
		FROM execution_outcomes WHERE language = $1`, language,
	).Scan(&passed, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("pass rate %s: %w", language, err)
	}
	return passed, total, nil
}
