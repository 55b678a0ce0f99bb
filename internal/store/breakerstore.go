// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qbitreaper/qbit-reaper/internal/dbinterface"
	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

// BreakerStore persists circuit breaker state in circuit_break_status,
// sharing the task store's database but kept as its own type so the
// breaker package can depend on it without pulling in task operations.
type BreakerStore struct {
	db dbinterface.Querier
}

// NewBreakerStore wraps a database connection for breaker persistence.
func NewBreakerStore(db dbinterface.Querier) *BreakerStore {
	return &BreakerStore{db: db}
}

// GetOrCreate returns the current state row for a resource, inserting a
// fresh closed-state row on first use.
func (s *BreakerStore) GetOrCreate(ctx context.Context, breakerType string) (domain.BreakerState, error) {
	state, err := s.get(ctx, breakerType)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.BreakerState{}, err
	}

	now := unixNow()
	fresh := domain.BreakerState{
		BreakerType:     breakerType,
		State:           domain.BreakerClosed,
		Config:          "{}",
		CreatedTime:     now,
		UpdatedTime:     now,
		LastStateChange: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO circuit_break_status (breaker_type, state, failure_count, success_count, last_state_change, last_failure_time, last_success_time, config, created_time, updated_time)
		VALUES (?, 'closed', 0, 0, ?, 0, 0, '{}', ?, ?)
		ON CONFLICT (breaker_type) DO NOTHING
	`, breakerType, now, now, now)
	if err != nil {
		return domain.BreakerState{}, fmt.Errorf("create breaker state %s: %w", breakerType, err)
	}

	return s.get(ctx, breakerType)
}

func (s *BreakerStore) get(ctx context.Context, breakerType string) (domain.BreakerState, error) {
	var st domain.BreakerState
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT breaker_type, state, failure_count, success_count, last_state_change, last_failure_time, last_success_time, config, created_time, updated_time
		FROM circuit_break_status WHERE breaker_type = ?
	`, breakerType).Scan(&st.BreakerType, &state, &st.FailureCount, &st.SuccessCount, &st.LastStateChange, &st.LastFailureTime, &st.LastSuccessTime, &st.Config, &st.CreatedTime, &st.UpdatedTime)
	if err != nil {
		return domain.BreakerState{}, err
	}
	st.State = domain.BreakerResourceState(state)
	return st, nil
}

// Update persists the full breaker state row, used by the breaker package
// after every transition so state survives restarts.
func (s *BreakerStore) Update(ctx context.Context, st domain.BreakerState) error {
	st.UpdatedTime = unixNow()
	_, err := s.db.ExecContext(ctx, `
		UPDATE circuit_break_status SET state = ?, failure_count = ?, success_count = ?,
			last_state_change = ?, last_failure_time = ?, last_success_time = ?, config = ?, updated_time = ?
		WHERE breaker_type = ?
	`, string(st.State), st.FailureCount, st.SuccessCount, st.LastStateChange, st.LastFailureTime, st.LastSuccessTime, st.Config, st.UpdatedTime, st.BreakerType)
	if err != nil {
		return fmt.Errorf("update breaker state %s: %w", st.BreakerType, err)
	}
	return nil
}
