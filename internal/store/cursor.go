package store

import (
	"context"
	"math/rand"

	"github.com/jackc/pgx/v5"
)

// CursorStore implements the persisted round-robin cursor:
// a row per groupKey locked with SELECT ... FOR UPDATE so fairness holds
// across replicas.
type CursorStore struct {
	adapter *Adapter
}

// NewCursorStore builds a CursorStore over adapter.
func NewCursorStore(adapter *Adapter) *CursorStore {
	return &CursorStore{adapter: adapter}
}

// NextIndexResult is the outcome of claiming the next round-robin index.
type NextIndexResult struct {
	Index          int
	AccountCount   int
	CountChanged   bool // true if storedAccountCount != N, per step 3
}

// Next claims the current index for groupKey and advances the cursor by
// one (mod accountCount). On lock failure it falls back to a uniform
// random index in [0, accountCount) rather than blocking the request.
func (c *CursorStore) Next(ctx context.Context, groupKey string, accountCount int) (NextIndexResult, error) {
	if accountCount <= 0 {
		return NextIndexResult{}, nil
	}

	var result NextIndexResult
	err := c.adapter.Transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT current_index, account_count FROM pool_round_robin WHERE group_key = $1 FOR UPDATE`, groupKey)

		var currentIndex, storedCount int
		err := row.Scan(&currentIndex, &storedCount)
		if err == pgx.ErrNoRows {
			// Step 2: absent -> insert with currentIndex=0.
			currentIndex = 0
			storedCount = accountCount
			_, insertErr := tx.Exec(ctx, `INSERT INTO pool_round_robin (group_key, current_index, account_count, updated_at) VALUES ($1, $2, $3, $4)`,
				groupKey, 1%accountCount, accountCount, nowMs())
			if insertErr != nil {
				return insertErr
			}
			result = NextIndexResult{Index: 0, AccountCount: accountCount}
			return nil
		}
		if err != nil {
			return err
		}

		countChanged := storedCount != accountCount
		if countChanged && currentIndex >= accountCount {
			currentIndex = 0
		}

		nextIndex := (currentIndex + 1) % accountCount
		_, err = tx.Exec(ctx, `UPDATE pool_round_robin SET current_index = $2, account_count = $3, updated_at = $4 WHERE group_key = $1`,
			groupKey, nextIndex, accountCount, nowMs())
		if err != nil {
			return err
		}

		result = NextIndexResult{Index: currentIndex, AccountCount: accountCount, CountChanged: countChanged}
		return nil
	})

	if err != nil {
		// Lock/transaction failure: fall back to random selection rather
		// than blocking the request.
		return NextIndexResult{Index: rand.Intn(accountCount), AccountCount: accountCount}, nil //nolint:gosec // fairness fallback, not security sensitive
	}
	return result, nil
}
