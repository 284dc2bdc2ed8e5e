package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RollbackStrategy selects how a batch tolerates per-operation failure.
type RollbackStrategy string

const (
	RollbackNone       RollbackStrategy = "none"
	RollbackAll        RollbackStrategy = "all"
	RollbackFailedOnly RollbackStrategy = "failed-only"
)

// BatchAction enumerates the operation kinds a batch entry may carry.
type BatchAction string

const (
	BatchCreate BatchAction = "create"
	BatchUpdate BatchAction = "update"
	BatchDelete BatchAction = "delete"
)

// BatchOperation is one entry in a batch request.
type BatchOperation struct {
	Action  BatchAction
	Data    *Account // for create/update
	ID      string   // for update/delete
	Version int64    // for update/delete; 0 means "skip version check" on delete
}

// BatchOperationResult reports the outcome of a single batch entry.
type BatchOperationResult struct {
	Index   int
	OK      bool
	Error   string
	Account *Account
}

// BatchResult is the outcome of a full batch call.
type BatchResult struct {
	Results   []BatchOperationResult
	Committed bool
}

// RunBatch executes ops against the account store under the given
// rollback strategy, grounded on the accumulate-partial-failures pattern
// used for per-account atomic operations in sibling account-pool services,
// adapted here into a single transaction with named savepoints per item
// instead of one transaction per item.
func (s *AccountStore) RunBatch(ctx context.Context, ops []BatchOperation, strategy RollbackStrategy) (*BatchResult, error) {
	results := make([]BatchOperationResult, len(ops))
	committed := false

	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		for i, op := range ops {
			savepoint := fmt.Sprintf("batch_op_%d", i)

			if strategy == RollbackFailedOnly {
				if _, err := tx.Exec(ctx, "SAVEPOINT "+savepoint); err != nil {
					return err
				}
			}

			acc, opErr := runBatchOperation(ctx, tx, op)
			if opErr != nil {
				results[i] = BatchOperationResult{Index: i, OK: false, Error: opErr.Error()}

				switch strategy {
				case RollbackAll:
					return fmt.Errorf("batch operation %d failed, aborting (rollbackStrategy=all): %w", i, opErr)
				case RollbackFailedOnly:
					if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); err != nil {
						return err
					}
				case RollbackNone:
					// best-effort: leave whatever partial state this op left,
					// and keep going.
				}
				continue
			}

			results[i] = BatchOperationResult{Index: i, OK: true, Account: acc}
			if strategy == RollbackFailedOnly {
				if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
					return err
				}
			}
		}
		committed = true
		return nil
	})

	if err != nil {
		return &BatchResult{Results: results, Committed: false}, err
	}
	return &BatchResult{Results: results, Committed: committed}, nil
}

func runBatchOperation(ctx context.Context, tx pgx.Tx, op BatchOperation) (*Account, error) {
	switch op.Action {
	case BatchCreate:
		if op.Data == nil {
			return nil, fmt.Errorf("create operation missing data")
		}
		applyInsertDefaults(op.Data)
		op.Data.Version = 1
		op.Data.UpdatedAt = nowMs()
		if err := insertAccountRow(ctx, tx, op.Data); err != nil {
			return nil, err
		}
		return op.Data, nil

	case BatchUpdate:
		if op.Data == nil {
			return nil, fmt.Errorf("update operation missing data")
		}
		current, err := queryAccountForUpdate(ctx, tx, op.ID)
		if err != nil {
			return nil, err
		}
		if op.Version != 0 && current.Version != op.Version {
			return nil, errVersionConflict
		}
		op.Data.ID = current.ID
		op.Data.Version = current.Version + 1
		op.Data.UpdatedAt = nowMs()
		if err := updateAccountRow(ctx, tx, op.Data); err != nil {
			return nil, err
		}
		return op.Data, nil

	case BatchDelete:
		current, err := queryAccountForUpdate(ctx, tx, op.ID)
		if err != nil {
			return nil, err
		}
		if op.Version != 0 && current.Version != op.Version {
			return nil, errVersionConflict
		}
		if _, err := tx.Exec(ctx, `UPDATE accounts SET is_del = true, deleted_at = $2, version = version + 1, updated_at = $2 WHERE id = $1`, op.ID, nowMs()); err != nil {
			return nil, err
		}
		current.IsDel = true
		return current, nil

	default:
		return nil, fmt.Errorf("unknown batch action %q", op.Action)
	}
}
