package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// MachineIDStore persists the current accountId -> machineId binding plus
// an append-only history of past bindings, the "analogous shape" to
// GroupStore/TagStore/SettingStore but keyed on accountID rather than a
// generated id: account_machine_ids holds one row per account, and every
// write to it also appends a machine_id_history row recording the change.
type MachineIDStore struct{ adapter *Adapter }

// NewMachineIDStore creates a MachineIDStore over adapter.
func NewMachineIDStore(adapter *Adapter) *MachineIDStore { return &MachineIDStore{adapter: adapter} }

// Get returns the current binding for accountID, or nil if the account has
// never been bound to a machine id.
func (s *MachineIDStore) Get(ctx context.Context, accountID string) (*MachineIDBinding, error) {
	var out *MachineIDBinding
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT account_id, machine_id, updated_at FROM account_machine_ids WHERE account_id = $1`, accountID)
		var b MachineIDBinding
		if err := row.Scan(&b.AccountID, &b.MachineID, &b.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		out = &b
		return nil
	})
	return out, err
}

// Bind upserts accountID's current machine id and appends a history entry
// recording the change, in one transaction. Binding to the same machine id
// the account already holds still records a new history entry, since a
// fresh boundAt timestamp is itself a meaningful re-bind signal.
func (s *MachineIDStore) Bind(ctx context.Context, accountID, machineID string) (*MachineIDBinding, error) {
	b := &MachineIDBinding{AccountID: accountID, MachineID: machineID, UpdatedAt: nowMs()}
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO account_machine_ids (account_id, machine_id, updated_at) VALUES ($1,$2,$3)
			ON CONFLICT (account_id) DO UPDATE SET machine_id=$2, updated_at=$3`,
			b.AccountID, b.MachineID, b.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO machine_id_history (account_id, machine_id, bound_at) VALUES ($1,$2,$3)`,
			b.AccountID, b.MachineID, b.UpdatedAt)
		return err
	})
	return b, err
}

// History returns the append-only binding history for accountID, most
// recent first.
func (s *MachineIDStore) History(ctx context.Context, accountID string) ([]*MachineIDHistoryEntry, error) {
	var out []*MachineIDHistoryEntry
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT account_id, machine_id, bound_at FROM machine_id_history WHERE account_id = $1 ORDER BY bound_at DESC`, accountID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e MachineIDHistoryEntry
			if err := rows.Scan(&e.AccountID, &e.MachineID, &e.BoundAt); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return rows.Err()
	})
	return out, err
}
