package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AccountStore translates persisted rows to domain objects and implements
// the insert/upsert and optimistic-version update policies.
type AccountStore struct {
	adapter *Adapter
}

// NewAccountStore builds an AccountStore over adapter.
func NewAccountStore(adapter *Adapter) *AccountStore {
	return &AccountStore{adapter: adapter}
}

// defaultHeaderVersion returns the per-IDP default header version.
func defaultHeaderVersion(idp IDP) HeaderVersion {
	switch idp {
	case IDPIAM, IDPBuilderID:
		return HeaderV2
	case IDPGitHub, IDPGoogle:
		return HeaderV1
	default:
		return HeaderV2
	}
}

// defaultVersionStrings returns the pinned SDK/IDE version strings for a
// header generation.
func defaultVersionStrings(hv HeaderVersion) (sdk, ide string) {
	if hv == HeaderV1 {
		return "1.0.0", "0.6.18"
	}
	return "1.0.27", "0.8.0"
}

func generateInvocationID() string {
	return uuid.NewString()
}

func generateDeviceHash() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// applyInsertDefaults fills header-generation defaults for a new account
// when the caller creates an account without an explicit header version.
func applyInsertDefaults(acc *Account) {
	if acc.HeaderVersion == 0 {
		acc.HeaderVersion = defaultHeaderVersion(acc.IDP)
	}
	if acc.SdkJsVersion == "" || acc.IdeVersion == "" {
		sdk, ide := defaultVersionStrings(acc.HeaderVersion)
		if acc.SdkJsVersion == "" {
			acc.SdkJsVersion = sdk
		}
		if acc.IdeVersion == "" {
			acc.IdeVersion = ide
		}
	}
	if acc.AmzInvocationID == "" {
		acc.AmzInvocationID = generateInvocationID()
	}
	if acc.KiroDeviceHash == "" {
		acc.KiroDeviceHash = generateDeviceHash()
	}
}

// mergeUpsert applies the upsert conflict policy: expiresAt takes max(existing,
// incoming); header-generation fields use coalesce(existing, incoming) so a
// non-null hardware fingerprint is never overwritten by a null one.
func mergeUpsert(existing, incoming *Account) *Account {
	merged := *incoming
	if existing.ExpiresAt > merged.ExpiresAt {
		merged.ExpiresAt = existing.ExpiresAt
	}
	if merged.AmzInvocationID == "" {
		merged.AmzInvocationID = existing.AmzInvocationID
	}
	if merged.KiroDeviceHash == "" {
		merged.KiroDeviceHash = existing.KiroDeviceHash
	}
	if merged.SdkJsVersion == "" {
		merged.SdkJsVersion = existing.SdkJsVersion
	}
	if merged.IdeVersion == "" {
		merged.IdeVersion = existing.IdeVersion
	}
	if merged.HeaderVersion == 0 {
		merged.HeaderVersion = existing.HeaderVersion
	}
	merged.Version = existing.Version + 1
	return &merged
}

// InsertAccount upserts acc by (email, idp) among non-deleted rows, applying
// the header-version defaulting and merge policy. Returns the stored (post-merge) row.
func (s *AccountStore) InsertAccount(ctx context.Context, acc *Account) (*Account, error) {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	now := nowMs()
	acc.UpdatedAt = now

	var result *Account
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		existing, err := queryAccountByEmailIDP(ctx, tx, acc.Email, acc.IDP)
		if err != nil && err != pgx.ErrNoRows {
			return err
		}

		if existing == nil {
			applyInsertDefaults(acc)
			acc.Version = 1
			if err := insertAccountRow(ctx, tx, acc); err != nil {
				return err
			}
			result = acc
			return nil
		}

		merged := mergeUpsert(existing, acc)
		merged.ID = existing.ID
		merged.UpdatedAt = now
		if err := updateAccountRow(ctx, tx, merged); err != nil {
			return err
		}
		result = merged
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return result, nil
}

// UpdateOptimistic applies mutate to the account identified by id only if
// its current version equals expectedVersion.
// Returns the updated row and a nil error on success, or the current row
// and an error satisfying IsVersionConflict on mismatch.
func (s *AccountStore) UpdateOptimistic(ctx context.Context, id string, expectedVersion int64, mutate func(*Account)) (*Account, error) {
	var result *Account
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		current, err := queryAccountForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			result = current
			return errVersionConflict
		}

		mutate(current)
		current.Version = expectedVersion + 1
		current.UpdatedAt = nowMs()
		if err := updateAccountRow(ctx, tx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// SoftDelete marks an account deleted without removing the row, the only
// deletion path reachable through the regular CRUD surface: no record is
// ever hard-deleted through that path.
func (s *AccountStore) SoftDelete(ctx context.Context, id string) error {
	now := nowMs()
	return s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE accounts SET is_del = true, deleted_at = $2, version = version + 1, updated_at = $2 WHERE id = $1`, id, now)
		return err
	})
}

// HardDelete permanently removes an account row. Reachable only through the
// sync-delete flow's header+body double-confirmation and rate limiting,
// never through the regular CRUD DELETE path.
func (s *AccountStore) HardDelete(ctx context.Context, id string) error {
	return s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
		return err
	})
}

// GetByID fetches a single account, or pgx.ErrNoRows if absent/deleted.
func (s *AccountStore) GetByID(ctx context.Context, id string) (*Account, error) {
	var result *Account
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		acc, err := queryAccountForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		result = acc
		return nil
	})
	return result, err
}

// ListAccounts returns all non-deleted accounts, optionally scoped to a
// group, ordered by id ascending for stable round-robin.
func (s *AccountStore) ListAccounts(ctx context.Context, groupID string) ([]*Account, error) {
	var result []*Account
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		rows, err := listAccountRows(ctx, tx, groupID)
		if err != nil {
			return err
		}
		result = rows
		return nil
	})
	return result, err
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
