package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GroupStore, TagStore, and SettingStore implement the same
// optimistic-version CRUD contract as AccountStore for the three
// smaller mutable resources. Only GroupStore has the retry-with-backoff
// PUT helper (UpdateWithRetry); TagStore and SettingStore updates make a
// single attempt.

type GroupStore struct{ adapter *Adapter }

func NewGroupStore(adapter *Adapter) *GroupStore { return &GroupStore{adapter: adapter} }

func (s *GroupStore) Create(ctx context.Context, g *Group) (*Group, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Version = 1
	g.UpdatedAt = nowMs()
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO groups (id, name, api_key, color, "order", description, version, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			g.ID, g.Name, nullableString(g.APIKey), g.Color, g.Order, g.Description, g.Version, g.UpdatedAt)
		return err
	})
	return g, err
}

func (s *GroupStore) Get(ctx context.Context, id string) (*Group, error) {
	var out *Group
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT id, name, COALESCE(api_key,''), color, "order", description, version, updated_at FROM groups WHERE id = $1`, id)
		var g Group
		if err := row.Scan(&g.ID, &g.Name, &g.APIKey, &g.Color, &g.Order, &g.Description, &g.Version, &g.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("group %s not found", id)
			}
			return err
		}
		out = &g
		return nil
	})
	return out, err
}

// Update applies the optimistic-version contract: a mismatch rolls
// back and returns errVersionConflict carrying the current row.
func (s *GroupStore) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*Group)) (*Group, error) {
	var result *Group
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT id, name, COALESCE(api_key,''), color, "order", description, version, updated_at FROM groups WHERE id = $1 FOR UPDATE`, id)
		var g Group
		if err := row.Scan(&g.ID, &g.Name, &g.APIKey, &g.Color, &g.Order, &g.Description, &g.Version, &g.UpdatedAt); err != nil {
			return err
		}
		if g.Version != expectedVersion {
			result = &g
			return errVersionConflict
		}
		mutate(&g)
		g.Version = expectedVersion + 1
		g.UpdatedAt = nowMs()
		_, err := tx.Exec(ctx, `UPDATE groups SET name=$2, api_key=$3, color=$4, "order"=$5, description=$6, version=$7, updated_at=$8 WHERE id=$1`,
			g.ID, g.Name, nullableString(g.APIKey), g.Color, g.Order, g.Description, g.Version, g.UpdatedAt)
		if err != nil {
			return err
		}
		result = &g
		return nil
	})
	return result, err
}

// UpdateWithRetry auto-retries version conflicts up to 3 times with
// 100/200/400ms backoff, using the server's returned version as the next
// clientVersion, per the PUT contract.
func (s *GroupStore) UpdateWithRetry(ctx context.Context, id string, clientVersion int64, mutate func(*Group)) (*Group, error) {
	version := clientVersion
	var last *Group
	var err error
	for attempt := 0; attempt <= 3; attempt++ {
		last, err = s.Update(ctx, id, version, mutate)
		if err == nil {
			return last, nil
		}
		if !IsVersionConflict(err) {
			return nil, err
		}
		if attempt == 3 {
			break
		}
		version = last.Version
		time.Sleep(versionRetryBackoff(attempt))
	}
	return last, err
}

func (s *GroupStore) Delete(ctx context.Context, id string) error {
	return s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
		return err
	})
}

type TagStore struct{ adapter *Adapter }

func NewTagStore(adapter *Adapter) *TagStore { return &TagStore{adapter: adapter} }

func (s *TagStore) Create(ctx context.Context, t *Tag) (*Tag, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Version = 1
	t.UpdatedAt = nowMs()
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO tags (id, name, color, version, updated_at) VALUES ($1,$2,$3,$4,$5)`,
			t.ID, t.Name, t.Color, t.Version, t.UpdatedAt)
		return err
	})
	return t, err
}

func (s *TagStore) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*Tag)) (*Tag, error) {
	var result *Tag
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT id, name, color, version, updated_at FROM tags WHERE id = $1 FOR UPDATE`, id)
		var t Tag
		if err := row.Scan(&t.ID, &t.Name, &t.Color, &t.Version, &t.UpdatedAt); err != nil {
			return err
		}
		if t.Version != expectedVersion {
			result = &t
			return errVersionConflict
		}
		mutate(&t)
		t.Version = expectedVersion + 1
		t.UpdatedAt = nowMs()
		_, err := tx.Exec(ctx, `UPDATE tags SET name=$2, color=$3, version=$4, updated_at=$5 WHERE id=$1`,
			t.ID, t.Name, t.Color, t.Version, t.UpdatedAt)
		if err != nil {
			return err
		}
		result = &t
		return nil
	})
	return result, err
}

func (s *TagStore) Delete(ctx context.Context, id string) error {
	return s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM tags WHERE id = $1`, id)
		return err
	})
}

type SettingStore struct{ adapter *Adapter }

func NewSettingStore(adapter *Adapter) *SettingStore { return &SettingStore{adapter: adapter} }

func (s *SettingStore) Get(ctx context.Context, key string) (*Setting, error) {
	var out *Setting
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT key, value, value_type, version, updated_at FROM settings WHERE key = $1`, key)
		var st Setting
		if err := row.Scan(&st.Key, &st.Value, &st.ValueType, &st.Version, &st.UpdatedAt); err != nil {
			return err
		}
		out = &st
		return nil
	})
	return out, err
}

func (s *SettingStore) Upsert(ctx context.Context, key string, expectedVersion int64, mutate func(*Setting)) (*Setting, error) {
	var result *Setting
	err := s.adapter.Transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT key, value, value_type, version, updated_at FROM settings WHERE key = $1 FOR UPDATE`, key)
		var st Setting
		scanErr := row.Scan(&st.Key, &st.Value, &st.ValueType, &st.Version, &st.UpdatedAt)
		switch {
		case errors.Is(scanErr, pgx.ErrNoRows):
			st = Setting{Key: key, Version: 0}
		case scanErr != nil:
			return scanErr
		}
		if st.Version != expectedVersion {
			result = &st
			return errVersionConflict
		}
		mutate(&st)
		st.Version = expectedVersion + 1
		st.UpdatedAt = nowMs()
		_, err := tx.Exec(ctx, `INSERT INTO settings (key, value, value_type, version, updated_at) VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (key) DO UPDATE SET value=$2, value_type=$3, version=$4, updated_at=$5`,
			st.Key, st.Value, st.ValueType, st.Version, st.UpdatedAt)
		if err != nil {
			return err
		}
		result = &st
		return nil
	})
	return result, err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
