package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// errVersionConflict signals an optimistic-lock mismatch inside a
// transaction; callers classify it via apierr.KindConflict before
// returning it to HTTP handlers.
var errVersionConflict = errors.New("version conflict")

// IsVersionConflict reports whether err originated from an optimistic-lock
// mismatch.
func IsVersionConflict(err error) bool {
	return errors.Is(err, errVersionConflict)
}

const accountColumns = `id, email, user_id, nickname, idp, status, group_id, tags,
	access_token, refresh_token, client_id, client_id_hash, client_secret, region, expires_at, auth_method, provider,
	header_version, amz_invocation_id, kiro_device_hash, sdk_js_version, ide_version,
	usage_current, usage_limit, usage_percent_used,
	api_call_count, api_total_tokens, api_last_call_at,
	version, updated_at, is_del, deleted_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.Email, &a.UserID, &a.Nickname, &a.IDP, &a.Status, &a.GroupID, &a.Tags,
		&a.AccessToken, &a.RefreshToken, &a.ClientID, &a.ClientIDHash, &a.ClientSecret, &a.Region, &a.ExpiresAt, &a.AuthMethod, &a.Provider,
		&a.HeaderVersion, &a.AmzInvocationID, &a.KiroDeviceHash, &a.SdkJsVersion, &a.IdeVersion,
		&a.Usage.Current, &a.Usage.Limit, &a.Usage.PercentUsed,
		&a.APICallCount, &a.APITotalTokens, &a.APILastCallAt,
		&a.Version, &a.UpdatedAt, &a.IsDel, &a.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func queryAccountByEmailIDP(ctx context.Context, tx pgx.Tx, email string, idp IDP) (*Account, error) {
	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1 AND idp = $2 AND is_del = false`, email, idp)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgx.ErrNoRows
	}
	return acc, err
}

// queryAccountForUpdate locks the row ("SELECT ... FOR
// UPDATE") so the caller's subsequent write is isolated from concurrent
// mutators.
func queryAccountForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Account, error) {
	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 AND is_del = false FOR UPDATE`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, pgx.ErrNoRows)
	}
	return acc, err
}

func insertAccountRow(ctx context.Context, tx pgx.Tx, a *Account) error {
	_, err := tx.Exec(ctx, `INSERT INTO accounts (`+accountColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`,
		a.ID, a.Email, a.UserID, a.Nickname, a.IDP, a.Status, a.GroupID, a.Tags,
		a.AccessToken, a.RefreshToken, a.ClientID, a.ClientIDHash, a.ClientSecret, a.Region, a.ExpiresAt, a.AuthMethod, a.Provider,
		a.HeaderVersion, a.AmzInvocationID, a.KiroDeviceHash, a.SdkJsVersion, a.IdeVersion,
		a.Usage.Current, a.Usage.Limit, a.Usage.PercentUsed,
		a.APICallCount, a.APITotalTokens, a.APILastCallAt,
		a.Version, a.UpdatedAt, a.IsDel, a.DeletedAt,
	)
	return err
}

func updateAccountRow(ctx context.Context, tx pgx.Tx, a *Account) error {
	_, err := tx.Exec(ctx, `UPDATE accounts SET
		email=$2, user_id=$3, nickname=$4, idp=$5, status=$6, group_id=$7, tags=$8,
		access_token=$9, refresh_token=$10, client_id=$11, client_id_hash=$12, client_secret=$13, region=$14, expires_at=$15, auth_method=$16, provider=$17,
		header_version=$18, amz_invocation_id=$19, kiro_device_hash=$20, sdk_js_version=$21, ide_version=$22,
		usage_current=$23, usage_limit=$24, usage_percent_used=$25,
		api_call_count=$26, api_total_tokens=$27, api_last_call_at=$28,
		version=$29, updated_at=$30, is_del=$31, deleted_at=$32
		WHERE id=$1`,
		a.ID, a.Email, a.UserID, a.Nickname, a.IDP, a.Status, a.GroupID, a.Tags,
		a.AccessToken, a.RefreshToken, a.ClientID, a.ClientIDHash, a.ClientSecret, a.Region, a.ExpiresAt, a.AuthMethod, a.Provider,
		a.HeaderVersion, a.AmzInvocationID, a.KiroDeviceHash, a.SdkJsVersion, a.IdeVersion,
		a.Usage.Current, a.Usage.Limit, a.Usage.PercentUsed,
		a.APICallCount, a.APITotalTokens, a.APILastCallAt,
		a.Version, a.UpdatedAt, a.IsDel, a.DeletedAt,
	)
	return err
}

func listAccountRows(ctx context.Context, tx pgx.Tx, groupID string) ([]*Account, error) {
	var rows pgx.Rows
	var err error
	if groupID == "" {
		rows, err = tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_del = false ORDER BY id ASC`)
	} else {
		rows, err = tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_del = false AND group_id = $1 ORDER BY id ASC`, groupID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
