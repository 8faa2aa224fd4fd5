package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, tenant_id, router_id, customer_ref, username, secret, secret_pending, profile,
       remote_address, disabled, comment, router_present, last_sync_at, last_error`

func scanAccount(row pgx.Row) (PPPoEAccount, error) {
	var i PPPoEAccount
	err := row.Scan(
		&i.ID,
		&i.TenantID,
		&i.RouterID,
		&i.CustomerRef,
		&i.Username,
		&i.Secret,
		&i.SecretPending,
		&i.Profile,
		&i.RemoteAddress,
		&i.Disabled,
		&i.Comment,
		&i.RouterPresent,
		&i.LastSyncAt,
		&i.LastError,
	)
	return i, err
}

const listRouterAccounts = `-- name: ListRouterAccounts :many
SELECT ` + accountColumns + `
FROM pppoe_accounts
WHERE router_id = $1
ORDER BY username
`

func (q *Queries) ListRouterAccounts(ctx context.Context, routerID string) ([]PPPoEAccount, error) {
	rows, err := q.db.Query(ctx, listRouterAccounts, routerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PPPoEAccount
	for rows.Next() {
		i, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getAccount = `-- name: GetAccount :one
SELECT ` + accountColumns + `
FROM pppoe_accounts
WHERE id = $1
`

func (q *Queries) GetAccount(ctx context.Context, id string) (PPPoEAccount, error) {
	return scanAccount(q.db.QueryRow(ctx, getAccount, id))
}

const markAccountApplied = `-- name: MarkAccountApplied :exec
UPDATE pppoe_accounts
SET router_present = $2,
    secret_pending = CASE WHEN $2 THEN false ELSE secret_pending END,
    last_sync_at = $3,
    last_error = NULL,
    updated_at = now()
WHERE id = $1
`

type MarkAccountAppliedParams struct {
	ID            string
	RouterPresent bool
	SyncedAt      time.Time
}

// MarkAccountApplied records a successful push. A push that leaves the account
// on the router also means its secret is now in place.
func (q *Queries) MarkAccountApplied(ctx context.Context, arg MarkAccountAppliedParams) error {
	_, err := q.db.Exec(ctx, markAccountApplied, arg.ID, arg.RouterPresent, arg.SyncedAt)
	return err
}

const markAccountSyncFailed = `-- name: MarkAccountSyncFailed :exec
UPDATE pppoe_accounts
SET last_error = $2,
    last_sync_at = $3,
    updated_at = now()
WHERE id = $1
`

type MarkAccountSyncFailedParams struct {
	ID        string
	LastError string
	SyncedAt  time.Time
}

func (q *Queries) MarkAccountSyncFailed(ctx context.Context, arg MarkAccountSyncFailedParams) error {
	_, err := q.db.Exec(ctx, markAccountSyncFailed, arg.ID, arg.LastError, arg.SyncedAt)
	return err
}

const refreshAccountPresence = `-- name: RefreshAccountPresence :exec
UPDATE pppoe_accounts
SET router_present = $2,
    last_sync_at = $3,
    updated_at = now()
WHERE id = $1
`

type RefreshAccountPresenceParams struct {
	ID            string
	RouterPresent bool
	SyncedAt      time.Time
}

func (q *Queries) RefreshAccountPresence(ctx context.Context, arg RefreshAccountPresenceParams) error {
	_, err := q.db.Exec(ctx, refreshAccountPresence, arg.ID, arg.RouterPresent, arg.SyncedAt)
	return err
}
