package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"accessgrid/core-go/internal/device"
	"accessgrid/core-go/internal/metrics"
	"accessgrid/core-go/internal/secrets"
	"accessgrid/core-go/internal/sqlcgen"
)

type Mode string

const (
	// ModeReconcile only refreshes sync state from the live secret list.
	ModeReconcile Mode = "reconcile"
	// ModeApply pushes create/update operations to the router.
	ModeApply Mode = "apply"
)

var ErrAccountNotOnDevice = errors.New("account does not belong to this device")

type Queries interface {
	ListRouterAccounts(ctx context.Context, routerID string) ([]sqlcgen.PPPoEAccount, error)
	GetAccount(ctx context.Context, id string) (sqlcgen.PPPoEAccount, error)
	MarkAccountApplied(ctx context.Context, arg sqlcgen.MarkAccountAppliedParams) error
	MarkAccountSyncFailed(ctx context.Context, arg sqlcgen.MarkAccountSyncFailedParams) error
	RefreshAccountPresence(ctx context.Context, arg sqlcgen.RefreshAccountPresenceParams) error
}

type Options struct {
	// StoreTimeout bounds each sync-state write.
	StoreTimeout time.Duration
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

type Reconciler struct {
	log     zerolog.Logger
	q       Queries
	applier device.Applier
	box     *secrets.Box
	opts    Options
}

func New(log zerolog.Logger, q Queries, applier device.Applier, box *secrets.Box, opts Options) *Reconciler {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		log:     log,
		q:       q,
		applier: applier,
		box:     box,
		opts:    opts,
	}
}

// OpResult is the outcome of one attempted account operation.
type OpResult struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Op        string `json:"op"`
	Error     string `json:"error,omitempty"`
}

// Result summarizes one reconciliation pass over a device.
type Result struct {
	Mode     Mode       `json:"mode"`
	Accounts int        `json:"accounts"`
	InSync   int        `json:"in_sync"`
	Pending  int        `json:"pending"`
	Applied  []OpResult `json:"applied,omitempty"`
	Failed   []OpResult `json:"failed,omitempty"`
	// Rejected accounts failed validation and were never sent to the router.
	Rejected []OpResult `json:"rejected,omitempty"`
}

// Run reconciles every desired account of the device against snap.
//
// In ModeApply operations are pushed one account at a time; a failed account
// is recorded in its sync state and the batch continues. Accounts rejected by
// validation are never sent to the router.
func (r *Reconciler) Run(ctx context.Context, target device.Target, snap *device.Snapshot, mode Mode) (Result, error) {
	res := Result{Mode: mode}

	rows, err := r.listAccounts(ctx, target.ID)
	if err != nil {
		return res, err
	}
	res.Accounts = len(rows)
	idx := newRouterIndex(snap)

	if mode != ModeApply {
		return res, r.refresh(ctx, rows, idx.secrets, snap, &res)
	}

	var valid []Desired
	for _, row := range rows {
		d, err := r.desired(row)
		if err == nil {
			err = idx.validate(d)
		}
		if err != nil {
			var ce *ConfigError
			if !errors.As(err, &ce) {
				ce = &ConfigError{AccountID: row.ID, Username: row.Username, Field: "secret", Reason: err.Error()}
			}
			res.Rejected = append(res.Rejected, OpResult{AccountID: row.ID, Username: row.Username, Op: "validate", Error: ce.Error()})
			r.markFailed(ctx, row.ID, ce.Error())
			r.opts.Metrics.IncAccountOp("validate", "rejected")
			continue
		}
		valid = append(valid, d)
	}

	ops := Diff(valid, snap.Secrets)
	pending := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		pending[op.AccountID] = struct{}{}
	}

	for _, d := range valid {
		if _, ok := pending[d.AccountID]; ok {
			continue
		}
		res.InSync++
		r.markApplied(ctx, d.AccountID, true)
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := r.log.With().Str("device_id", target.ID).Str("account_id", op.AccountID).Str("username", op.Username).Logger()
		if err := r.applier.ApplyAccountOp(ctx, target, op); err != nil {
			log.Warn().Err(err).Str("op", op.String()).Msg("account op failed")
			res.Failed = append(res.Failed, OpResult{AccountID: op.AccountID, Username: op.Username, Op: string(op.Kind), Error: err.Error()})
			r.markFailed(ctx, op.AccountID, err.Error())
			r.opts.Metrics.IncAccountOp(string(op.Kind), "error")
			continue
		}
		log.Info().Str("op", op.String()).Msg("account op applied")
		res.Applied = append(res.Applied, OpResult{AccountID: op.AccountID, Username: op.Username, Op: string(op.Kind)})
		r.markApplied(ctx, op.AccountID, true)
		r.opts.Metrics.IncAccountOp(string(op.Kind), "ok")
	}
	return res, nil
}

// refresh updates router_present and last_sync_at from the live list and
// counts the operations an apply pass would issue.
func (r *Reconciler) refresh(ctx context.Context, rows []sqlcgen.PPPoEAccount, live map[string]device.Secret, snap *device.Snapshot, res *Result) error {
	var desired []Desired
	for _, row := range rows {
		_, present := live[row.Username]
		if err := r.withStore(ctx, func(ctx context.Context) error {
			return r.q.RefreshAccountPresence(ctx, sqlcgen.RefreshAccountPresenceParams{
				ID:            row.ID,
				RouterPresent: present,
				SyncedAt:      r.opts.Now(),
			})
		}); err != nil {
			return fmt.Errorf("refresh account %s: %w", row.ID, err)
		}
		desired = append(desired, Desired{
			AccountID:     row.ID,
			Username:      row.Username,
			Profile:       row.Profile,
			RemoteAddress: row.RemoteAddress,
			Disabled:      row.Disabled,
			Comment:       row.Comment,
		})
	}
	res.Pending = len(Diff(desired, snap.Secrets))
	res.InSync = len(rows) - res.Pending
	return nil
}

// RemoveAccount deletes one account's secret from the router on explicit
// operator request. It is the only destructive operation the reconciler issues.
func (r *Reconciler) RemoveAccount(ctx context.Context, target device.Target, accountID string) (OpResult, error) {
	var row sqlcgen.PPPoEAccount
	err := r.withStore(ctx, func(ctx context.Context) error {
		var err error
		row, err = r.q.GetAccount(ctx, accountID)
		return err
	})
	if err != nil {
		return OpResult{}, err
	}
	if row.RouterID != target.ID {
		return OpResult{}, ErrAccountNotOnDevice
	}

	op := device.AccountOp{Kind: device.OpRemove, AccountID: row.ID, Username: row.Username}
	out := OpResult{AccountID: row.ID, Username: row.Username, Op: string(op.Kind)}
	if err := r.applier.ApplyAccountOp(ctx, target, op); err != nil {
		out.Error = err.Error()
		r.markFailed(ctx, row.ID, err.Error())
		r.opts.Metrics.IncAccountOp(string(op.Kind), "error")
		return out, err
	}
	r.markApplied(ctx, row.ID, false)
	r.opts.Metrics.IncAccountOp(string(op.Kind), "ok")
	r.log.Info().Str("device_id", target.ID).Str("account_id", row.ID).Str("username", row.Username).Msg("account removed from router")
	return out, nil
}

func (r *Reconciler) desired(row sqlcgen.PPPoEAccount) (Desired, error) {
	secret, err := r.box.Open(row.Secret)
	if err != nil {
		return Desired{}, err
	}
	return Desired{
		AccountID:     row.ID,
		Username:      row.Username,
		Secret:        secret,
		SecretPending: row.SecretPending,
		Profile:       row.Profile,
		RemoteAddress: row.RemoteAddress,
		Disabled:      row.Disabled,
		Comment:       row.Comment,
	}, nil
}

func (r *Reconciler) listAccounts(ctx context.Context, deviceID string) ([]sqlcgen.PPPoEAccount, error) {
	var rows []sqlcgen.PPPoEAccount
	err := r.withStore(ctx, func(ctx context.Context) error {
		var err error
		rows, err = r.q.ListRouterAccounts(ctx, deviceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return rows, nil
}

func (r *Reconciler) markApplied(ctx context.Context, accountID string, present bool) {
	err := r.withStore(ctx, func(ctx context.Context) error {
		return r.q.MarkAccountApplied(ctx, sqlcgen.MarkAccountAppliedParams{
			ID:            accountID,
			RouterPresent: present,
			SyncedAt:      r.opts.Now(),
		})
	})
	if err != nil {
		r.log.Error().Err(err).Str("account_id", accountID).Msg("failed to record account sync")
	}
}

func (r *Reconciler) markFailed(ctx context.Context, accountID, msg string) {
	err := r.withStore(ctx, func(ctx context.Context) error {
		return r.q.MarkAccountSyncFailed(ctx, sqlcgen.MarkAccountSyncFailedParams{
			ID:        accountID,
			LastError: msg,
			SyncedAt:  r.opts.Now(),
		})
	})
	if err != nil {
		r.log.Error().Err(err).Str("account_id", accountID).Msg("failed to record account sync error")
	}
}

func (r *Reconciler) withStore(ctx context.Context, fn func(context.Context) error) error {
	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	return fn(storeCtx)
}
