package account

import (
	"context"
	"log/slog"
	"time"

	"github.com/anthropics/AIClient-2-API/internal/kiro"
	"github.com/anthropics/AIClient-2-API/internal/store"
)

// RefreshWindow bounds the default refresh candidate window:
// refresh accounts expiring within 30 minutes, but not sooner than 10
// minutes out, to avoid hammering freshly-issued tokens.
const (
	DefaultRefreshWindow    = 30 * time.Minute
	DefaultRefreshLowerBound = 10 * time.Minute
	refreshLockTimeout      = 60 * time.Second
)

// SweepOptions configures the leader-only refresh sweep.
type SweepOptions struct {
	Store         *store.AccountStore
	Locks         *store.LockManager
	KiroClient    *kiro.Client
	Refresher     *TokenRefresher
	Logger        *slog.Logger
	Window        time.Duration
	LowerBound    time.Duration
	IsLeader      func() bool
}

// Sweep is the single-leader background loop:
// only the primary replica runs it, everyone else opts out via IsLeader.
type Sweep struct {
	store      *store.AccountStore
	locks      *store.LockManager
	kiroClient *kiro.Client
	refresher  *TokenRefresher
	logger     *slog.Logger
	window     time.Duration
	lowerBound time.Duration
	isLeader   func() bool
}

// NewSweep builds a Sweep.
func NewSweep(opts SweepOptions) *Sweep {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	lowerBound := opts.LowerBound
	if lowerBound <= 0 {
		lowerBound = DefaultRefreshLowerBound
	}
	isLeader := opts.IsLeader
	if isLeader == nil {
		isLeader = func() bool { return true }
	}

	return &Sweep{
		store:      opts.Store,
		locks:      opts.Locks,
		kiroClient: opts.KiroClient,
		refresher:  opts.Refresher,
		logger:     logger,
		window:     window,
		lowerBound: lowerBound,
		isLeader:   isLeader,
	}
}

// Run executes ticks on the given period until ctx is canceled.
func (s *Sweep) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sweep pass: find candidates, lock+refresh each.
func (s *Sweep) Tick(ctx context.Context) {
	if !s.isLeader() {
		return
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		s.logger.Warn("refresh sweep: list candidates failed", "error", err)
		return
	}

	for _, acc := range candidates {
		s.refreshOne(ctx, acc)
	}
}

// candidates selects accounts needing refresh: active
// status, expiresAt within (now, now+window], excluding ones that still
// have more than lowerBound of life left.
func (s *Sweep) candidates(ctx context.Context) ([]*store.Account, error) {
	all, err := s.store.ListAccounts(ctx, "")
	if err != nil {
		return nil, err
	}
	return filterRefreshCandidates(all, time.Now(), s.window, s.lowerBound), nil
}

// filterRefreshCandidates is the pure predicate behind candidates, split
// out so the window/lower-bound arithmetic is testable without a database.
func filterRefreshCandidates(all []*store.Account, now time.Time, window, lowerBound time.Duration) []*store.Account {
	nowMs := now.UnixMilli()
	upper := nowMs + window.Milliseconds()
	lower := nowMs + lowerBound.Milliseconds()

	var out []*store.Account
	for _, acc := range all {
		if acc.Status != store.StatusActive {
			continue
		}
		if acc.ExpiresAt <= nowMs || acc.ExpiresAt > upper {
			continue
		}
		if acc.ExpiresAt > lower {
			// still has more runway than the lower bound permits refreshing.
			continue
		}
		out = append(out, acc)
	}
	return out
}

// refreshOne acquires the per-account advisory lock and refreshes the
// token if still the current holder wins the race.
func (s *Sweep) refreshOne(ctx context.Context, acc *store.Account) {
	lockName := "kiro:refresh:" + acc.ID

	acquired, err := s.locks.WithLock(ctx, lockName, refreshLockTimeout, func(ctx context.Context) error {
		// The cross-process advisory lock keeps replicas from racing; the
		// in-process singleflight group still collapses duplicate callers
		// within this replica (e.g. a concurrent on-demand refresh).
		return s.refresher.RefreshSync(ctx, acc.ID, func() error {
			return s.doRefresh(ctx, acc)
		})
	})
	if err != nil {
		s.logger.Warn("refresh sweep: refresh failed", "account_id", acc.ID, "error", err)
		return
	}
	if !acquired {
		s.logger.Debug("refresh sweep: lock held by another replica", "account_id", acc.ID)
	}
}

func (s *Sweep) doRefresh(ctx context.Context, acc *store.Account) error {
	resp, err := s.kiroClient.RefreshToken(ctx, acc.Region, acc.RefreshToken, string(acc.AuthMethod), acc.Region, acc.ClientID, acc.ClientSecret)
	if err != nil {
		return err
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()
	_, err = s.store.UpdateOptimistic(ctx, acc.ID, acc.Version, func(a *store.Account) {
		a.AccessToken = resp.AccessToken
		if resp.RefreshToken != "" {
			a.RefreshToken = resp.RefreshToken
		}
		a.ExpiresAt = expiresAt
		a.Status = store.StatusActive
	})
	if err != nil {
		return err
	}

	s.logger.Info("token refreshed", "account_id", acc.ID, "expires_at", expiresAt)
	return nil
}
