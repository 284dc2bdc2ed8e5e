package account

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/anthropics/AIClient-2-API/internal/store"
)

// Default active/cooling pool parameters.
const (
	DefaultActiveSize      = 5
	DefaultCoolingPeriod   = 10 * time.Minute
	DefaultErrorThreshold  = 5
	maintenanceTickDefault = time.Minute
)

// activeEntry tracks the in-memory counters kept per active-pool member,
// separate from the account's persisted row.
type activeEntry struct {
	account    *store.Account
	errorCount int
	lastErrorAt time.Time
	addedAt    time.Time
}

// coolingEntry tracks when an account entered the cooling tier.
type coolingEntry struct {
	account    *store.Account
	enteredAt  time.Time
}

// PoolOptions configures the two-tier active/cooling pool.
type PoolOptions struct {
	Store          *store.AccountStore
	Logger         *slog.Logger
	ActiveSize     int
	CoolingPeriod  time.Duration
	ErrorThreshold int
	Enabled        bool
}

// Pool implements the active/cooling two-tier layer in front of the raw
// round-robin filter. When disabled, or when the active
// tier has drained to zero, callers fall back to the round-robin path
// themselves — Pool.Next reports ok=false in that case.
type Pool struct {
	storeRef       *store.AccountStore
	logger         *slog.Logger
	enabled        bool
	activeSize     int
	coolingPeriod  time.Duration
	errorThreshold int

	mu            sync.Mutex
	active        []*activeEntry
	cooling       []*coolingEntry
	activeIndex   int
}

// NewPool builds a Pool. Maintenance must be driven by calling Tick
// periodically (typically once a minute).
func NewPool(opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	activeSize := opts.ActiveSize
	if activeSize <= 0 {
		activeSize = DefaultActiveSize
	}
	coolingPeriod := opts.CoolingPeriod
	if coolingPeriod <= 0 {
		coolingPeriod = DefaultCoolingPeriod
	}
	errorThreshold := opts.ErrorThreshold
	if errorThreshold <= 0 {
		errorThreshold = DefaultErrorThreshold
	}

	return &Pool{
		storeRef:       opts.Store,
		logger:         logger,
		enabled:        opts.Enabled,
		activeSize:     activeSize,
		coolingPeriod:  coolingPeriod,
		errorThreshold: errorThreshold,
	}
}

// Enabled reports whether the active/cooling tier is in use.
func (p *Pool) Enabled() bool {
	return p.enabled
}

// Next selects the next active-pool entry in round-robin order. ok is
// false when the pool is disabled or currently empty, signaling the caller
// to fall through to the round-robin path.
func (p *Pool) Next(now time.Time) (acc *store.Account, ok bool) {
	if !p.enabled {
		return nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.active) == 0 {
		return nil, false
	}

	for i := 0; i < len(p.active); i++ {
		idx := (p.activeIndex + i) % len(p.active)
		entry := p.active[idx]
		if entry.account.ExpiresAt > now.UnixMilli() {
			p.activeIndex = (idx + 1) % len(p.active)
			return entry.account, true
		}
	}
	return nil, false
}

// MarkError increments the active entry's error counter; at the configured
// threshold the entry demotes to cooling without touching the account's
// persisted status (demotion never marks the account DB-level error).
func (p *Pool) MarkError(id string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, entry := range p.active {
		if entry.account.ID != id {
			continue
		}
		entry.errorCount++
		entry.lastErrorAt = now
		if entry.errorCount >= p.errorThreshold {
			p.demoteLocked(i, now)
		}
		return
	}
}

// MarkSuccess resets an active entry's error counter to zero.
func (p *Pool) MarkSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.active {
		if entry.account.ID == id {
			entry.errorCount = 0
			return
		}
	}
}

func (p *Pool) demoteLocked(i int, now time.Time) {
	entry := p.active[i]
	p.active = append(p.active[:i], p.active[i+1:]...)
	if p.activeIndex > i {
		p.activeIndex--
	}
	if p.activeIndex >= len(p.active) && len(p.active) > 0 {
		p.activeIndex = 0
	}
	p.cooling = append(p.cooling, &coolingEntry{account: entry.account, enteredAt: now})
	p.logger.Info("account demoted to cooling pool", "account_id", entry.account.ID, "error_count", entry.errorCount)
}

// Tick runs one maintenance pass: demote, promote, then refill.
func (p *Pool) Tick(ctx context.Context, now time.Time) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	activeIDs := make(map[string]bool, len(p.active))
	for _, e := range p.active {
		activeIDs[e.account.ID] = true
	}
	coolingIDs := make(map[string]bool, len(p.cooling))
	for _, e := range p.cooling {
		coolingIDs[e.account.ID] = true
	}
	p.mu.Unlock()

	// (a) demote active entries whose persisted status is banned/error.
	p.mu.Lock()
	for i := len(p.active) - 1; i >= 0; i-- {
		entry := p.active[i]
		current, err := p.storeRef.GetByID(ctx, entry.account.ID)
		if err != nil {
			continue
		}
		if current.Status == store.StatusBanned || current.Status == store.StatusError {
			p.demoteLocked(i, now)
		}
	}
	p.mu.Unlock()

	// (b) re-evaluate cooling entries past their cooling period.
	p.mu.Lock()
	var stillCooling []*coolingEntry
	for _, entry := range p.cooling {
		if now.Sub(entry.enteredAt) < p.coolingPeriod {
			stillCooling = append(stillCooling, entry)
			continue
		}
		current, err := p.storeRef.GetByID(ctx, entry.account.ID)
		if err != nil {
			stillCooling = append(stillCooling, entry)
			continue
		}
		if current.Status == store.StatusActive && len(p.active) < p.activeSize {
			p.active = append(p.active, &activeEntry{account: current, addedAt: now})
			p.logger.Info("account promoted from cooling pool", "account_id", current.ID)
			continue
		}
		entry.enteredAt = now
		stillCooling = append(stillCooling, entry)
	}
	p.cooling = stillCooling
	p.mu.Unlock()

	// (c) refill active pool from accounts not already in either tier,
	// least-used first (the "carry-over" rule).
	if p.needsRefill() {
		p.refill(ctx)
	}
}

func (p *Pool) needsRefill() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active) < p.activeSize
}

func (p *Pool) refill(ctx context.Context) {
	all, err := p.storeRef.ListAccounts(ctx, "")
	if err != nil {
		p.logger.Warn("pool refill: list accounts failed", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	excluded := make(map[string]bool, len(p.active)+len(p.cooling))
	for _, e := range p.active {
		excluded[e.account.ID] = true
	}
	for _, e := range p.cooling {
		excluded[e.account.ID] = true
	}

	var candidates []*store.Account
	for _, acc := range all {
		if excluded[acc.ID] || acc.Status != store.StatusActive {
			continue
		}
		candidates = append(candidates, acc)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Usage.PercentUsed < candidates[j].Usage.PercentUsed
	})

	now := time.Now()
	for _, acc := range candidates {
		if len(p.active) >= p.activeSize {
			break
		}
		p.active = append(p.active, &activeEntry{account: acc, addedAt: now})
	}
}

// Status mirrors getPoolStatus's active/cooling counts.
type Status struct {
	ActiveCount  int
	CoolingCount int
	ActiveSize   int
}

// CurrentStatus returns the current tier counts.
func (p *Pool) CurrentStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ActiveCount:  len(p.active),
		CoolingCount: len(p.cooling),
		ActiveSize:   p.activeSize,
	}
}
