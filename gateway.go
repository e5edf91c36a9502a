package medvault

import (
	"context"
	"sync"
	"time"
)

// CheckAccess resolves whether granteeID currently holds a valid grant over
// recordID.
//
// Resolution order: decision cache (short TTL), then the relational grant
// ledger, then an optional strict on-chain cross-check for READ_WRITE
// grants that have been mirrored. The returned Decision carries its
// provenance for audit.
//
// Staleness bound: a cached allow may survive a revocation elsewhere for up
// to Config.CacheTTL. This is the documented SLA, not a bug; the vault's
// own RevokeAccess invalidates its cache eagerly.
func (v *Vault) CheckAccess(ctx context.Context, granteeID, recordID string) (*Decision, error) {
	if granteeID == "" || recordID == "" {
		return nil, NewValidationError("granteeID/recordID", "cannot be empty")
	}

	if cached, ok, err := v.cache.Get(ctx, granteeID, recordID); err == nil && ok {
		return cached, nil
	} else if err != nil {
		// The cache is advisory; degrade to the database on cache faults.
		v.logger.Warn("decision cache read failed", "error", err)
	}

	grant, err := v.activeGrantForRecord(ctx, granteeID, recordID)
	if err != nil {
		return nil, err
	}

	decision := &Decision{Allowed: false, Source: SourceDatabase}
	if grant != nil {
		decision.Allowed = true
		decision.GrantID = grant.ID

		if v.cfg.StrictChainVerify && grant.AccessLevel == AccessReadWrite && grant.LedgerTxRef != "" {
			ok, err := v.verifyGrantOnChain(ctx, grant)
			if err != nil {
				// The ledger is advisory here: an unreachable chain must
				// not take reads down with it.
				v.logger.Warn("on-chain grant verification unavailable", "grant_id", grant.ID, "error", err)
			} else {
				decision.Allowed = ok
				decision.Source = SourceChain
			}
		}
	}

	if err := v.cache.Set(ctx, granteeID, recordID, decision, v.cfg.CacheTTL); err != nil {
		v.logger.Warn("decision cache write failed", "error", err)
	}
	return decision, nil
}

// verifyGrantOnChain asks the ledger whether the mirrored grant is present
// and active. The default deployment treats the ledger as tamper-evidence
// only; this path is exercised only when StrictChainVerify is on.
func (v *Vault) verifyGrantOnChain(ctx context.Context, grant *AccessGrant) (bool, error) {
	if v.anchor == nil {
		return true, nil
	}
	return v.anchor.VerifyGrant(ctx, grant)
}

// MemoryDecisionCache is the default in-process DecisionCache. Entries
// expire after their TTL; Invalidate removes them immediately.
type MemoryDecisionCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

type memoryCacheEntry struct {
	decision Decision
	expires  time.Time
}

// MemoryCacheOption configures a MemoryDecisionCache.
type MemoryCacheOption func(*MemoryDecisionCache)

// WithTimeSource replaces the clock used for TTL expiry. A cache handed to
// a Vault is aligned to the vault's clock automatically; this option is for
// standalone use.
func WithTimeSource(now func() time.Time) MemoryCacheOption {
	return func(c *MemoryDecisionCache) { c.now = now }
}

// NewMemoryDecisionCache creates an empty in-process decision cache.
func NewMemoryDecisionCache(opts ...MemoryCacheOption) *MemoryDecisionCache {
	c := &MemoryDecisionCache{
		entries: make(map[string]memoryCacheEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(granteeID, recordID string) string {
	return granteeID + "\x00" + recordID
}

func (c *MemoryDecisionCache) Get(_ context.Context, granteeID, recordID string) (*Decision, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(granteeID, recordID)]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return nil, false, nil
	}
	d := entry.decision
	d.Source = SourceCache
	return &d, true, nil
}

func (c *MemoryDecisionCache) Set(_ context.Context, granteeID, recordID string, d *Decision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(granteeID, recordID)] = memoryCacheEntry{
		decision: *d,
		expires:  c.now().Add(ttl),
	}
	return nil
}

func (c *MemoryDecisionCache) Invalidate(_ context.Context, granteeID, recordID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(granteeID, recordID))
	return nil
}
