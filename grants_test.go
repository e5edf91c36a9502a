package medvault_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calque-health/medvault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func futureExpiry(env *testEnv, d time.Duration) *time.Time {
	t := env.now.Add(d)
	return &t
}

func TestGrantAccessValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	past := env.now.Add(-time.Hour)

	tests := []struct {
		name      string
		patientID string
		granteeID string
		recordIDs []string
		level     medvault.AccessLevel
		expiresAt *time.Time
	}{
		{"empty patient", "", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil},
		{"empty grantee", "patient-1", "", []string{rec.ID}, medvault.AccessRead, nil},
		{"self grant", "patient-1", "patient-1", []string{rec.ID}, medvault.AccessRead, nil},
		{"no records", "patient-1", "dr-lee", nil, medvault.AccessRead, nil},
		{"bad level", "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessLevel("ADMIN"), nil},
		{"past expiry", "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, &past},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.vault.GrantAccess(ctx, tt.patientID, tt.granteeID, tt.recordIDs, tt.level, tt.expiresAt)
			assert.ErrorIs(t, err, medvault.ErrValidation)
		})
	}
}

func TestGrantAccessRejectsForeignRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := env.createRecord(t, "patient-2", []byte("not yours"))

	env.createRecord(t, "patient-1", []byte("mine"))
	_, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{other.ID}, medvault.AccessRead, nil)
	assert.ErrorIs(t, err, medvault.ErrForbidden)
}

func TestGrantThenRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload := []byte("visible to dr-lee")
	rec := env.createRecord(t, "patient-1", payload)

	grant, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
	require.NoError(t, err)
	assert.Equal(t, medvault.GrantActive, grant.Status)

	got, err := env.vault.ReadRecord(ctx, rec.ID, "dr-lee")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDuplicateGrantConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	_, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
	require.NoError(t, err)

	_, err = env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessReadWrite, nil)
	require.ErrorIs(t, err, medvault.ErrDuplicateGrant)
	assert.True(t, medvault.IsConflict(err))
}

func TestConcurrentDuplicateGrantsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, medvault.ErrDuplicateGrant)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent grant must win")

	grants, err := env.vault.ListActiveGrants(ctx, "patient-1")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestRevokeAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	grant, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
	require.NoError(t, err)

	// Prime the decision cache with an allow.
	_, err = env.vault.ReadRecord(ctx, rec.ID, "dr-lee")
	require.NoError(t, err)

	revoked, err := env.vault.RevokeAccess(ctx, grant.ID, "patient-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, medvault.GrantRevoked, revoked.Status)
	assert.Equal(t, "patient-1", revoked.RevokedBy)
	assert.NotNil(t, revoked.RevokedAt)

	// Eager cache invalidation: the very next read in this process is
	// denied, well inside the TTL.
	_, err = env.vault.ReadRecord(ctx, rec.ID, "dr-lee")
	assert.ErrorIs(t, err, medvault.ErrForbidden)
}

func TestRevokeRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	grant, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
	require.NoError(t, err)

	t.Run("non-owner cannot revoke", func(t *testing.T) {
		_, err := env.vault.RevokeAccess(ctx, grant.ID, "patient-2", "not mine")
		assert.ErrorIs(t, err, medvault.ErrForbidden)
	})

	t.Run("unknown grant", func(t *testing.T) {
		_, err := env.vault.RevokeAccess(ctx, "no-such-grant", "patient-1", "x")
		assert.ErrorIs(t, err, medvault.ErrNotFound)
	})

	t.Run("revoke is terminal", func(t *testing.T) {
		_, err := env.vault.RevokeAccess(ctx, grant.ID, "patient-1", "first")
		require.NoError(t, err)
		_, err = env.vault.RevokeAccess(ctx, grant.ID, "patient-1", "second")
		assert.ErrorIs(t, err, medvault.ErrValidation)
	})
}

func TestGrantExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	grant, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID},
		medvault.AccessRead, futureExpiry(env, time.Hour))
	require.NoError(t, err)

	_, err = env.vault.ReadRecord(ctx, rec.ID, "dr-lee")
	require.NoError(t, err)

	// Past expiry the grant is lazily EXPIRED even though the row still
	// says ACTIVE. The cache TTL (60s) is far below the jump, so the old
	// allow has aged out too.
	env.advance(2 * time.Hour)

	assert.Equal(t, medvault.GrantExpired, grant.EffectiveStatus(env.now))

	_, err = env.vault.ReadRecord(ctx, rec.ID, "dr-lee")
	assert.ErrorIs(t, err, medvault.ErrForbidden)

	active, err := env.vault.ListActiveGrants(ctx, "patient-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	received, err := env.vault.ListReceivedGrants(ctx, "dr-lee")
	require.NoError(t, err)
	assert.Empty(t, received)

	t.Run("sweep persists terminal status", func(t *testing.T) {
		swept, err := env.vault.SweepExpiredGrants(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, swept)

		stored, err := env.vault.GetGrant(ctx, grant.ID)
		require.NoError(t, err)
		assert.Equal(t, medvault.GrantExpired, stored.Status)
	})

	t.Run("regrant after expiry", func(t *testing.T) {
		_, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
		require.NoError(t, err, "an expired grant must not block a fresh one")
	})
}

func TestRegrantAfterLazyExpiryWithoutSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	_, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID},
		medvault.AccessRead, futureExpiry(env, time.Minute))
	require.NoError(t, err)

	env.advance(time.Hour)

	// No sweep ran; insertGrant must free the lapsed grant's index slot on
	// its own.
	_, err = env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
	require.NoError(t, err)
}

func TestGrantMirroringBackfillsLedgerRef(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	grant, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
	require.NoError(t, err)
	// The grant returns before the ledger confirms anything.
	assert.Empty(t, grant.LedgerTxRef)

	require.Eventually(t, func() bool {
		stored, err := env.vault.GetGrant(ctx, grant.ID)
		return err == nil && stored.LedgerTxRef != ""
	}, 5*time.Second, 10*time.Millisecond, "mirror worker should backfill the ledger ref")
}

func TestUnmirroredGrantReconciliation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	env.anchor.Err = medvault.ErrBackendUnavailable
	grant, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, nil)
	require.NoError(t, err, "mirroring failures never fail the grant")

	env.anchor.Err = nil
	_, err = env.vault.ReconcilePendingAnchors(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := env.vault.GetGrant(ctx, grant.ID)
		return err == nil && stored.LedgerTxRef != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, env.anchor.Mirrored, grant.ID)
}

func TestReconciliationSkipsLapsedGrants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	// Neither grant reaches the ledger while the anchor client is down.
	env.anchor.Err = medvault.ErrBackendUnavailable
	expiry := env.now.Add(time.Hour)
	lapsed, err := env.vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID}, medvault.AccessRead, &expiry)
	require.NoError(t, err)
	revoked, err := env.vault.GrantAccess(ctx, "patient-1", "dr-wu", []string{rec.ID}, medvault.AccessRead, nil)
	require.NoError(t, err)
	_, err = env.vault.RevokeAccess(ctx, revoked.ID, "patient-1", "no longer needed")
	require.NoError(t, err)

	env.advance(2 * time.Hour)
	env.anchor.Err = nil
	_, err = env.vault.ReconcilePendingAnchors(ctx)
	require.NoError(t, err)

	// The revoked grant is reconciled as its terminal event.
	require.Eventually(t, func() bool {
		stored, err := env.vault.GetGrant(ctx, revoked.ID)
		return err == nil && stored.LedgerTxRef != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, env.anchor.Revocations, revoked.ID)
	assert.NotContains(t, env.anchor.Mirrored, revoked.ID)

	// The lapsed grant must not appear on chain as a fresh issuance.
	assert.NotContains(t, env.anchor.Mirrored, lapsed.ID)
	assert.NotContains(t, env.anchor.Revocations, lapsed.ID)
}
