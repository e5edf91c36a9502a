package medvault_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calque-health/medvault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentStoreBreakerFailsFast(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *medvault.Config) {
		c.BreakerFailureThreshold = 3
		c.BreakerCooldown = 50 * time.Millisecond
	}))
	ctx := context.Background()

	env.store.UploadErr = errors.New("ipfs daemon down")

	// Drive the breaker past its failure threshold.
	for i := 0; i < 3; i++ {
		_, err := env.vault.CreateRecord(ctx, "patient-1", "lab-result", "desc", []byte("payload"))
		require.Error(t, err)
		require.NotErrorIs(t, err, medvault.ErrBackendUnavailable, "failures below threshold pass through")
	}

	// The circuit is open: the store is no longer called and callers get a
	// fail-fast classification.
	_, err := env.vault.CreateRecord(ctx, "patient-1", "lab-result", "desc", []byte("payload"))
	require.ErrorIs(t, err, medvault.ErrBackendUnavailable)
	assert.True(t, medvault.IsRetryable(err))

	t.Run("recovers after cooldown", func(t *testing.T) {
		env.store.UploadErr = nil
		time.Sleep(80 * time.Millisecond)

		// Trial calls in HALF_OPEN succeed and close the circuit again.
		rec, err := env.vault.CreateRecord(ctx, "patient-1", "lab-result", "desc", []byte("payload"))
		require.NoError(t, err)
		rec2, err := env.vault.CreateRecord(ctx, "patient-1", "lab-result", "desc", []byte("other payload"))
		require.NoError(t, err)
		assert.NotEqual(t, rec.CID, rec2.CID)
	})
}

func TestFetchFailureDuringRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createRecord(t, "patient-1", []byte("payload"))

	env.store.FetchErr = errors.New("gateway timeout")
	_, err := env.vault.ReadRecord(ctx, rec.ID, "patient-1")
	require.Error(t, err)

	env.store.FetchErr = nil
	got, err := env.vault.ReadRecord(ctx, rec.ID, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestErasureSurvivesUnpinFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRecord(t, "patient-1", []byte("payload"))

	env.store.UnpinErr = errors.New("pin service unavailable")
	req, err := env.vault.RequestErasure(ctx, "patient-1")
	require.NoError(t, err, "unpin is best-effort; erasure must complete")
	assert.Equal(t, medvault.RequestCompleted, req.Status)

	// Keys are retired regardless, so the content is unreadable even
	// though the blob is still pinned.
	records, err := env.vault.ListRecords(ctx, "patient-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Anonymized)
}
