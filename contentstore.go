package medvault

import (
	"context"
	"fmt"

	"github.com/calque-health/medvault/internal/reliability"
)

// Circuit-breaker wrapper around the configured ContentStore. All vault
// access to the store goes through these helpers so that a degraded backend
// trips a single shared breaker and subsequent calls fail fast with
// ErrBackendUnavailable instead of queuing against it.

func (v *Vault) uploadBlob(ctx context.Context, data []byte) (string, error) {
	var cid string
	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		cid, err = v.store.Upload(ctx, data)
		return err
	})
	if err != nil {
		return "", v.storeError("upload", err)
	}
	return cid, nil
}

func (v *Vault) fetchBlob(ctx context.Context, cid string) ([]byte, error) {
	var data []byte
	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = v.store.Fetch(ctx, cid)
		return err
	})
	if err != nil {
		return nil, v.storeError("fetch", err)
	}
	return data, nil
}

// unpinBlob is best-effort: erasure must not block on storage-backend
// health, so failures are logged and swallowed.
func (v *Vault) unpinBlob(ctx context.Context, cid string) {
	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		return v.store.Unpin(ctx, cid)
	})
	if err != nil {
		v.logger.Warn("content unpin failed", "cid", cid, "error", err)
	}
}

// storeError distinguishes "store unreachable" from "data doesn't exist":
// circuit-open rejections become ErrBackendUnavailable so callers can tell
// the two apart.
func (v *Vault) storeError(op string, err error) error {
	if reliability.IsCircuitOpen(err) {
		return fmt.Errorf("%w: %s rejected: %w", ErrBackendUnavailable, op, err)
	}
	return fmt.Errorf("content store %s failed: %w", op, err)
}
