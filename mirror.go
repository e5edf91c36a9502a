package medvault

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Asynchronous mirroring of grant changes to the ledger. Grant operations
// enqueue a task and return immediately; the worker calls the ledger client
// and backfills ledger_tx_ref on success. A failed or dropped mirror leaves
// the reference empty for ReconcilePendingAnchors to retry.

type mirrorKind int

const (
	mirrorGrant mirrorKind = iota
	mirrorRevocation
)

type mirrorTask struct {
	kind    mirrorKind
	grantID string
}

type mirrorWorker struct {
	vault *Vault
	tasks chan mirrorTask

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func newMirrorWorker(v *Vault, queueSize int) *mirrorWorker {
	return &mirrorWorker{
		vault: v,
		tasks: make(chan mirrorTask, queueSize),
		done:  make(chan struct{}),
	}
}

func (w *mirrorWorker) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case task := <-w.tasks:
				w.process(task)
			case <-w.done:
				// Drain what is already queued before exiting.
				for {
					select {
					case task := <-w.tasks:
						w.process(task)
					default:
						return
					}
				}
			}
		}
	}()
}

func (w *mirrorWorker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *mirrorWorker) process(task mirrorTask) {
	v := w.vault

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	grant, err := v.GetGrant(ctx, task.grantID)
	if err != nil {
		v.logger.Warn("mirror task dropped, grant not loadable", "grant_id", task.grantID, "error", err)
		return
	}

	// The grant may have lapsed or been revoked while queued. Its terminal
	// event, if any, travels as its own task; mirroring it as a fresh
	// issuance would misstate the chain history.
	if task.kind == mirrorGrant && grant.EffectiveStatus(v.now()) != GrantActive {
		v.logger.Debug("mirror task skipped, grant no longer active", "grant_id", task.grantID)
		return
	}

	var txRef string
	switch task.kind {
	case mirrorGrant:
		txRef, err = v.anchor.MirrorGrant(ctx, grant)
	case mirrorRevocation:
		txRef, err = v.anchor.MirrorRevocation(ctx, grant)
	}
	if err != nil {
		// Fire-and-forget: the grant stands, the mirror is backfilled by
		// reconciliation.
		v.logger.Warn("grant mirroring failed", "grant_id", task.grantID, "error", err)
		return
	}

	if err := v.setGrantLedgerRef(ctx, task.grantID, txRef); err != nil {
		v.logger.Error("failed to backfill grant ledger ref", "grant_id", task.grantID, "error", err)
		return
	}
	v.logger.Debug("grant mirrored", "grant_id", task.grantID, "tx_ref", txRef)
}

// enqueueMirror hands a grant change to the background worker. When no
// ledger client is configured, or the queue is full, the task is dropped;
// reconciliation backfills later.
func (v *Vault) enqueueMirror(task mirrorTask) {
	if v.mirror == nil {
		return
	}
	select {
	case v.mirror.tasks <- task:
	default:
		v.logger.Warn("mirror queue full, task deferred to reconciliation", "grant_id", task.grantID)
	}
}

func (v *Vault) setGrantLedgerRef(ctx context.Context, grantID, txRef string) error {
	_, err := v.db.ExecContext(ctx, `
		UPDATE grants SET ledger_tx_ref = ?, updated_at = ? WHERE id = ?
	`, txRef, v.now().UTC(), grantID)
	if err != nil {
		return fmt.Errorf("failed to set grant ledger ref: %w", err)
	}
	return nil
}

// enqueueUnmirroredGrants re-queues grants whose ledger reference is still
// empty. Called from ReconcilePendingAnchors.
func (v *Vault) enqueueUnmirroredGrants(ctx context.Context) error {
	if v.mirror == nil {
		return nil
	}
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants WHERE ledger_tx_ref = ''
	`)
	if err != nil {
		return err
	}
	now := v.now()
	for _, g := range grants {
		// A lapsed grant must not reappear on chain as a fresh issuance.
		// Revocations are mirrored as their terminal event; everything
		// else is skipped.
		switch {
		case g.Status == GrantRevoked:
			v.enqueueMirror(mirrorTask{kind: mirrorRevocation, grantID: g.ID})
		case g.EffectiveStatus(now) == GrantActive:
			v.enqueueMirror(mirrorTask{kind: mirrorGrant, grantID: g.ID})
		}
	}
	return nil
}
