// Package medvault is the core engine of a patient-controlled medical record
// vault: envelope encryption of record payloads, off-chain content-addressed
// storage, ledger anchoring for tamper evidence, and a consent ledger of
// patient-issued access grants.
//
// Record payloads are encrypted with a fresh per-record AES-256-GCM data
// encryption key (DEK). The DEK is wrapped by a per-patient key encryption
// key (KEK) held in an external KMS and never stored in plaintext. Only the
// ciphertext leaves the process: the content store and the ledger see
// encrypted bytes and digests, never payloads.
//
// # Quick Start
//
//	kms := medvault.NewTestKMS()
//	store := medvault.NewMemoryContentStore()
//	anchor := medvault.NewStubAnchorClient()
//
//	cfg := medvault.Config{DBPath: "/var/lib/medvault"}
//
//	vault, err := medvault.New(ctx, kms, store, anchor, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vault.Close()
//
//	rec, err := vault.CreateRecord(ctx, "patient-1", "lab-result", "CBC panel", payload)
//
//	expiry := time.Now().Add(30 * 24 * time.Hour)
//	grant, err := vault.GrantAccess(ctx, "patient-1", "dr-lee", []string{rec.ID},
//	    medvault.AccessRead, &expiry)
//
// Production deployments swap the in-memory collaborators for the adapters
// under providers/: awskms or vaulttransit for key management, s3store or
// ipfs for content storage, fabric for ledger anchoring, and rediscache for
// a shared decision cache and audit stream.
//
// # Access Control
//
// Every read by anyone other than the record's patient is resolved through
// CheckAccess: decision cache first, then the grant ledger. Cached ALLOW
// decisions live for a bounded TTL (60s by default), which is the documented
// upper bound on revocation staleness; revocation also invalidates the cache
// eagerly, so same-process reads see it immediately.
//
// # Error Handling
//
// Operations return wrapped sentinel errors for classification:
//
//	if errors.Is(err, medvault.ErrForbidden) {
//	    // no active grant covers this record
//	}
//	if medvault.IsRetryable(err) {
//	    // storage, ledger, or KMS temporarily unavailable
//	}
//
// # Compliance
//
// RequestErasure implements right-to-erasure without touching the immutable
// ledger: payload references are anonymized, blobs unpinned, grants revoked,
// and the patient's KEK chain retired so remaining ciphertext is
// permanently undecryptable. RequestExport assembles a portable bundle of
// everything held about a patient.
package medvault
