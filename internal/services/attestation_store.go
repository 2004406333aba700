package services

import (
	"context"
	"sync"
	"time"

	"bridge-backend/internal/types"
)

// AttestationStore collects operator attestations keyed by action
// digest. Every operator records what it observed itself; peers'
// attestations arrive over the transport. The coordinator opens a
// signing session only once a threshold of operators attested the
// same digest, and participants refuse to sign digests they never
// attested locally.
type AttestationStore struct {
	mu      sync.Mutex
	self    uint32
	entries map[string]map[uint32]time.Time
}

// NewAttestationStore returns an empty store for the local operator.
func NewAttestationStore(self uint32) *AttestationStore {
	return &AttestationStore{
		self:    self,
		entries: make(map[string]map[uint32]time.Time),
	}
}

// Record stores one operator's attestation for a digest.
func (a *AttestationStore) Record(from uint32, digest string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	attestors, ok := a.entries[digest]
	if !ok {
		attestors = make(map[uint32]time.Time)
		a.entries[digest] = attestors
	}
	attestors[from] = time.Now()
}

// RecordLocal stores the local operator's own attestation.
func (a *AttestationStore) RecordLocal(digest string) {
	a.Record(a.self, digest)
}

// HasLocal reports whether the local operator attested the digest.
// This is the binding check: a signature share is only ever produced
// for a message this operator independently observed as confirmed.
func (a *AttestationStore) HasLocal(digest string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	attestors, ok := a.entries[digest]
	if !ok {
		return false
	}
	_, ok = attestors[a.self]
	return ok
}

// Attestors lists the operators that attested a digest.
func (a *AttestationStore) Attestors(digest string) []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	attestors := a.entries[digest]
	ids := make([]uint32, 0, len(attestors))
	for id := range attestors {
		ids = append(ids, id)
	}
	return ids
}

// WaitForQuorum blocks until at least quorum distinct operators have
// attested the digest, then returns them.
func (a *AttestationStore) WaitForQuorum(ctx context.Context, digest string, quorum int) ([]uint32, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		ids := a.Attestors(digest)
		if len(ids) >= quorum {
			return ids, nil
		}
		select {
		case <-ctx.Done():
			return nil, &types.ThresholdProtocolError{
				Phase:  "attestation",
				Reason: "attestation quorum not reached",
			}
		case <-ticker.C:
		}
	}
}

// Sweep drops attestations older than the retention window.
func (a *AttestationStore) Sweep(retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	a.mu.Lock()
	defer a.mu.Unlock()
	for digest, attestors := range a.entries {
		for id, seen := range attestors {
			if seen.Before(cutoff) {
				delete(attestors, id)
			}
		}
		if len(attestors) == 0 {
			delete(a.entries, digest)
		}
	}
}
