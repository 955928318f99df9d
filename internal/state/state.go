// Package state holds the mutable per-interface record owned by one agent:
// the bearer credential and the hash of the last applied peer configuration.
package state

import (
	"sync/atomic"
	"time"
)

// Credential is a bearer token and its expiry (unix seconds, 0 when unknown).
type Credential struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiry_ts"`
}

// Expired reports whether the credential carries a known expiry that has passed.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt
}

// Record is the agent-owned state of one interface. Writers are serialized
// by the owning agent's loop; the atomic pointers let readers (health
// checks, tests) observe token and expiry together or not at all.
type Record struct {
	credential atomic.Pointer[Credential]
	configHash atomic.Pointer[string]
}

// NewRecord seeds a record with an initial credential.
func NewRecord(initial Credential) *Record {
	r := &Record{}
	r.credential.Store(&initial)
	return r
}

// Credential returns a copy of the current credential.
func (r *Record) Credential() Credential {
	if c := r.credential.Load(); c != nil {
		return *c
	}
	return Credential{}
}

// SwapCredential replaces token and expiry in a single step.
func (r *Record) SwapCredential(c Credential) {
	r.credential.Store(&c)
}

// ConfigHash returns the stored hash and whether one is present.
func (r *Record) ConfigHash() (string, bool) {
	h := r.configHash.Load()
	if h == nil {
		return "", false
	}
	return *h, true
}

// SetConfigHash stores the hash of the peer block just written to disk.
func (r *Record) SetConfigHash(hash string) {
	r.configHash.Store(&hash)
}

// ClearConfigHash forgets the stored hash so the next sync reapplies.
func (r *Record) ClearConfigHash() {
	r.configHash.Store(nil)
}
