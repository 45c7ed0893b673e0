// Package isolation provides the isolation token registry that keeps
// unrelated SOCKS5 sessions off the same overlay circuit.
package isolation

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Level names the basis on which an isolation key was derived. It exists
// purely for logging; the registry itself is level-agnostic — it only ever
// sees the resulting uint64 key.
type Level int

const (
	// LevelDefault means neither credentials nor per-destination isolation
	// applied; the session shares the process-wide default token.
	LevelDefault Level = iota
	// LevelDestination means the key was derived from the destination host.
	LevelDestination
	// LevelCredential means the key was derived from SOCKS5 credentials.
	LevelCredential
)

func (l Level) String() string {
	switch l {
	case LevelDefault:
		return "default"
	case LevelDestination:
		return "destination"
	case LevelCredential:
		return "credential"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// HashCredentials computes the 64-bit non-cryptographic isolation key for a
// SOCKS5 username/password pair. The caller is responsible for wiping uname
// and passwd immediately after this call returns.
func HashCredentials(uname, passwd []byte) uint64 {
	h := xxhash.New()
	h.Write(uname)
	h.Write([]byte{0}) // separator: avoids "ab"+"c" colliding with "a"+"bc"
	h.Write(passwd)
	return h.Sum64()
}

// HashDestination computes the 64-bit non-cryptographic isolation key for a
// destination host (not host:port — two ports on the same host still share
// a circuit under destination isolation).
func HashDestination(host string) uint64 {
	return xxhash.Sum64String(host)
}

// Token is an opaque identifier attached to a connect request that
// instructs the overlay never to share a circuit between streams carrying
// different tokens. Tokens are immutable; Clone exists to make the
// registry's "clone the token" handoff explicit at call sites rather than
// relying on Go's implicit value-copy semantics.
type Token struct {
	value string
}

// newToken generates a fresh, unguessable token.
func newToken() Token {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the system RNG is broken; there is no
		// safe way to continue minting isolation tokens.
		panic(fmt.Sprintf("isolation: failed to generate token: %v", err))
	}
	return Token{value: hex.EncodeToString(buf[:])}
}

// Ephemeral returns a fresh token that is never inserted into a Registry —
// the shape the cover-traffic generator needs, since chaff connections must
// never be linkable to each other or to real traffic via a shared token.
func Ephemeral() Token {
	return newToken()
}

// Clone returns an equivalent token. Tokens are value types, so this is a
// plain copy, but callers should use it at the point where the registry
// hands a stored token to a caller, matching the spec's "clone" handoff.
func (t Token) Clone() Token {
	return t
}

// String returns the token's wire representation, suitable for use as both
// the username and password of the overlay's SOCKS5 isolation auth.
func (t Token) String() string {
	return t.value
}

// IsZero reports whether t is the zero Token (never issued by this package).
func (t Token) IsZero() bool {
	return t.value == ""
}

var (
	defaultTokenOnce sync.Once
	defaultToken     Token
)

// DefaultToken returns the single process-wide token shared by sessions that
// carry neither credentials nor per-destination isolation.
func DefaultToken() Token {
	defaultTokenOnce.Do(func() {
		defaultToken = newToken()
	})
	return defaultToken
}

// DefaultMaxEntries is the registry capacity spec.md §3 budgets for before
// the coarse clear-on-overflow policy kicks in.
const DefaultMaxEntries = 1024

// Registry is a mutually-excluded mapping from isolation key to token,
// bounded to at most maxEntries live entries. On overflow the entire map is
// cleared rather than evicting by any ordering: in-flight streams already
// hold their token via Clone, so clearing the map only forgets the mapping
// for *future* lookups, which simply mint a fresh token.
type Registry struct {
	mu         sync.Mutex
	entries    map[uint64]Token
	maxEntries int
}

// NewRegistry creates a Registry bounded to maxEntries. A non-positive
// maxEntries uses DefaultMaxEntries.
func NewRegistry(maxEntries int) *Registry {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Registry{
		entries:    make(map[uint64]Token),
		maxEntries: maxEntries,
	}
}

// GetOrInsert returns the token associated with key, creating and storing a
// fresh one if none exists. The registry lock is held only for the
// duration of the map operation, never across I/O.
func (r *Registry) GetOrInsert(key uint64) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tok, ok := r.entries[key]; ok {
		return tok.Clone()
	}

	if len(r.entries) >= r.maxEntries {
		r.entries = make(map[uint64]Token)
	}

	tok := newToken()
	r.entries[key] = tok
	return tok.Clone()
}

// Len reports the current number of live entries. Intended for tests and
// diagnostics only.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
