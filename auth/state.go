package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// stateLength is the number of random bytes used to generate the state parameter.
// 32 bytes gives 256 bits of entropy.
const stateLength = 32

// DefaultPendingLoginTTL bounds how long a login may stay in flight.
const DefaultPendingLoginTTL = 10 * time.Minute

// GenerateState returns a random, URL-safe token used as the OAuth state
// parameter and as the OIDC nonce.
//
// It panics if the system random source fails; the process cannot issue
// safe tokens without it.
func GenerateState() string {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// PendingLogin is the in-flight login stored in the session between
// InitiateLogin and HandleCallback.
type PendingLogin struct {
	State string `cbor:"1,keyasint"`
	// Nonce is the OIDC nonce sent to the provider, if any.
	Nonce     string    `cbor:"2,keyasint,omitempty"`
	CreatedAt time.Time `cbor:"3,keyasint"`
}

// expired reports whether p is older than ttl at now. A non-positive ttl
// disables the check.
func (p PendingLogin) expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(p.CreatedAt) > ttl
}

// maxSpentStates bounds the memory used to remember consumed states.
const maxSpentStates = 100000

type spentEntry struct {
	state string
	until time.Time
}

// spentStates remembers states that reached a callback so that a replayed
// session cookie cannot present the same pending login twice. Entries are
// kept for as long as the pending login could still be valid. It covers a
// single process only.
type spentStates struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	queue []spentEntry
}

// spend records state as used until the given time. It reports false if
// state was already spent.
func (s *spentStates) spend(state string, now, until time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen == nil {
		s.seen = make(map[string]time.Time)
	}
	for len(s.queue) > 0 && (len(s.queue) >= maxSpentStates || !now.Before(s.queue[0].until)) {
		old := s.queue[0]
		if s.seen[old.state].Equal(old.until) {
			delete(s.seen, old.state)
		}
		s.queue = s.queue[1:]
	}

	if exp, ok := s.seen[state]; ok && now.Before(exp) {
		return false
	}
	s.seen[state] = until
	s.queue = append(s.queue, spentEntry{state: state, until: until})
	return true
}
