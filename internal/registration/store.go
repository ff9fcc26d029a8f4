// Package registration implements the REGISTER handler and AOR binding
// store, including the single-device-per-AOR purge policy that keeps a
// new binding from a different source address from shadowing the old
// one forever.
package registration

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaysip/sipproxy/internal/store"
)

const (
	// DefaultExpires is used when neither the Contact param nor the
	// Expires header supplies a value.
	DefaultExpires = 3600
	// MinExpires is the floor; requests below it get 423 Interval Too Brief.
	MinExpires = 60
	// MaxExpires caps whatever the UA asks for.
	MaxExpires = 7200
)

// Binding is one AOR's registered contact. An AOR may hold several
// Bindings at once, one per distinct Contact URI.
type Binding struct {
	AOR            string
	ContactURI     string
	RealSourceIP   string
	RealSourcePort int
	Transport      string
	CallID         string
	CSeq           uint32
	Expires        int
	ExpiresAt      time.Time
	RegisteredAt   time.Time
}

func (b *Binding) remaining(now time.Time) time.Duration {
	return b.ExpiresAt.Sub(now)
}

// ErrIntervalTooBrief signals that the requested expiry is below MinExpires.
var ErrIntervalTooBrief = fmt.Errorf("interval too brief")

// bindingKey identifies one binding within the store: an AOR may carry
// several of these at once, one per registered Contact URI.
type bindingKey struct {
	aor     string
	contact string
}

// Store holds the set of live bindings per AOR, keyed on (AOR, Contact)
// so a UA that registers multiple contacts for one AOR keeps all of
// them rather than the last one overwriting the rest.
type Store struct {
	mu       sync.Mutex
	bindings *store.TTLStore[bindingKey, *Binding]
}

// NewStore creates an empty registration store.
func NewStore() *Store {
	return &Store{bindings: store.NewTTLStore[bindingKey, *Binding]()}
}

// Upsert registers (or replaces) one AOR/Contact binding, rejecting a
// stale CSeq against the same Call-ID and an expiry below MinExpires.
func (s *Store) Upsert(b *Binding) error {
	if b.Expires < MinExpires {
		return ErrIntervalTooBrief
	}
	if b.Expires > MaxExpires {
		b.Expires = MaxExpires
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b.RegisteredAt = now
	b.ExpiresAt = now.Add(time.Duration(b.Expires) * time.Second)

	key := bindingKey{aor: b.AOR, contact: b.ContactURI}
	if existing, ok := s.bindings.Get(key); ok && existing.CallID == b.CallID && b.CSeq <= existing.CSeq {
		return fmt.Errorf("stale CSeq %d for Call-ID %s (last %d)", b.CSeq, b.CallID, existing.CSeq)
	}

	s.bindings.SetWithExpiry(key, b, b.ExpiresAt)
	return nil
}

// Remove deletes every binding for an AOR (Contact: * unregister).
func (s *Store) Remove(aor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []bindingKey
	s.bindings.ForEach(func(k bindingKey, _ *Binding) bool {
		if k.aor == aor {
			keys = append(keys, k)
		}
		return true
	})
	for _, k := range keys {
		s.bindings.Delete(k)
	}
}

// RemoveContact deletes a single Contact binding for an AOR (one
// Contact header among several arriving with Expires: 0).
func (s *Store) RemoveContact(aor, contactURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings.Delete(bindingKey{aor: aor, contact: contactURI})
}

// Lookup returns one live binding for an AOR, for routing an initial
// request to any registered contact. Callers that need the full set
// (the 200 OK response, the read-only API) should use LookupAll.
func (s *Store) Lookup(aor string) (*Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Binding
	s.bindings.ForEach(func(k bindingKey, b *Binding) bool {
		if k.aor == aor {
			found = b
			return false
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// LookupAll returns every live binding registered for an AOR.
func (s *Store) LookupAll(aor string) []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Binding
	s.bindings.ForEach(func(k bindingKey, b *Binding) bool {
		if k.aor == aor {
			out = append(out, b)
		}
		return true
	})
	return out
}

// Len returns the number of live bindings across all AORs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings.Len()
}

// Sweep is driven by the timer wheel: it removes expired bindings and
// invokes onExpire once per binding removed, so callers can emit CDR
// events per contact rather than per AOR.
func (s *Store) Sweep(onExpire func(aor string, b *Binding)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings.Sweep(func(k bindingKey, b *Binding) {
		if onExpire != nil {
			onExpire(k.aor, b)
		}
	})
}

// All returns a snapshot of every live binding, grouped by AOR, for
// the read-only accessor surface and the NAT keepalive task.
func (s *Store) All() map[string][]*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]*Binding)
	s.bindings.ForEach(func(k bindingKey, b *Binding) bool {
		out[k.aor] = append(out[k.aor], b)
		return true
	})
	return out
}
