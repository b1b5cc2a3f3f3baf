package tunfilter

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cornelk/hashmap"

	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/logger"
)

const (
	DefaultInjectedTTL = 5 * time.Second
	sweepInterval      = time.Second
)

type injectedEntry struct {
	mu         sync.Mutex
	seen       int
	expires    time.Time
	generation uint64
}

// InjectedSet remembers fingerprints of packets this host reinjected, so the
// hooks can tell them apart from fresh traffic. It implements
// inspect.InjectionOracle.
//
// A fingerprint only holds for the policy generation it was recorded under.
// A byte-identical packet seen after the verdict changed is fresh again.
type InjectedSet struct {
	entries hashmap.HashMap
	ttl     time.Duration
	now     func() time.Time
	policy  Generations
}

// NewInjectedSet builds a set whose fingerprints expire after ttl. policy
// may be nil, in which case fingerprints only expire.
func NewInjectedSet(ttl time.Duration, policy Generations) *InjectedSet {
	if ttl <= 0 {
		ttl = DefaultInjectedTTL
	}
	return &InjectedSet{ttl: ttl, now: time.Now, policy: policy}
}

func (s *InjectedSet) generation() uint64 {
	if s.policy == nil {
		return 0
	}
	return s.policy.Generation()
}

func fingerprint(b []byte) uintptr {
	return uintptr(xxhash.Sum64(b))
}

// Remember records a packet about to be reinjected
func (s *InjectedSet) Remember(b []byte) {
	key := fingerprint(b)
	gen := s.generation()
	entry := &injectedEntry{expires: s.now().Add(s.ttl), generation: gen}
	actual, loaded := s.entries.GetOrInsert(key, entry)
	if loaded {
		e := actual.(*injectedEntry)
		e.mu.Lock()
		e.seen = 0
		e.expires = s.now().Add(s.ttl)
		e.generation = gen
		e.mu.Unlock()
	}
}

func (s *InjectedSet) InjectionState(buf inspect.Buffer) inspect.InjectionState {
	return s.Lookup(buf.Bytes())
}

// Lookup classifies raw packet bytes. The first sighting after Remember is
// the reinjection itself; later sightings under the same policy generation
// are the same packet coming around again.
func (s *InjectedSet) Lookup(b []byte) inspect.InjectionState {
	key := fingerprint(b)
	v, ok := s.entries.GetUintKey(key)
	if !ok {
		return inspect.StateFresh
	}
	e := v.(*injectedEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.now().After(e.expires) || e.generation != s.generation() {
		return inspect.StateFresh
	}
	e.seen++
	if e.seen == 1 {
		return inspect.StateSelfInjected
	}
	return inspect.StatePreviouslySelfInjected
}

func (s *InjectedSet) Len() int {
	return s.entries.Len()
}

// Sweep drops expired or outdated fingerprints and returns how many were
// removed
func (s *InjectedSet) Sweep() int {
	now := s.now()
	gen := s.generation()
	var expired []interface{}
	for kv := range s.entries.Iter() {
		e := kv.Value.(*injectedEntry)
		e.mu.Lock()
		if now.After(e.expires) || e.generation != gen {
			expired = append(expired, kv.Key)
		}
		e.mu.Unlock()
	}
	for _, key := range expired {
		s.entries.Del(key)
	}
	return len(expired)
}

// Run sweeps periodically until ctx is done
func (s *InjectedSet) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.Debug("tunfilter: swept %d injected fingerprints", n)
			}
		}
	}
}
