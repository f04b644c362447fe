package endqueue

import (
	"sync"
	"time"
)

// metaKey scopes an escalation-store entry to a single rule, since the
// same address may be banned independently by different rules (§4.4
// "Meta (escalation) store").
type metaKey struct {
	rule string
	addr string
}

type metaEntry struct {
	factor    int
	windowEnd time.Time
}

// metaStore tracks, per (rule, address), the escalation factor applied to
// repeated offenses within a rolling window. It prunes lazily: every
// lookup first walks and removes entries whose window has closed.
type metaStore struct {
	mu      sync.Mutex
	entries map[metaKey]*metaEntry
}

func newMetaStore() *metaStore {
	return &metaStore{entries: make(map[metaKey]*metaEntry)}
}

// RuleConfig carries the escalation parameters of the firing rule, needed
// to advance the store (§4.4).
type RuleConfig struct {
	Duration   time.Duration
	MetaFactor int
	MetaMax    time.Duration
}

// Advance applies the escalation algorithm of §4.4 and returns the
// factor to use for this firing's deadline computation.
//
//   - absent:                factor 1, window-end = now + d
//   - present, window open:  keep current factor (same offence window)
//   - present, window closed: f' = current * meta_factor; if d*f' <
//     meta_max, adopt f'/now+d*f'; else cap at factor -1, window = now +
//     meta_max (§4.4's "meta cap reached" sentinel, consumed by
//     computeDeadline).
//
// Pruning happens inline, matching the predecessor's "walk-and-prune"
// description: every call removes any entry (including unrelated keys)
// whose window has already closed, bounding memory without a separate
// sweep goroutine.
func (s *metaStore) Advance(rule string, addr string, now time.Time, cfg RuleConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := metaKey{rule: rule, addr: addr}
	s.pruneLocked(now, key)

	e, ok := s.entries[key]
	if !ok {
		e = &metaEntry{factor: 1, windowEnd: now.Add(cfg.Duration)}
		s.entries[key] = e
		return e.factor
	}

	if e.windowEnd.After(now) {
		return e.factor
	}

	nextFactor := e.factor * cfg.MetaFactor
	if cfg.Duration*time.Duration(nextFactor) < cfg.MetaMax {
		e.factor = nextFactor
		e.windowEnd = now.Add(cfg.Duration * time.Duration(nextFactor))
	} else {
		e.factor = -1
		e.windowEnd = now.Add(cfg.MetaMax)
	}
	return e.factor
}

// pruneLocked removes every entry whose window has already closed, other
// than keep, which the caller is about to inspect and advance itself
// (§4.4's own closed-window handling supersedes a blind prune). Must be
// called with s.mu held.
func (s *metaStore) pruneLocked(now time.Time, keep metaKey) {
	for k, e := range s.entries {
		if k == keep {
			continue
		}
		if !e.windowEnd.After(now) {
			delete(s.entries, k)
		}
	}
}

// Len reports the number of tracked (rule, address) escalation windows.
func (s *metaStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
