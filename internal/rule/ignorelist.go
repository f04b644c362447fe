package rule

import (
	"sync"

	"github.com/ladcd/ladc/internal/address"
)

// IgnoreList is the global MRU-ordered ignore list consulted by
// trigger_all_actions before any action template runs (§4.2: "if it
// parses but is covered by the global ignore-list, bump that ignore
// entry's MRU priority and return"). The same MRU-promotion idiom is
// also used for the peer allow-list (§4.8) and DNSBL zone order (§4.2
// step 4); all three reorder a small slice in place on a hit rather than
// paying for a full LRU cache.
type IgnoreList struct {
	mu      sync.Mutex
	entries []address.Address
}

// NewIgnoreList returns an IgnoreList seeded with entries, in config
// order.
func NewIgnoreList(entries []address.Address) *IgnoreList {
	return &IgnoreList{entries: append([]address.Address(nil), entries...)}
}

// Covers reports whether addr is covered by any entry (§3 "containment
// test"), promoting the first covering entry one step toward the front
// of the list on a hit.
func (l *IgnoreList) Covers(addr address.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.Contains(addr) {
			promote(l.entries, i)
			return true
		}
	}
	return false
}

// promote swaps the entry at index i one step toward the front, the same
// one-step MRU bias §4.2 describes for pattern promotion.
func promote(entries []address.Address, i int) {
	if i == 0 {
		return
	}
	entries[i], entries[i-1] = entries[i-1], entries[i]
}

// Len reports the number of entries.
func (l *IgnoreList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
