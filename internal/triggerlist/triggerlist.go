// Package triggerlist implements the per-rule short-term accounting of
// §4.3: a single counter-and-window per (template, address) key, advanced
// on each candidate detection until it reaches threshold and fires.
package triggerlist

import (
	"time"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/command"
)

// Key identifies a trigger-list window: the template it belongs to and the
// address it was raised against (the zero address when the template needs
// no host).
type Key struct {
	TemplateName string
	Addr         address.Address
	HasAddr      bool
}

func keyFor(inst *command.Instance) Key {
	if inst.Address == nil {
		return Key{TemplateName: inst.Template.Name}
	}
	return Key{TemplateName: inst.Template.Name, Addr: *inst.Address, HasAddr: true}
}

// entry is one live window: the candidate instance plus its trigger count
// and window start time.
type entry struct {
	instance  *command.Instance
	nTriggers int
	startTime time.Time
}

// List is a single rule's trigger list. Not safe for concurrent use
// without external synchronisation — rule.Rule serialises access to it.
type List struct {
	period  time.Duration
	entries map[Key]*entry
}

// New returns an empty trigger list for a rule configured with the given
// period. A zero period means "threshold must be reached on a single
// line" (§4.3), which Advance honours by never letting a window span
// more than one call.
func New(period time.Duration) *List {
	return &List{period: period, entries: make(map[Key]*entry)}
}

// Advance records a fresh candidate detection for inst at now. It returns
// the instance that should fire (removed from the list) once its window's
// trigger count reaches threshold, or nil if the window has not yet
// reached it.
//
// Lookup-or-create, then the period logic of §4.3: a prior candidate
// within the still-open window is reused and its counter bumped; an
// elapsed window restarts at count 1; a list with period 0 never lets two
// detections share a window, so threshold can only be reached by a
// template whose threshold is itself 1.
func (l *List) Advance(inst *command.Instance, threshold int, now time.Time) *command.Instance {
	key := keyFor(inst)
	e, ok := l.entries[key]

	if !ok {
		e = &entry{instance: inst, nTriggers: 1, startTime: now}
		l.entries[key] = e
	} else if l.period > 0 && now.Sub(e.startTime) <= l.period {
		// Window still open: the original candidate keeps firing, only its
		// counters advance (original_source/src/rules.c update_n_triggers).
		e.nTriggers++
	} else {
		e.instance = inst
		e.nTriggers = 1
		e.startTime = now
	}

	if e.nTriggers >= threshold {
		delete(l.entries, key)
		return e.instance
	}
	return nil
}

// Lookup returns the current candidate instance for key, if a window is
// open for it (§4.2 step 3: "look on the rule's trigger list for a prior
// candidate with the same (template-id, address)").
func (l *List) Lookup(inst *command.Instance) (*command.Instance, bool) {
	e, ok := l.entries[keyFor(inst)]
	if !ok {
		return nil, false
	}
	return e.instance, true
}

// Reap removes every window whose period has elapsed as of now, without
// requiring them to have reached threshold (§4.3 "Expired candidates are
// reaped lazily during scans"). It returns the number of windows removed.
func (l *List) Reap(now time.Time) int {
	if l.period <= 0 {
		return 0
	}
	removed := 0
	for k, e := range l.entries {
		if now.Sub(e.startTime) > l.period {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of open windows.
func (l *List) Len() int {
	return len(l.entries)
}
