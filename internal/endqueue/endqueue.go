// Package endqueue implements the end-queue core scheduler of §4.4: a
// dual-indexed structure over live command instances (by address, and by
// expiry deadline), a single scheduler goroutine that wakes for the
// earliest expiry, and the escalation (meta) store that computes each
// ban's growing duration.
package endqueue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/command"
	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/logging"
)

// farFuture stands in for the predecessor's "sentinel-max" end time: a
// deadline so distant it only fires on shutdown cleanup, never on the
// scheduler's normal wake path.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// ActionExecutor runs a converted end-action shell command. Implemented
// by internal/action; accepted here as a narrow interface so this package
// never imports os/exec directly (§4.5 "execution errors are logged but
// never retried").
type ActionExecutor interface {
	Execute(ctx context.Context, shellCommand string) error
}

// DNSBLChecker re-queries configured blocklist zones for an address
// (§4.4 remove_or_renew "requery the DNSBL zones"). Implemented by
// internal/dnsbl.
type DNSBLChecker interface {
	Check(ctx context.Context, rule string, addr address.Address) (hit bool, err error)
}

// entry is one live command instance tracked by both indexes.
type entry struct {
	instance           *command.Instance
	endTime            time.Time
	infinite           bool
	seq                uint64
	heapIndex          int
	blocklistInitiated bool
	quickShutdown      bool
	ruleName           string
	params             RuleDeadlineParams
}

func (e *entry) effectiveDeadline() time.Time {
	if e.infinite {
		return farFuture
	}
	return e.endTime
}

// deadlineHeap is a container/heap.Interface ordered by (end_time,
// insertion-seq), giving the by_deadline index a total, deterministic
// order (§4.4 "the tie-breaker makes the ordering total").
type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	di, dj := h[i].effectiveDeadline(), h[j].effectiveDeadline()
	if di.Equal(dj) {
		return h[i].seq < h[j].seq
	}
	return di.Before(dj)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// Queue is the end-queue: every operation takes the single mutex
// described in §4.4 ("All end-queue operations occur under a single
// mutex; the scheduler waits on a condition variable bound to that
// mutex").
type Queue struct {
	mu         sync.Mutex
	byAddress  map[string]*entry
	byDeadline deadlineHeap
	nextSeq    uint64

	// wake is a 1-buffered signal the scheduler's Run loop selects on
	// whenever an insertion or deletion may have changed the earliest
	// deadline (§4.4 "insertions or deletions that change the earliest
	// must wake it"). A channel plays the role of the predecessor's
	// condition variable without the goroutine-per-wait overhead a
	// sync.Cond would need to support a deadline wait.
	wake chan struct{}

	meta   *metaStore
	action ActionExecutor
	dnsbl  DNSBLChecker
	log    *logging.Logger
}

// New returns an empty end-queue. action and dnsbl may be nil in tests
// that never fire or renew an entry.
func New(action ActionExecutor, dnsbl DNSBLChecker) *Queue {
	return &Queue{
		byAddress: make(map[string]*entry),
		wake:      make(chan struct{}, 1),
		meta:      newMetaStore(),
		action:    action,
		dnsbl:     dnsbl,
		log:       logging.WithComponent("endqueue"),
	}
}

// signal wakes the scheduler loop without blocking; a pending, unread
// signal is coalesced since the loop always re-peeks the heap on wake.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func addrKey(a address.Address) string {
	return a.String()
}

// Len reports the number of live entries. |by_address| == |by_deadline|
// by construction, so either index's size serves (§4.4 invariant).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byAddress)
}

// Contains reports whether a is already associated with a live instance
// (§4.2 step 2: "If an address is known and the end-queue already holds a
// live command for it, log and return").
func (q *Queue) Contains(a address.Address) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byAddress[addrKey(a)]
	return ok
}

// RuleDeadlineParams bundles the rule-scoped inputs to deadline
// computation (§4.4 "Deadline computation").
type RuleDeadlineParams struct {
	Duration        time.Duration
	DNSBLDuration   time.Duration
	MetaMax         time.Duration
	SentinelMax     bool
	PreviouslyOnBL  bool
}

// computeDeadline implements §4.4's "Deadline computation" exactly: an
// explicit deadline wins outright, a sentinel-max template never expires
// under normal flow, a meta-capped factor (-1) uses meta_max verbatim,
// and otherwise end-time = now + d*factor.
func computeDeadline(now time.Time, explicit *time.Time, p RuleDeadlineParams, factor int) (deadline time.Time, infinite bool) {
	if explicit != nil {
		return *explicit, false
	}
	if p.SentinelMax {
		return farFuture, true
	}
	d := p.Duration
	if p.PreviouslyOnBL {
		d = p.DNSBLDuration
	}
	if factor == -1 {
		return now.Add(p.MetaMax), false
	}
	return now.Add(d * time.Duration(factor)), false
}

// Fire admits inst into the end-queue, computing its factor via the meta
// store (when metaEnabled) and its deadline via computeDeadline, then
// inserting into both indexes. It returns an error if inst has no
// address (inst.Address is nil; callers only fire instances that passed
// the need_host check) or an entry already exists for the address.
func (q *Queue) Fire(now time.Time, ruleName string, inst *command.Instance, params RuleDeadlineParams, metaEnabled bool, metaCfg RuleConfig, explicitDeadline *time.Time, explicitFactor *int, blocklistInitiated, quickShutdown bool) error {
	if inst.Address == nil {
		return errors.Errorf(errors.KindInternal, "endqueue: cannot fire a command instance with no address")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := addrKey(*inst.Address)
	if _, exists := q.byAddress[key]; exists {
		return errors.Errorf(errors.KindConflict, "endqueue: address %s already has a live command", key)
	}

	factor := 1
	switch {
	case explicitFactor != nil:
		factor = *explicitFactor
	case metaEnabled:
		factor = q.meta.Advance(ruleName, key, now, metaCfg)
	}
	inst.Factor = factor

	deadline, infinite := computeDeadline(now, explicitDeadline, params, factor)

	e := &entry{
		instance:           inst,
		endTime:            deadline,
		infinite:           infinite,
		seq:                q.nextSeq,
		blocklistInitiated: blocklistInitiated,
		quickShutdown:      quickShutdown,
		ruleName:           ruleName,
		params:             params,
	}
	q.nextSeq++

	inst.Activate()
	q.byAddress[key] = e
	heap.Push(&q.byDeadline, e)
	q.signal()
	return nil
}

// Remove drops a's entry from both indexes without running its end
// action; RemoveAndTrigger calls it and then runs the action itself.
func (q *Queue) Remove(a address.Address) (*command.Instance, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(a)
}

func (q *Queue) removeLocked(a address.Address) (*command.Instance, bool) {
	key := addrKey(a)
	e, ok := q.byAddress[key]
	if !ok {
		return nil, false
	}
	delete(q.byAddress, key)
	heap.Remove(&q.byDeadline, e.heapIndex)
	return e.instance, true
}

// Run is the §4.4 scheduler loop: peek the earliest deadline, sleep until
// it (or a wake signal) arrives, then call remove_or_renew. It returns
// when ctx is cancelled, after running every remaining non-quick-shutdown
// entry's end action (§4.4 "cleanup that walks the queue and runs end
// actions for every entry not marked quick_shutdown").
func (q *Queue) Run(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.byDeadline.Len() == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				q.runShutdownCleanup(ctx)
				return
			case <-q.wake:
				continue
			}
		}
		earliest := q.byDeadline[0]
		now := time.Now()
		deadline := earliest.effectiveDeadline()
		if !deadline.After(now) {
			q.popEarliestLocked()
			q.mu.Unlock()
			q.removeOrRenew(ctx, earliest)
			continue
		}
		q.mu.Unlock()

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			q.runShutdownCleanup(ctx)
			return
		}
	}
}

// popEarliestLocked removes the heap-top entry from by_deadline only.
// Whether it also leaves by_address depends on what removeOrRenew decides
// to do with it (§4.4: a renewal leaves "the address index untouched").
// Must be called with q.mu held.
func (q *Queue) popEarliestLocked() *entry {
	return heap.Pop(&q.byDeadline).(*entry)
}

// removeOrRenew implements §4.4's remove_or_renew: a blocklist-initiated
// entry whose address is still listed is recomputed and reinserted into
// by_deadline only, leaving by_address untouched; everything else is
// dropped from by_address too, and has its end action executed once.
func (q *Queue) removeOrRenew(ctx context.Context, e *entry) {
	if e.blocklistInitiated && q.dnsbl != nil {
		hit, err := q.dnsbl.Check(ctx, e.instance.Template.RuleName, *e.instance.Address)
		if err == nil && hit {
			q.renew(e)
			return
		}
	}

	q.mu.Lock()
	delete(q.byAddress, addrKey(*e.instance.Address))
	q.mu.Unlock()

	if e.instance.Template.HasEndAction() && q.action != nil {
		if err := q.action.Execute(ctx, e.instance.EndConverted); err != nil {
			q.log.Error("end action failed", "rule", e.instance.Template.RuleName, "err", err)
		}
	}
	e.instance.Expire()
}

// renew reinserts e into by_deadline with a freshly computed deadline,
// leaving the by_address index untouched (§4.4 "reinsert into
// by_deadline (address index untouched), mark submission = renew").
func (q *Queue) renew(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	// Still on the blocklist: use the blocklist duration on every renewal,
	// matching §4.4's deadline formula with previously-on-blocklist=true.
	e.params.PreviouslyOnBL = true
	deadline, infinite := computeDeadline(now, nil, e.params, e.instance.Factor)
	e.endTime = deadline
	e.infinite = infinite
	e.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.byDeadline, e)
	e.instance.Renew(e.instance.Factor)
	q.log.Info("renewed", "address", e.instance.Address.String())
}

// runShutdownCleanup walks every remaining entry and fires its end
// action unless the command is marked quick_shutdown (§4.4).
func (q *Queue) runShutdownCleanup(ctx context.Context) {
	q.mu.Lock()
	remaining := make([]*entry, 0, len(q.byAddress))
	for _, e := range q.byAddress {
		remaining = append(remaining, e)
	}
	q.byAddress = make(map[string]*entry)
	q.byDeadline = nil
	q.mu.Unlock()

	for _, e := range remaining {
		if e.quickShutdown {
			continue
		}
		if e.instance.Template.HasEndAction() && q.action != nil {
			if err := q.action.Execute(ctx, e.instance.EndConverted); err != nil {
				q.log.Error("shutdown end action failed", "rule", e.instance.Template.RuleName, "err", err)
			}
		}
	}
}

// RemoveAndTrigger removes addr's live entry, if any, and runs its end
// action immediately, outside the scheduler's normal expiry path (§6 "-"
// del verb, the predecessor's remove_and_trigger/del_entry).
func (q *Queue) RemoveAndTrigger(ctx context.Context, a address.Address) (bool, error) {
	inst, ok := q.Remove(a)
	if !ok {
		return false, nil
	}
	if inst.Template.HasEndAction() && q.action != nil {
		if err := q.action.Execute(ctx, inst.EndConverted); err != nil {
			inst.Expire()
			return true, err
		}
	}
	inst.Expire()
	return true, nil
}

// Flush removes every live entry and runs its end action unless the
// entry is marked quick_shutdown, without otherwise disturbing the
// scheduler (§6 "F" flush verb, the predecessor's
// perform_flush/empty_end_queue).
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	remaining := make([]*entry, 0, len(q.byAddress))
	for _, e := range q.byAddress {
		remaining = append(remaining, e)
	}
	q.byAddress = make(map[string]*entry)
	q.byDeadline = nil
	q.mu.Unlock()

	for _, e := range remaining {
		if !e.quickShutdown && e.instance.Template.HasEndAction() && q.action != nil {
			if err := q.action.Execute(ctx, e.instance.EndConverted); err != nil {
				q.log.Error("flush end action failed", "rule", e.ruleName, "err", err)
			}
		}
		e.instance.Expire()
	}
}

// SnapshotEntry is one live end-queue entry exposed to callers outside
// the package without handing out the package-private entry type or
// requiring callers to hold the queue's mutex for the duration of their
// own (possibly slow) I/O.
type SnapshotEntry struct {
	RuleName string
	Address  address.Address
	Factor   int
	Deadline time.Time
	Infinite bool
}

// Snapshot returns every live entry, copied out under the queue's mutex
// in one pass (§4.8 bulk sync: "snapshots the end-queue under its mutex
// ... then drops the lock"; §4.9 periodic dump does the same). The
// snapshot is a point-in-time copy; it does not track later changes.
//
// Entries come back sorted by address (§4.4 models by_address as a
// balanced tree; callers that walk the snapshot in order, such as bulk
// sync, need the same deterministic in-order traversal a tree would give
// them instead of Go's randomized map iteration).
func (q *Queue) Snapshot() []SnapshotEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SnapshotEntry, 0, len(q.byAddress))
	for _, e := range q.byAddress {
		out = append(out, SnapshotEntry{
			RuleName: e.ruleName,
			Address:  *e.instance.Address,
			Factor:   e.instance.Factor,
			Deadline: e.endTime,
			Infinite: e.infinite,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Compare(out[j].Address) < 0
	})
	return out
}

// EnqueueManual implements §4.4's enqueue_manual: clone the rule's
// templates against address (the caller supplies the already-derived
// instance), rejecting a deadline in the past or a pre-existing entry.
func (q *Queue) EnqueueManual(now time.Time, ruleName string, inst *command.Instance, deadline time.Time, factor *int) error {
	if deadline.Before(now) {
		return errors.Errorf(errors.KindValidation, "endqueue: manual deadline is in the past")
	}
	params := RuleDeadlineParams{}
	return q.Fire(now, ruleName, inst, params, false, RuleConfig{}, &deadline, factor, false, false)
}
