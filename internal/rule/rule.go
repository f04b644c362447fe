// Package rule implements the detection pipeline of §4.2: per-source
// pattern matching against enabled rules, the ignore-list short-circuit,
// the DNSBL bypass, and handoff into the trigger list and end-queue.
package rule

import (
	"context"
	"sync"
	"time"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/command"
	"github.com/ladcd/ladc/internal/endqueue"
	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/logging"
	"github.com/ladcd/ladc/internal/pattern"
	"github.com/ladcd/ladc/internal/props"
	"github.com/ladcd/ladc/internal/triggerlist"
)

// DNSBLLookup queries a single blocklist zone for addr (§4.2 step 4,
// §4.4's later requery). Implemented by internal/dnsbl.
type DNSBLLookup interface {
	Query(ctx context.Context, zone string, addr address.Address) (bool, error)
}

// ActionExecutor runs a converted begin-action shell command (§4.3
// "Firing: execute the begin action"). Implemented by internal/action;
// a non-zero exit is logged but never aborts the daemon (§4.5).
type ActionExecutor interface {
	Execute(ctx context.Context, shellCommand string) error
}

// Rule is one config-defined detection rule: a source to read from, an
// ordered (MRU-biased) pattern list, a set of begin-action templates, and
// the threshold/period/escalation/DNSBL parameters that govern how a
// match turns into a ban.
type Rule struct {
	mu sync.Mutex

	Name       string
	SourceName string
	Enabled    bool
	Unit       string // systemd unit filter; empty means unfiltered

	patterns  []*pattern.Pattern
	templates []*command.Template

	Threshold int
	Period    time.Duration

	MetaEnabled bool
	MetaCfg     endqueue.RuleConfig

	DNSBLEnabled   bool
	DNSBLThreshold int
	dnsblZones     []string

	Params endqueue.RuleDeadlineParams

	trigger *triggerlist.List

	detectionCount  uint64
	invocationCount uint64
}

// NewRule constructs a rule ready to accept matches. patterns are tried
// in the given arrival order; templates fire, in order, on every match
// that clears the trigger list.
func NewRule(name, sourceName string, patterns []*pattern.Pattern, templates []*command.Template, threshold int, period time.Duration, dnsblZones []string) *Rule {
	return &Rule{
		Name:       name,
		SourceName: sourceName,
		Enabled:    true,
		patterns:   patterns,
		templates:  templates,
		Threshold:  threshold,
		Period:     period,
		dnsblZones: append([]string(nil), dnsblZones...),
		trigger:    triggerlist.New(period),
	}
}

// DetectionCount and InvocationCount report the rule's lifetime counters
// (§3 "counters (matches, derived commands)").
func (r *Rule) DetectionCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detectionCount
}

func (r *Rule) InvocationCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invocationCount
}

// SetEnabled toggles the rule under its mutex (§6 "Y"/"N" verbs), so a
// concurrent Feed reading r.Enabled never observes a torn write.
func (r *Rule) SetEnabled(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enabled = v
}

func (r *Rule) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

// ResetCounters zeroes the rule's lifetime detection/invocation counters
// (§6 "0" reset-counts verb).
func (r *Rule) ResetCounters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectionCount = 0
	r.invocationCount = 0
}

// matchLine tries every pattern in arrival order, promoting the first
// hit one step toward the front of the list (§4.2 "promote the pattern
// one step toward the front of its list (MRU bias)").
func (r *Rule) matchLine(line string) (*props.Bindings, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.patterns {
		if b, ok := p.Match(line); ok {
			if i > 0 {
				r.patterns[i], r.patterns[i-1] = r.patterns[i-1], r.patterns[i]
			}
			r.detectionCount++
			return b, true
		}
	}
	return nil, false
}

// Engine is the shared detection pipeline: the set of rules grouped by
// source, the global ignore-list, and the end-queue/DNSBL collaborators
// that trigger_single_action consults.
type Engine struct {
	mu sync.RWMutex // the "Configuration lock" of §5 (shared for matching, exclusive for reload)

	bySource map[string][]*Rule
	byName   map[string]*Rule

	ignore *IgnoreList
	queue  *endqueue.Queue
	dnsbl  DNSBLLookup
	action ActionExecutor
	log    *logging.Logger
}

// NewEngine returns an empty detection engine. action may be nil in
// tests that only exercise matching and never expect a begin action to
// actually run.
func NewEngine(queue *endqueue.Queue, dnsbl DNSBLLookup, ignore *IgnoreList, action ActionExecutor) *Engine {
	if ignore == nil {
		ignore = NewIgnoreList(nil)
	}
	return &Engine{
		bySource: make(map[string][]*Rule),
		byName:   make(map[string]*Rule),
		ignore:   ignore,
		queue:    queue,
		dnsbl:    dnsbl,
		action:   action,
		log:      logging.WithComponent("rule"),
	}
}

// AddRule registers r under its source, replacing the engine's
// configuration lock while it does so (§5 "Writers (load, reload,
// enable/disable) exclusive").
func (e *Engine) AddRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bySource[r.SourceName] = append(e.bySource[r.SourceName], r)
	e.byName[r.Name] = r
}

// ApplyRules atomically replaces the engine's entire rule set under the
// configuration lock (§9 "atomic config swap"; §5 "Writers (load,
// reload, enable/disable) exclusive"). A rule that survives the reload
// under the same name keeps its prior lifetime counters, matching the
// predecessor's reload-preserves-statistics behaviour.
func (e *Engine) ApplyRules(rules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bySource := make(map[string][]*Rule, len(rules))
	byName := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		if prev, ok := e.byName[r.Name]; ok {
			r.detectionCount = prev.detectionCount
			r.invocationCount = prev.invocationCount
		}
		bySource[r.SourceName] = append(bySource[r.SourceName], r)
		byName[r.Name] = r
	}
	e.bySource = bySource
	e.byName = byName
}

// Rule returns a registered rule by name, for manual-ban and control-FIFO
// dispatch (§4.4 "Manual addition path").
func (e *Engine) Rule(name string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byName[name]
	return r, ok
}

// Rules returns every registered rule, for status readouts and metrics
// collection (§6's "rules" local readout, §3's per-rule counters).
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]*Rule, 0, len(e.byName))
	for _, r := range e.byName {
		rules = append(rules, r)
	}
	return rules
}

// Feed implements the §4.2 detection pipeline's feed(source, line, unit)
// operation: for each enabled rule of source whose unit filter matches,
// try its patterns in order and stop at the first rule that matches.
func (e *Engine) Feed(ctx context.Context, source, line, unit string) {
	e.mu.RLock()
	rules := append([]*Rule(nil), e.bySource[source]...)
	e.mu.RUnlock()

	for _, r := range rules {
		if !r.isEnabled() {
			continue
		}
		if r.Unit != "" && r.Unit != unit {
			continue
		}
		bindings, ok := r.matchLine(line)
		if !ok {
			continue
		}
		e.triggerAllActions(ctx, r, bindings)
	}
}

// triggerAllActions implements §4.2's trigger_all_actions: the
// ignore-list short-circuit, then one trigger_single_action call per
// begin-action template, in template order (§5 "fires from one line are
// submitted to the end-queue in template order").
func (e *Engine) triggerAllActions(ctx context.Context, r *Rule, bindings *props.Bindings) {
	var addr *address.Address
	if hostStr, ok := bindings.Host(); ok {
		if a, err := address.Parse(hostStr); err == nil {
			if e.ignore.Covers(a) {
				e.log.Info("address covered by ignore-list, skipping", "rule", r.Name, "host", hostStr)
				return
			}
			addr = &a
		}
	}

	r.mu.Lock()
	templates := r.templates
	r.mu.Unlock()

	for _, tmpl := range templates {
		e.triggerSingleAction(ctx, r, tmpl, bindings, addr)
	}
}

// triggerSingleAction implements §4.2's five-step algorithm.
func (e *Engine) triggerSingleAction(ctx context.Context, r *Rule, tmpl *command.Template, bindings *props.Bindings, addr *address.Address) {
	// Step 1: need_host gate (also rejects on instance creation below,
	// but checking first avoids touching the trigger list for free).
	inst, ok := command.NewFromTemplate(tmpl, addr, bindings)
	if !ok {
		return
	}

	// Step 2: duplicate suppression.
	if addr != nil && e.queue.Contains(*addr) {
		e.log.Info("address already has a live command, skipping", "rule", r.Name, "address", addr.String())
		return
	}

	// Step 4: DNSBL bypass — queried before the trigger list is touched
	// when the rule both enables DNSBL and requires more than one hit to
	// matter (threshold <= 1 would make the trigger list redundant
	// anyway, so the predecessor reserves the bypass for threshold > 1).
	if r.DNSBLEnabled && r.Threshold > 1 && addr != nil && e.dnsbl != nil {
		if hit := e.queryDNSBL(ctx, r, *addr); hit {
			e.runBeginAction(ctx, r, inst)

			now := time.Now()
			params := r.Params
			params.PreviouslyOnBL = true
			if err := e.queue.Fire(now, r.Name, inst, params, r.MetaEnabled, r.MetaCfg, nil, nil, true, tmpl.QuickShutdown); err != nil {
				e.log.Error("failed to fire blocklist-initiated command", "rule", r.Name, "err", err)
				return
			}
			r.mu.Lock()
			r.invocationCount++
			r.mu.Unlock()
			return
		}
	}

	// Step 5: advance the trigger list.
	r.mu.Lock()
	fired := r.trigger.Advance(inst, r.Threshold, time.Now())
	r.mu.Unlock()
	if fired == nil {
		return
	}

	e.fire(ctx, r, fired)
}

// fire executes a trigger list winner's begin action and, if it has an
// end action and positive duration, hands it to the end-queue (§4.3
// "Firing").
func (e *Engine) fire(ctx context.Context, r *Rule, inst *command.Instance) {
	r.mu.Lock()
	r.invocationCount++
	r.mu.Unlock()

	e.runBeginAction(ctx, r, inst)

	if !inst.Template.HasEndAction() {
		return
	}
	if inst.Address == nil {
		return
	}

	now := time.Now()
	if err := e.queue.Fire(now, r.Name, inst, r.Params, r.MetaEnabled, r.MetaCfg, nil, nil, false, inst.Template.QuickShutdown); err != nil {
		e.log.Error("failed to fire command", "rule", r.Name, "err", err)
	}
}

// runBeginAction executes inst's begin-action string via the action
// executor (§4.5: "a non-zero exit is logged but does not abort the
// daemon"). A nil executor (test engines with no action wired) and an
// empty converted string are both silently skipped.
func (e *Engine) runBeginAction(ctx context.Context, r *Rule, inst *command.Instance) {
	if e.action == nil || inst.BeginConverted == "" {
		return
	}
	if err := e.action.Execute(ctx, inst.BeginConverted); err != nil {
		e.log.Warn("begin action failed", "rule", r.Name, "err", err)
	}
}

// queryDNSBL tries each configured zone in MRU order, promoting the
// first hit's zone one step toward the front (§4.2 "query each
// configured blocklist zone in MRU order; on first hit... ").
func (e *Engine) queryDNSBL(ctx context.Context, r *Rule, addr address.Address) bool {
	r.mu.Lock()
	zones := r.dnsblZones
	r.mu.Unlock()

	for i, zone := range zones {
		hit, err := e.dnsbl.Query(ctx, zone, addr)
		if err != nil {
			continue
		}
		if hit {
			r.mu.Lock()
			if i > 0 {
				r.dnsblZones[i], r.dnsblZones[i-1] = r.dnsblZones[i-1], r.dnsblZones[i]
			}
			r.mu.Unlock()
			return true
		}
	}
	return false
}

// ResetAllCounters zeroes every registered rule's lifetime counters
// (§6 "0" reset-counts verb, §7's reset_counts()).
func (e *Engine) ResetAllCounters() {
	e.mu.RLock()
	rules := make([]*Rule, 0, len(e.byName))
	for _, r := range e.byName {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	for _, r := range rules {
		r.ResetCounters()
	}
}

// EnqueueManual implements the rule-facing half of §4.4's
// enqueue_manual: derive an instance for each of the rule's templates
// against addr and push it onto the end-queue with an explicit deadline
// and/or factor.
func (e *Engine) EnqueueManual(r *Rule, addr address.Address, deadline time.Time, factor *int) error {
	r.mu.Lock()
	templates := r.templates
	r.mu.Unlock()

	if len(templates) == 0 {
		return errors.Errorf(errors.KindValidation, "rule: %s has no begin-action templates", r.Name)
	}

	now := time.Now()
	for _, tmpl := range templates {
		inst, ok := command.NewFromTemplate(tmpl, &addr, props.New())
		if !ok {
			continue
		}
		if err := e.queue.EnqueueManual(now, r.Name, inst, deadline, factor); err != nil {
			return err
		}
	}
	return nil
}
