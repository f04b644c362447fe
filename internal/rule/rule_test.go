package rule

import (
	"context"
	"testing"
	"time"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/command"
	"github.com/ladcd/ladc/internal/endqueue"
	"github.com/ladcd/ladc/internal/pattern"
)

type noopAction struct{}

func (noopAction) Execute(context.Context, string) error { return nil }

type recordingAction struct {
	commands []string
}

func (a *recordingAction) Execute(_ context.Context, shellCommand string) error {
	a.commands = append(a.commands, shellCommand)
	return nil
}

type fixedDNSBL struct {
	hits map[string]bool
}

func (d *fixedDNSBL) Query(_ context.Context, zone string, _ address.Address) (bool, error) {
	return d.hits[zone], nil
}

func banTemplate(name string) *command.Template {
	return &command.Template{
		Name:        name,
		RuleName:    "sshd",
		BeginString: "ban %host%",
		EndString:   "unban %host%",
		Duration:    3600,
		NeedHost:    command.NeedHostAny,
	}
}

func TestFeedFiresOnThresholdAndPushesToEndQueue(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)

	p, err := pattern.Compile("login failed from %host%", "", "")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 3, time.Minute, nil)
	e.AddRule(r)

	for i := 0; i < 2; i++ {
		e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")
	}
	if q.Contains(address.MustParse("203.0.113.7")) {
		t.Fatal("expected no fire before threshold reached")
	}

	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")
	if !q.Contains(address.MustParse("203.0.113.7")) {
		t.Fatal("expected fire once threshold reached")
	}
	if r.DetectionCount() != 3 {
		t.Fatalf("expected 3 detections, got %d", r.DetectionCount())
	}
	if r.InvocationCount() != 1 {
		t.Fatalf("expected 1 invocation, got %d", r.InvocationCount())
	}
}

func TestFeedIgnoresUnrelatedSource(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)
	p, _ := pattern.Compile("login failed from %host%", "", "")
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 1, time.Minute, nil)
	e.AddRule(r)

	e.Feed(context.Background(), "other-log", "login failed from 203.0.113.7", "")
	if r.DetectionCount() != 0 {
		t.Fatal("expected no detection for a line fed to an unrelated source")
	}
}

func TestFeedRespectsUnitFilter(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)
	p, _ := pattern.Compile("login failed from %host%", "", "")
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 1, time.Minute, nil)
	r.Unit = "sshd.service"
	e.AddRule(r)

	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "other.service")
	if r.DetectionCount() != 0 {
		t.Fatal("expected unit mismatch to skip the rule")
	}
	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "sshd.service")
	if r.DetectionCount() != 1 {
		t.Fatal("expected matching unit to be processed")
	}
}

func TestIgnoreListShortCircuitsTrigger(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	ignore := NewIgnoreList([]address.Address{address.MustParse("203.0.113.0/24")})
	e := NewEngine(q, nil, ignore, nil)
	p, _ := pattern.Compile("login failed from %host%", "", "")
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 1, time.Minute, nil)
	e.AddRule(r)

	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")
	if r.InvocationCount() != 0 {
		t.Fatal("expected ignore-listed address to never invoke an action")
	}
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)
	p, _ := pattern.Compile("login failed from %host%", "", "")
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 1, time.Minute, nil)
	r.Enabled = false
	e.AddRule(r)

	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")
	if r.DetectionCount() != 0 {
		t.Fatal("expected disabled rule to never be matched against")
	}
}

func TestDuplicateLiveAddressSuppressed(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)
	p, _ := pattern.Compile("login failed from %host%", "", "")
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 1, time.Minute, nil)
	e.AddRule(r)

	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")
	if r.InvocationCount() != 1 {
		t.Fatalf("expected first match to invoke, got %d", r.InvocationCount())
	}
	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")
	if r.InvocationCount() != 1 {
		t.Fatalf("expected duplicate live address to be suppressed, got %d", r.InvocationCount())
	}
}

func TestDNSBLBypassesTriggerListOnHit(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	dnsbl := &fixedDNSBL{hits: map[string]bool{"zen.spamhaus.org": true}}
	e := NewEngine(q, dnsbl, nil, nil)
	p, _ := pattern.Compile("login failed from %host%", "", "")
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 5, time.Minute, []string{"zen.spamhaus.org"})
	r.DNSBLEnabled = true
	r.DNSBLThreshold = 2
	e.AddRule(r)

	// Threshold is 5, but the single detection should fire immediately
	// via the DNSBL bypass rather than waiting on the trigger list.
	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")
	if !q.Contains(address.MustParse("203.0.113.7")) {
		t.Fatal("expected DNSBL hit to bypass the trigger list and fire immediately")
	}
}

func TestManualEnqueueRejectsRuleWithNoTemplates(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)
	r := NewRule("empty", "auth-log", nil, nil, 1, time.Minute, nil)
	e.AddRule(r)

	err := e.EnqueueManual(r, address.MustParse("203.0.113.7"), time.Now().Add(time.Hour), nil)
	if err == nil {
		t.Fatal("expected error for rule with no templates")
	}
}

func TestManualEnqueueFiresAgainstEndQueue(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)
	r := NewRule("sshd-fail", "auth-log", nil, []*command.Template{banTemplate("ban")}, 1, time.Minute, nil)
	e.AddRule(r)

	addr := address.MustParse("203.0.113.7")
	if err := e.EnqueueManual(r, addr, time.Now().Add(time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	if !q.Contains(addr) {
		t.Fatal("expected manual enqueue to land in the end-queue")
	}
}

func TestFireRunsBeginActionThroughExecutor(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	action := &recordingAction{}
	e := NewEngine(q, nil, nil, action)

	p, err := pattern.Compile("login failed from %host%", "", "")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 1, time.Minute, nil)
	e.AddRule(r)

	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")

	if len(action.commands) != 1 {
		t.Fatalf("expected exactly one begin action run, got %d", len(action.commands))
	}
	if action.commands[0] != "ban 203.0.113.7" {
		t.Fatalf("expected converted begin command, got %q", action.commands[0])
	}
}

func TestFireRunsBeginActionOnDNSBLBypass(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	action := &recordingAction{}
	e := NewEngine(q, &fixedDNSBL{hits: map[string]bool{"zen.spamhaus.org": true}}, nil, action)

	p, err := pattern.Compile("login failed from %host%", "", "")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 5, time.Minute, []string{"zen.spamhaus.org"})
	r.DNSBLEnabled = true
	r.DNSBLThreshold = 2
	e.AddRule(r)

	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")

	if len(action.commands) != 1 {
		t.Fatalf("expected begin action to run on DNSBL bypass, got %d runs", len(action.commands))
	}
}

func TestApplyRulesPreservesCountersForSurvivingName(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)

	p, err := pattern.Compile("login failed from %host%", "", "")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 5, time.Minute, nil)
	e.AddRule(r)
	e.Feed(context.Background(), "auth-log", "login failed from 203.0.113.7", "")
	if r.DetectionCount() != 1 {
		t.Fatalf("expected 1 detection before reload, got %d", r.DetectionCount())
	}

	reloaded := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 5, time.Minute, nil)
	e.ApplyRules([]*Rule{reloaded})

	got, ok := e.Rule("sshd-fail")
	if !ok {
		t.Fatal("expected reloaded rule to be findable by name")
	}
	if got != reloaded {
		t.Fatal("expected ApplyRules to install the new Rule value, not keep the old one")
	}
	if got.DetectionCount() != 1 {
		t.Fatalf("expected reload to preserve the prior detection count, got %d", got.DetectionCount())
	}
}

func TestApplyRulesDropsRuleNotInNewSet(t *testing.T) {
	q := endqueue.New(noopAction{}, nil)
	e := NewEngine(q, nil, nil, nil)

	p, _ := pattern.Compile("login failed from %host%", "", "")
	r := NewRule("sshd-fail", "auth-log", []*pattern.Pattern{p}, []*command.Template{banTemplate("ban")}, 5, time.Minute, nil)
	e.AddRule(r)

	e.ApplyRules(nil)

	if _, ok := e.Rule("sshd-fail"); ok {
		t.Fatal("expected rule removed from the new set to disappear after ApplyRules")
	}
}
