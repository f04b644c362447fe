package command

import (
	"testing"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/props"
)

func templateFixture() *Template {
	defaults := props.New()
	defaults.Set("prison", "default-jail")
	return &Template{
		Name:        "ban",
		RuleName:    "sshd",
		SourceName:  "auth-log",
		BeginString: `ban %host% (%ipversion%) via %rule% from %source% to %prison%: 100%%`,
		EndString:   `unban %host%`,
		Duration:    600,
		NeedHost:    NeedHostAny,
		Properties:  defaults,
	}
}

func TestNewFromTemplateSubstitutesSpecialsAndDefaults(t *testing.T) {
	tmpl := templateFixture()
	addr := address.MustParse("203.0.113.7")
	captures := props.New()

	inst, ok := NewFromTemplate(tmpl, &addr, captures)
	if !ok {
		t.Fatal("expected instance creation to succeed")
	}

	want := "ban 203.0.113.7 (4) via sshd from auth-log to default-jail: 100%"
	if inst.BeginConverted != want {
		t.Fatalf("unexpected begin string:\n got: %q\nwant: %q", inst.BeginConverted, want)
	}
	if inst.EndConverted != "unban 203.0.113.7" {
		t.Fatalf("unexpected end string: %q", inst.EndConverted)
	}
}

func TestPatternCapturesOutrankDefaults(t *testing.T) {
	tmpl := templateFixture()
	tmpl.BeginString = "welcome %prison%"
	addr := address.MustParse("203.0.113.7")
	captures := props.New()
	captures.Set("prison", "from-capture")

	inst, ok := NewFromTemplate(tmpl, &addr, captures)
	if !ok {
		t.Fatal("expected instance creation to succeed")
	}
	if inst.BeginConverted != "welcome from-capture" {
		t.Fatalf("expected capture to outrank default, got %q", inst.BeginConverted)
	}
}

func TestUnresolvedTokenRendersEmpty(t *testing.T) {
	tmpl := templateFixture()
	tmpl.BeginString = "value=[%nosuchprop%]"
	addr := address.MustParse("203.0.113.7")

	inst, ok := NewFromTemplate(tmpl, &addr, props.New())
	if !ok {
		t.Fatal("expected instance creation to succeed")
	}
	if inst.BeginConverted != "value=[]" {
		t.Fatalf("expected empty substitution, got %q", inst.BeginConverted)
	}
}

func TestBackslashEscapeCopiedVerbatim(t *testing.T) {
	tmpl := templateFixture()
	tmpl.BeginString = `literal \%not-a-token\%`
	addr := address.MustParse("203.0.113.7")

	inst, ok := NewFromTemplate(tmpl, &addr, props.New())
	if !ok {
		t.Fatal("expected instance creation to succeed")
	}
	if inst.BeginConverted != `literal \%not-a-token\%` {
		t.Fatalf("expected verbatim copy, got %q", inst.BeginConverted)
	}
}

func TestNeedHostGatesFamily(t *testing.T) {
	tmpl := templateFixture()
	tmpl.NeedHost = NeedHostV6
	v4 := address.MustParse("203.0.113.7")

	if _, ok := NewFromTemplate(tmpl, &v4, props.New()); ok {
		t.Fatal("expected v4 address to be rejected by need_host=v6")
	}

	v6 := address.MustParse("2001:db8::1")
	if _, ok := NewFromTemplate(tmpl, &v6, props.New()); !ok {
		t.Fatal("expected v6 address to be accepted by need_host=v6")
	}
}

func TestNeedHostNoAllowsNilAddress(t *testing.T) {
	tmpl := templateFixture()
	tmpl.NeedHost = NeedHostNo
	tmpl.BeginString = "run global action"

	inst, ok := NewFromTemplate(tmpl, nil, props.New())
	if !ok {
		t.Fatal("expected instance creation to succeed with nil address")
	}
	if inst.BeginConverted != "run global action" {
		t.Fatalf("unexpected begin string: %q", inst.BeginConverted)
	}
}

func TestNeedHostAnyRejectsNilAddress(t *testing.T) {
	tmpl := templateFixture()
	tmpl.NeedHost = NeedHostAny

	if _, ok := NewFromTemplate(tmpl, nil, props.New()); ok {
		t.Fatal("expected nil address to be rejected when need_host=any")
	}
}

func TestStateTransitions(t *testing.T) {
	tmpl := templateFixture()
	addr := address.MustParse("203.0.113.7")
	inst, ok := NewFromTemplate(tmpl, &addr, props.New())
	if !ok {
		t.Fatal("expected instance creation to succeed")
	}
	if inst.State != StateCandidate {
		t.Fatalf("expected initial state candidate, got %v", inst.State)
	}
	inst.Activate()
	if inst.State != StateLive {
		t.Fatalf("expected live after Activate, got %v", inst.State)
	}
	inst.Expire()
	if inst.State != StateExpired {
		t.Fatalf("expected expired after Expire, got %v", inst.State)
	}
	inst.Renew(2)
	if inst.State != StateLive || inst.Factor != 2 {
		t.Fatalf("expected live with factor 2 after Renew, got %v factor=%d", inst.State, inst.Factor)
	}
}

func TestEndsOnShutdownOnlyAndHasEndAction(t *testing.T) {
	tmpl := templateFixture()
	tmpl.Duration = -1
	if !tmpl.EndsOnShutdownOnly() {
		t.Fatal("expected negative duration to mean shutdown-only")
	}

	noEnd := templateFixture()
	noEnd.Duration = 0
	if noEnd.HasEndAction() {
		t.Fatal("expected duration 0 to disable the end action")
	}
}

func TestQuickShutdownIsIndependentOfDuration(t *testing.T) {
	tmpl := templateFixture()
	tmpl.Duration = 600
	tmpl.QuickShutdown = true

	if tmpl.EndsOnShutdownOnly() {
		t.Fatal("a positive duration should never report shutdown-only, regardless of quick_shutdown")
	}
	if !tmpl.QuickShutdown {
		t.Fatal("expected QuickShutdown to remain set")
	}
}

func TestNewFromTemplateAssignsUniqueID(t *testing.T) {
	tmpl := templateFixture()
	addr := address.MustParse("203.0.113.7")

	a, ok := NewFromTemplate(tmpl, &addr, nil)
	if !ok {
		t.Fatal("expected instance to be created")
	}
	b, ok := NewFromTemplate(tmpl, &addr, nil)
	if !ok {
		t.Fatal("expected instance to be created")
	}

	if a.ID == "" {
		t.Fatal("expected a non-empty instance ID")
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct instances to get distinct IDs")
	}
}

func TestParseNeedHost(t *testing.T) {
	cases := map[string]NeedHost{
		"":    NeedHostAny,
		"any": NeedHostAny,
		"no":  NeedHostNo,
		"4":   NeedHostV4,
		"6":   NeedHostV6,
	}
	for in, want := range cases {
		got, err := ParseNeedHost(in)
		if err != nil {
			t.Fatalf("ParseNeedHost(%q): unexpected error %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseNeedHost(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseNeedHost("bogus"); err == nil {
		t.Fatal("expected an error for an invalid need_host spelling")
	}
}
