package endqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/command"
	"github.com/ladcd/ladc/internal/props"
)

type fakeAction struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeAction) Execute(_ context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, cmd)
	return nil
}

func (f *fakeAction) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

type fakeDNSBL struct {
	hit bool
}

func (f *fakeDNSBL) Check(context.Context, string, address.Address) (bool, error) {
	return f.hit, nil
}

func newBanInstance(t *testing.T, addr string) *command.Instance {
	t.Helper()
	tmpl := &command.Template{
		Name:        "ban",
		RuleName:    "sshd",
		BeginString: "ban %host%",
		EndString:   "unban %host%",
		Duration:    1,
		NeedHost:    command.NeedHostAny,
	}
	a := address.MustParse(addr)
	inst, ok := command.NewFromTemplate(tmpl, &a, props.New())
	if !ok {
		t.Fatal("expected instance creation to succeed")
	}
	return inst
}

func TestFireRejectsDuplicateAddress(t *testing.T) {
	q := New(nil, nil)
	now := time.Unix(1000, 0)
	params := RuleDeadlineParams{Duration: time.Minute}

	a := newBanInstance(t, "203.0.113.7")
	if err := q.Fire(now, "sshd", a, params, false, RuleConfig{}, nil, nil, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := newBanInstance(t, "203.0.113.7")
	if err := q.Fire(now, "sshd", b, params, false, RuleConfig{}, nil, nil, false, false); err == nil {
		t.Fatal("expected duplicate address to be rejected")
	}
}

func TestSnapshotIsSortedByAddress(t *testing.T) {
	q := New(nil, nil)
	now := time.Unix(1000, 0)
	params := RuleDeadlineParams{Duration: time.Minute}

	// Inserted out of order; Snapshot must still come back sorted so that
	// bulk sync emits frames in a deterministic order across runs.
	for _, addr := range []string{"203.0.113.9", "203.0.113.1", "203.0.113.50"} {
		inst := newBanInstance(t, addr)
		if err := q.Fire(now, "sshd", inst, params, false, RuleConfig{}, nil, nil, false, false); err != nil {
			t.Fatalf("unexpected error firing %s: %v", addr, err)
		}
	}

	snap := q.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Address.Compare(snap[i].Address) >= 0 {
			t.Fatalf("expected entries sorted by address, got %s then %s", snap[i-1].Address, snap[i].Address)
		}
	}
}

func TestContainsReflectsLiveEntries(t *testing.T) {
	q := New(nil, nil)
	now := time.Unix(1000, 0)
	params := RuleDeadlineParams{Duration: time.Minute}
	addr := address.MustParse("203.0.113.7")

	if q.Contains(addr) {
		t.Fatal("expected empty queue to not contain address")
	}
	inst := newBanInstance(t, "203.0.113.7")
	if err := q.Fire(now, "sshd", inst, params, false, RuleConfig{}, nil, nil, false, false); err != nil {
		t.Fatal(err)
	}
	if !q.Contains(addr) {
		t.Fatal("expected queue to contain address after Fire")
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
}

func TestComputeDeadlineSentinelMaxNeverExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	deadline, infinite := computeDeadline(now, nil, RuleDeadlineParams{SentinelMax: true}, 1)
	if !infinite {
		t.Fatal("expected sentinel-max template to be infinite")
	}
	if !deadline.After(now) {
		t.Fatal("expected far-future deadline")
	}
}

func TestComputeDeadlineExplicitWins(t *testing.T) {
	now := time.Unix(1000, 0)
	explicit := now.Add(5 * time.Minute)
	deadline, infinite := computeDeadline(now, &explicit, RuleDeadlineParams{Duration: time.Hour}, 3)
	if infinite {
		t.Fatal("expected explicit deadline to not be infinite")
	}
	if !deadline.Equal(explicit) {
		t.Fatalf("expected explicit deadline verbatim, got %v", deadline)
	}
}

func TestComputeDeadlineMetaCapUsesMetaMax(t *testing.T) {
	now := time.Unix(1000, 0)
	p := RuleDeadlineParams{Duration: time.Minute, MetaMax: 10 * time.Minute}
	deadline, _ := computeDeadline(now, nil, p, -1)
	if !deadline.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expected now+meta_max, got %v", deadline)
	}
}

func TestComputeDeadlinePreviouslyOnBlocklistUsesDNSBLDuration(t *testing.T) {
	now := time.Unix(1000, 0)
	p := RuleDeadlineParams{Duration: time.Minute, DNSBLDuration: time.Hour, PreviouslyOnBL: true}
	deadline, _ := computeDeadline(now, nil, p, 2)
	if !deadline.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("expected now+dnsbl_duration*factor, got %v", deadline)
	}
}

func TestRunExecutesEndActionOnExpiry(t *testing.T) {
	action := &fakeAction{}
	q := New(action, nil)
	now := time.Now()
	params := RuleDeadlineParams{Duration: 10 * time.Millisecond}
	inst := newBanInstance(t, "203.0.113.7")

	if err := q.Fire(now, "sshd", inst, params, false, RuleConfig{}, nil, nil, false, false); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for end action to run")
		default:
		}
		if len(action.executed()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q.Contains(address.MustParse("203.0.113.7")) {
		t.Fatal("expected address to be removed once expired")
	}
	cancel()
	<-done
}

func TestRunShutdownSkipsQuickShutdownEntries(t *testing.T) {
	action := &fakeAction{}
	q := New(action, nil)
	now := time.Now()
	params := RuleDeadlineParams{Duration: time.Hour}

	quick := newBanInstance(t, "203.0.113.7")
	if err := q.Fire(now, "sshd", quick, params, false, RuleConfig{}, nil, nil, false, true); err != nil {
		t.Fatal(err)
	}
	normal := newBanInstance(t, "198.51.100.1")
	if err := q.Fire(now, "sshd", normal, params, false, RuleConfig{}, nil, nil, false, false); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	ran := action.executed()
	if len(ran) != 1 {
		t.Fatalf("expected exactly 1 end action to run on shutdown, got %d: %v", len(ran), ran)
	}
}

func TestRemoveOrRenewRequeriesBlocklist(t *testing.T) {
	action := &fakeAction{}
	dnsbl := &fakeDNSBL{hit: true}
	q := New(action, dnsbl)
	now := time.Now()
	params := RuleDeadlineParams{Duration: 10 * time.Millisecond, DNSBLDuration: time.Second}
	inst := newBanInstance(t, "203.0.113.7")

	if err := q.Fire(now, "sshd", inst, params, false, RuleConfig{}, nil, nil, true, false); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	time.Sleep(150 * time.Millisecond)

	if !q.Contains(address.MustParse("203.0.113.7")) {
		t.Fatal("expected still-blocklisted entry to be renewed, not removed")
	}
	if len(action.executed()) != 0 {
		t.Fatal("expected no end action to run while still blocklisted")
	}
	cancel()
	<-done
}

func TestEnqueueManualRejectsPastDeadline(t *testing.T) {
	q := New(nil, nil)
	now := time.Unix(1000, 0)
	inst := newBanInstance(t, "203.0.113.7")
	if err := q.EnqueueManual(now, "sshd", inst, now.Add(-time.Minute), nil); err == nil {
		t.Fatal("expected past deadline to be rejected")
	}
}

func TestEnqueueManualFactorOverridesMeta(t *testing.T) {
	q := New(nil, nil)
	now := time.Unix(1000, 0)
	inst := newBanInstance(t, "203.0.113.7")
	factor := 7
	if err := q.EnqueueManual(now, "sshd", inst, now.Add(time.Hour), &factor); err != nil {
		t.Fatal(err)
	}
	if inst.Factor != 7 {
		t.Fatalf("expected explicit factor to be applied, got %d", inst.Factor)
	}
}
