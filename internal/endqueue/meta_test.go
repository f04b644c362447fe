package endqueue

import (
	"testing"
	"time"
)

func TestMetaAdvanceFirstSeen(t *testing.T) {
	s := newMetaStore()
	now := time.Unix(1000, 0)
	cfg := RuleConfig{Duration: time.Minute, MetaFactor: 2, MetaMax: time.Hour}

	f := s.Advance("sshd", "203.0.113.7", now, cfg)
	if f != 1 {
		t.Fatalf("expected factor 1 on first sighting, got %d", f)
	}
}

func TestMetaAdvanceKeepsFactorWhileWindowOpen(t *testing.T) {
	s := newMetaStore()
	now := time.Unix(1000, 0)
	cfg := RuleConfig{Duration: time.Minute, MetaFactor: 2, MetaMax: time.Hour}

	s.Advance("sshd", "203.0.113.7", now, cfg)
	f := s.Advance("sshd", "203.0.113.7", now.Add(10*time.Second), cfg)
	if f != 1 {
		t.Fatalf("expected factor to stay 1 within the same window, got %d", f)
	}
}

func TestMetaAdvanceEscalatesAfterWindowCloses(t *testing.T) {
	s := newMetaStore()
	now := time.Unix(1000, 0)
	cfg := RuleConfig{Duration: time.Minute, MetaFactor: 2, MetaMax: time.Hour}

	s.Advance("sshd", "203.0.113.7", now, cfg)
	f := s.Advance("sshd", "203.0.113.7", now.Add(2*time.Minute), cfg)
	if f != 2 {
		t.Fatalf("expected factor to escalate to 2, got %d", f)
	}
}

func TestMetaAdvanceCapsAtMetaMax(t *testing.T) {
	s := newMetaStore()
	now := time.Unix(1000, 0)
	cfg := RuleConfig{Duration: time.Minute, MetaFactor: 100, MetaMax: 5 * time.Minute}

	s.Advance("sshd", "203.0.113.7", now, cfg) // factor 1
	f := s.Advance("sshd", "203.0.113.7", now.Add(2*time.Minute), cfg)
	if f != -1 {
		t.Fatalf("expected factor -1 once duration*factor exceeds meta_max, got %d", f)
	}
}

func TestMetaAdvanceIsolatesDifferentRulesAndAddresses(t *testing.T) {
	s := newMetaStore()
	now := time.Unix(1000, 0)
	cfg := RuleConfig{Duration: time.Minute, MetaFactor: 2, MetaMax: time.Hour}

	s.Advance("sshd", "203.0.113.7", now, cfg)
	s.Advance("sshd", "203.0.113.7", now.Add(2*time.Minute), cfg) // escalate to 2

	fOtherAddr := s.Advance("sshd", "198.51.100.1", now, cfg)
	if fOtherAddr != 1 {
		t.Fatalf("expected independent factor for a different address, got %d", fOtherAddr)
	}
	fOtherRule := s.Advance("httpd", "203.0.113.7", now, cfg)
	if fOtherRule != 1 {
		t.Fatalf("expected independent factor for a different rule, got %d", fOtherRule)
	}
}

func TestMetaPruneRemovesClosedWindows(t *testing.T) {
	s := newMetaStore()
	now := time.Unix(1000, 0)
	cfg := RuleConfig{Duration: time.Minute, MetaFactor: 2, MetaMax: time.Hour}

	s.Advance("sshd", "203.0.113.7", now, cfg)
	s.Advance("httpd", "198.51.100.1", now, cfg)
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}

	// Advancing a third, unrelated key should prune the first two once
	// their windows have closed.
	s.Advance("ftpd", "192.0.2.1", now.Add(time.Hour), cfg)
	if s.Len() != 1 {
		t.Fatalf("expected stale entries pruned, leaving 1, got %d", s.Len())
	}
}
