package logging

import "testing"

func TestWithComponentTagging(t *testing.T) {
	l := New(DefaultConfig())
	child := l.WithComponent("endqueue")
	if child == nil || child.Logger == nil {
		t.Fatal("expected non-nil child logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "bogus": true}
	for lvl := range cases {
		cfg := DefaultConfig()
		cfg.Level = lvl
		if l := New(cfg); l == nil {
			t.Fatalf("New(%q) returned nil", lvl)
		}
	}
}

func TestDefaultLogger(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	SetDefault(New(DefaultConfig()))
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
	if WithComponent("test") == nil {
		t.Fatal("expected non-nil component logger")
	}
}
