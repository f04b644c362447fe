package pattern

import "testing"

func TestCompileAndMatchHostToken(t *testing.T) {
	p, err := Compile("Host: %host% failed", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !p.HasHost {
		t.Fatal("expected HasHost")
	}

	b, ok := p.Match("Host: 203.0.113.7 failed")
	if !ok {
		t.Fatal("expected match")
	}
	host, ok := b.Host()
	if !ok || host != "203.0.113.7" {
		t.Fatalf("unexpected host binding: %q %v", host, ok)
	}
	if p.Detections() != 1 {
		t.Fatalf("expected 1 detection, got %d", p.Detections())
	}
}

func TestCompileNoMatch(t *testing.T) {
	p, err := Compile("Host: %host% failed", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Match("unrelated line"); ok {
		t.Fatal("expected no match")
	}
	if p.Detections() != 0 {
		t.Fatalf("expected 0 detections, got %d", p.Detections())
	}
}

func TestCompileRejectsDuplicateHostToken(t *testing.T) {
	if _, err := Compile("from %host% to %host%", "", ""); err == nil {
		t.Fatal("expected compile-time error for duplicate host token")
	}
}

func TestCompileRejectsTrailingBackslash(t *testing.T) {
	if _, err := Compile(`bad trailing \`, "", ""); err == nil {
		t.Fatal("expected error for trailing backslash")
	}
}

func TestCompileGenericTokenCapture(t *testing.T) {
	p, err := Compile("user %user% logged in from %host%", "", "")
	if err != nil {
		t.Fatal(err)
	}
	b, ok := p.Match("user alice logged in from 198.51.100.5")
	if !ok {
		t.Fatal("expected match")
	}
	if v, _ := b.Get("user"); v != "alice" {
		t.Fatalf("expected alice, got %q", v)
	}
	if host, _ := b.Host(); host != "198.51.100.5" {
		t.Fatalf("expected host capture, got %q", host)
	}
}

func TestCompileServiceTokenWithParens(t *testing.T) {
	p, err := Compile("%service%: auth failure for %host%", "", "postfix/(submission/)?smtpd")
	if err != nil {
		t.Fatal(err)
	}
	line := "postfix/submission/smtpd: auth failure for 203.0.113.9"
	b, ok := p.Match(line)
	if !ok {
		t.Fatalf("expected match against %q", line)
	}
	if host, _ := b.Host(); host != "203.0.113.9" {
		t.Fatalf("expected host capture despite service parens, got %q", host)
	}
}

func TestCompilePrependsSourcePrefix(t *testing.T) {
	p, err := Compile("login failed from %host%", "sshd\\[[0-9]+\\]: ", "")
	if err != nil {
		t.Fatal(err)
	}
	line := "sshd[1234]: login failed from 203.0.113.10"
	if _, ok := p.Match(line); !ok {
		t.Fatalf("expected prefix to be part of the compiled regex, line %q", line)
	}
}

func TestCompileLiteralPercent(t *testing.T) {
	p, err := Compile("100%% cpu from %host%", "", "")
	if err != nil {
		t.Fatal(err)
	}
	b, ok := p.Match("100% cpu from 203.0.113.11")
	if !ok {
		t.Fatal("expected match")
	}
	if host, _ := b.Host(); host != "203.0.113.11" {
		t.Fatalf("unexpected host: %q", host)
	}
}

func TestCompileRejectsTooManyCaptureGroups(t *testing.T) {
	tmpl := ""
	for i := 0; i < 25; i++ {
		tmpl += "%field% "
	}
	if _, err := Compile(tmpl, "", ""); err == nil {
		t.Fatal("expected error for exceeding max capture groups")
	}
}

func TestRecordCommandIncrementsCounter(t *testing.T) {
	p, err := Compile("plain line", "", "")
	if err != nil {
		t.Fatal(err)
	}
	p.RecordCommand()
	p.RecordCommand()
	if p.Commands() != 2 {
		t.Fatalf("expected 2, got %d", p.Commands())
	}
}
