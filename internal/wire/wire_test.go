package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{Verb: VerbAdd, Payload: "203.0.113.7,sshd,1700000000,2"}
	frame, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != FrameSize {
		t.Fatalf("expected frame of %d bytes, got %d", FrameSize, len(frame))
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Verb != msg.Verb || decoded.Payload != msg.Payload {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, msg)
	}
}

func TestEncodeEmptyPayloadVerb(t *testing.T) {
	frame, err := Encode(Message{Verb: VerbFlush})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Verb != VerbFlush || decoded.Payload != "" {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestEncodeRejectsOverLengthMessage(t *testing.T) {
	long := make([]byte, FrameSize)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := Encode(Message{Verb: VerbAdd, Payload: string(long)}); err == nil {
		t.Fatal("expected over-length message to be rejected")
	}
}

func TestDecodeRejectsWrongSizeFrame(t *testing.T) {
	if _, err := Decode(make([]byte, FrameSize-1)); err == nil {
		t.Fatal("expected wrong-size frame to be rejected")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	frame, err := Encode(Message{Verb: VerbFlush})
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the protocol version byte (the first plaintext byte).
	corrupt := append([]byte(nil), frame...)
	corrupt[0] = '9'
	if _, err := Decode(corrupt); err == nil {
		t.Fatal("expected wrong version to be rejected")
	}
}

func TestDecodeRejectsCorruptPadding(t *testing.T) {
	frame, err := Encode(Message{Verb: VerbFlush})
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] = 0
	if _, err := Decode(corrupt); err == nil {
		t.Fatal("expected corrupt padding to be rejected")
	}
}

func TestParseLineIgnoresBlankAndCommentLines(t *testing.T) {
	if _, err := ParseLine(""); err != ErrIgnored {
		t.Fatalf("expected ErrIgnored for blank line, got %v", err)
	}
	if _, err := ParseLine("# a comment"); err != ErrIgnored {
		t.Fatalf("expected ErrIgnored for comment line, got %v", err)
	}
}

func TestParseLineRejectsUnknownVerb(t *testing.T) {
	if _, err := ParseLine("Zpayload"); err == nil {
		t.Fatal("expected unknown verb to be rejected")
	}
}

func TestParseLineAcceptsKnownVerb(t *testing.T) {
	msg, err := ParseLine("+203.0.113.7,sshd")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Verb != VerbAdd || msg.Payload != "203.0.113.7,sshd" {
		t.Fatalf("unexpected parse: %+v", msg)
	}
}

func TestParseAddPayloadFullForm(t *testing.T) {
	p, err := ParseAddPayload("203.0.113.7/32,sshd,1700000000,3")
	if err != nil {
		t.Fatal(err)
	}
	if p.AddrCIDR != "203.0.113.7/32" || p.Rule != "sshd" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.EndTime == nil || *p.EndTime != 1700000000 {
		t.Fatalf("unexpected end time: %+v", p.EndTime)
	}
	if p.Factor == nil || *p.Factor != 3 {
		t.Fatalf("unexpected factor: %+v", p.Factor)
	}
}

func TestParseAddPayloadMinimalForm(t *testing.T) {
	p, err := ParseAddPayload("203.0.113.7,sshd")
	if err != nil {
		t.Fatal(err)
	}
	if p.EndTime != nil || p.Factor != nil {
		t.Fatalf("expected no end time/factor, got %+v", p)
	}
}

func TestParseAddPayloadRejectsMissingRule(t *testing.T) {
	if _, err := ParseAddPayload("203.0.113.7"); err == nil {
		t.Fatal("expected missing rule field to be rejected")
	}
}

func TestFormatAddPayloadRoundTrips(t *testing.T) {
	endTime := int64(1700000000)
	factor := 2
	p := AddPayload{AddrCIDR: "203.0.113.7", Rule: "sshd", EndTime: &endTime, Factor: &factor}
	s := FormatAddPayload(p)
	parsed, err := ParseAddPayload(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.AddrCIDR != p.AddrCIDR || parsed.Rule != p.Rule || *parsed.EndTime != *p.EndTime || *parsed.Factor != *p.Factor {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, p)
	}
}
