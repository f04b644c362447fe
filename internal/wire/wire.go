// Package wire implements the §4.6 message codec: fixed 180-byte frames,
// PKCS#7 padding, the protocol-version byte, and the verb/payload
// grammar shared by the control FIFO and the peer sync protocol.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ladcd/ladc/internal/errors"
)

// FrameSize is the fixed plaintext frame length every control/sync
// message occupies on the wire (§4.6).
const FrameSize = 180

// ProtocolVersion is the first byte of every frame.
const ProtocolVersion = '0'

// Verb identifies a control/sync message's operation.
type Verb byte

const (
	VerbAdd            Verb = '+'
	VerbDel            Verb = '-'
	VerbFlush          Verb = 'F'
	VerbReloadConfig   Verb = 'R'
	VerbShutdown       Verb = 'S'
	VerbDumpState      Verb = '>'
	VerbSetLogLevel    Verb = 'L'
	VerbResetCounters  Verb = '0'
	VerbSync           Verb = 'X'
	VerbStopSync       Verb = 'x'
	VerbDumpStatus     Verb = 'D'
	VerbEnableRule     Verb = 'Y'
	VerbDisableRule    Verb = 'N'
	VerbMonitoringLevel Verb = 'M'
)

var knownVerbs = map[Verb]bool{
	VerbAdd: true, VerbDel: true, VerbFlush: true, VerbReloadConfig: true,
	VerbShutdown: true, VerbDumpState: true, VerbSetLogLevel: true,
	VerbResetCounters: true, VerbSync: true, VerbStopSync: true,
	VerbDumpStatus: true, VerbEnableRule: true, VerbDisableRule: true,
	VerbMonitoringLevel: true,
}

// Message is a parsed control/sync line: a verb plus its raw payload
// (never including the leading version/verb bytes or trailing padding).
type Message struct {
	Verb    Verb
	Payload string
}

// AddPayload is the parsed grammar of a VerbAdd payload:
// "<addr>[/<prefix>],<rule>[,<end-time>[,<factor>]]".
type AddPayload struct {
	AddrCIDR string
	Rule     string
	EndTime  *int64
	Factor   *int
}

// ParseLine parses one unencrypted, unpadded control line (the FIFO
// grammar, §6: "same grammar as §4.6, unencrypted and unpadded"). Empty
// lines and comments are reported via ErrIgnored so callers can skip
// dump-file lines without treating them as errors.
var ErrIgnored = errors.Errorf(errors.KindWire, "wire: line ignored")

func ParseLine(line string) (Message, error) {
	if line == "" || strings.HasPrefix(line, "#") {
		return Message{}, ErrIgnored
	}
	if len(line) < 1 {
		return Message{}, errors.WireError("wire: empty control line")
	}
	verb := Verb(line[0])
	if !knownVerbs[verb] {
		return Message{}, errors.WireError("wire: unknown verb %q", string(rune(verb)))
	}
	return Message{Verb: verb, Payload: line[1:]}, nil
}

// Encode renders msg as a version-prefixed, verb-prefixed, PKCS#7-padded
// 180-byte frame (§4.6).
func Encode(msg Message) ([]byte, error) {
	body := string(ProtocolVersion) + string(rune(msg.Verb)) + msg.Payload
	if len(body) >= FrameSize {
		return nil, errors.WireError("wire: message too long (%d >= %d bytes)", len(body), FrameSize)
	}
	return pkcs7Pad([]byte(body), FrameSize), nil
}

// Decode parses a received 180-byte frame: strips PKCS#7 padding,
// validates the protocol version, and validates the verb. Parsing is
// strict (§4.6): a wrong version, unknown verb, or malformed padding is
// rejected with an error and no partial result.
func Decode(frame []byte) (Message, error) {
	if len(frame) != FrameSize {
		return Message{}, errors.WireError("wire: frame is %d bytes, want %d", len(frame), FrameSize)
	}
	body, err := pkcs7Unpad(frame)
	if err != nil {
		return Message{}, err
	}
	if len(body) < 2 {
		return Message{}, errors.WireError("wire: frame too short after unpadding")
	}
	if body[0] != ProtocolVersion {
		return Message{}, errors.WireError("wire: unsupported protocol version %q", body[0])
	}
	verb := Verb(body[1])
	if !knownVerbs[verb] {
		return Message{}, errors.WireError("wire: unknown verb %q", string(rune(verb)))
	}
	return Message{Verb: verb, Payload: string(body[2:])}, nil
}

// pkcs7Pad pads data out to exactly size bytes using PKCS#7 (RFC 5652
// §6.3): every pad byte carries the pad length. Callers must ensure
// len(data) < size, since there is no room to grow the frame to append a
// full extra block the way PKCS#7 does for a stream cipher.
func pkcs7Pad(data []byte, size int) []byte {
	padLen := size - len(data)
	padded := make([]byte, 0, size)
	padded = append(padded, data...)
	for i := 0; i < padLen; i++ {
		padded = append(padded, byte(padLen))
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.WireError("wire: empty frame")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.WireError("wire: invalid PKCS#7 padding length %d", padLen)
	}
	pad := data[len(data)-padLen:]
	for _, b := range pad {
		if int(b) != padLen {
			return nil, errors.WireError("wire: corrupt PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// ParseAddPayload parses a VerbAdd payload string per §4.6's grammar.
func ParseAddPayload(payload string) (AddPayload, error) {
	fields := strings.Split(payload, ",")
	if len(fields) < 2 {
		return AddPayload{}, errors.WireError("wire: add payload needs at least <addr>,<rule>")
	}
	out := AddPayload{AddrCIDR: fields[0], Rule: fields[1]}
	if len(fields) >= 3 && fields[2] != "" {
		v, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return AddPayload{}, errors.WireError("wire: invalid end-time %q", fields[2])
		}
		out.EndTime = &v
	}
	if len(fields) >= 4 && fields[3] != "" {
		v, err := strconv.Atoi(fields[3])
		if err != nil {
			return AddPayload{}, errors.WireError("wire: invalid factor %q", fields[3])
		}
		out.Factor = &v
	}
	return out, nil
}

// FormatAddPayload is ParseAddPayload's inverse, used when this daemon
// originates an add (local ban, or relaying one to a peer).
func FormatAddPayload(p AddPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s,%s", p.AddrCIDR, p.Rule)
	if p.EndTime != nil {
		fmt.Fprintf(&b, ",%d", *p.EndTime)
		if p.Factor != nil {
			fmt.Fprintf(&b, ",%d", *p.Factor)
		}
	}
	return b.String()
}
