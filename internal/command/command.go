// Package command implements the command template/instance state machine of
// §4.5: template → candidate → live → expired-or-renewed, deferred
// %name% substitution, and the need_host address-family gate.
package command

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ladcd/ladc/internal/address"
	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/props"
)

// NeedHost constrains which address families a template may be
// instantiated against (§4.5 "need_host enum").
type NeedHost int

const (
	NeedHostNo NeedHost = iota
	NeedHostAny
	NeedHostV4
	NeedHostV6
)

func (n NeedHost) String() string {
	switch n {
	case NeedHostAny:
		return "any"
	case NeedHostV4:
		return "v4"
	case NeedHostV6:
		return "v6"
	default:
		return "no"
	}
}

// ParseNeedHost maps a config file's need_host spelling to the enum. An
// empty string defaults to "any" (§6 action block).
func ParseNeedHost(s string) (NeedHost, error) {
	switch s {
	case "", "any":
		return NeedHostAny, nil
	case "no":
		return NeedHostNo, nil
	case "4":
		return NeedHostV4, nil
	case "6":
		return NeedHostV6, nil
	default:
		return NeedHostNo, errors.Errorf(errors.KindConfig, "command: invalid need_host %q", s)
	}
}

// Special property names resolved before captures, rule properties or
// defaults are consulted (§4.5 "Special names").
const (
	SpecialHost      = "host"
	SpecialRule      = "rule"
	SpecialSource    = "source"
	SpecialIPVersion = "ipversion"
)

// Template is the config-defined, immutable action a rule may fire. It is
// never mutated once loaded; instances are derived from it.
type Template struct {
	Name        string
	RuleName    string
	SourceName  string
	BeginString string
	EndString   string
	// Duration is the ban length in seconds. 0 disables the end action
	// entirely; a negative value means "only on shutdown" (§4.5, mirroring
	// the predecessor's INT_MAX sentinel but expressed as a named state
	// rather than a magic number).
	Duration   int
	NeedHost   NeedHost
	Properties *props.Bindings

	// QuickShutdown marks this action's end command as skipped by the
	// shutdown/flush cleanup sweep (§4.4 "runs end actions for every
	// entry not marked quick_shutdown"), distinct from Duration's
	// shutdown-only sentinel.
	QuickShutdown bool
}

// EndsOnShutdownOnly reports whether this template's end action should
// never fire on its own schedule, only when the daemon shuts down.
func (t *Template) EndsOnShutdownOnly() bool {
	return t.Duration < 0
}

// HasEndAction reports whether the template has an end action at all.
func (t *Template) HasEndAction() bool {
	return t.Duration != 0 && t.EndString != ""
}

// State is a command instance's position in the §4.5 state machine.
type State int

const (
	StateCandidate State = iota
	StateLive
	StateExpired
	StateRenewed
)

// Instance is a materialised command: a template bound to a matched
// pattern's captures (or, for a manual/remote ban, no pattern at all) and,
// usually, a concrete address.
type Instance struct {
	// ID identifies this instance across a peer sync or a log line
	// correlating to it; stable for the instance's lifetime regardless of
	// State transitions or end-queue renewal.
	ID string

	Template *Template
	Address  *address.Address
	State    State

	// PatternProperties holds the captures from the triggering match, if
	// any (nil for manually-submitted or remote-synced bans).
	PatternProperties *props.Bindings

	BeginConverted string
	EndConverted   string

	// Factor multiplies the base duration on repeated offenses (§4.4
	// escalation). Start at 1, as the predecessor's templates do.
	Factor int
}

// NewFromTemplate derives a candidate/live instance from tmpl, gated by
// need_host (§4.5 "Enforces family at candidate creation; a mismatch
// returns 'action not applicable' (not an error)"). addr may be nil only
// when tmpl.NeedHost is NeedHostNo.
func NewFromTemplate(tmpl *Template, addr *address.Address, patternProps *props.Bindings) (*Instance, bool) {
	if !addressSatisfies(tmpl.NeedHost, addr) {
		return nil, false
	}

	inst := &Instance{
		ID:                uuid.New().String(),
		Template:          tmpl,
		Address:           addr,
		State:             StateCandidate,
		PatternProperties: patternProps,
		Factor:            1,
	}
	inst.convert()
	return inst, true
}

func addressSatisfies(need NeedHost, addr *address.Address) bool {
	switch need {
	case NeedHostNo:
		return true
	case NeedHostAny:
		return addr != nil
	case NeedHostV4:
		return addr != nil && addr.Family() == address.FamilyV4
	case NeedHostV6:
		return addr != nil && addr.Family() == address.FamilyV6
	default:
		return false
	}
}

// convert materialises both the begin and end strings by deferred
// substitution (§4.5 "Deferred substitution").
func (inst *Instance) convert() {
	inst.BeginConverted = inst.substitute(inst.Template.BeginString)
	if inst.Template.EndString != "" {
		inst.EndConverted = inst.substitute(inst.Template.EndString)
	}
}

// substitute scans src left to right, expanding "%%" to a literal percent,
// copying backslash-escaped bytes verbatim, and resolving "%name%" tokens
// against, in priority order: special names, pattern captures, rule
// properties, then defaults. Unresolved tokens render as empty strings
// (§4.5). Go's strings.Builder grows its backing array on demand, which
// plays the role of the predecessor's explicit double-on-exhaust buffer.
func (inst *Instance) substitute(src string) string {
	var out strings.Builder
	n := len(src)
	i := 0
	for i < n {
		c := src[i]
		switch c {
		case '%':
			if i+1 < n && src[i+1] == '%' {
				out.WriteByte('%')
				i += 2
				continue
			}
			end := strings.IndexByte(src[i+1:], '%')
			if end < 0 {
				// Unterminated token at end of string: copy verbatim.
				out.WriteString(src[i:])
				i = n
				continue
			}
			name, _ := props.Normalize(src[i+1 : i+1+end])
			out.WriteString(inst.resolve(name))
			i += 1 + end + 1
		case '\\':
			if i+1 < n {
				out.WriteByte(c)
				out.WriteByte(src[i+1])
				i += 2
			} else {
				out.WriteByte(c)
				i++
			}
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

// resolve looks up a single token name in priority order: special names,
// pattern captures, rule properties, defaults.
func (inst *Instance) resolve(name string) string {
	if v, ok := inst.resolveSpecial(name); ok {
		return v
	}
	if inst.PatternProperties != nil {
		if v, ok := inst.PatternProperties.Get(name); ok {
			return v
		}
	}
	if inst.Template.Properties != nil {
		if v, ok := inst.Template.Properties.Get(name); ok {
			return v
		}
	}
	return ""
}

func (inst *Instance) resolveSpecial(name string) (string, bool) {
	switch name {
	case SpecialHost:
		if inst.Address != nil {
			return inst.Address.HostLiteral(), true
		}
		return "", false
	case SpecialIPVersion:
		if inst.Address != nil {
			return inst.Address.IPVersionString(), true
		}
		return "", false
	case SpecialRule:
		return inst.Template.RuleName, true
	case SpecialSource:
		return inst.Template.SourceName, true
	default:
		return "", false
	}
}

// Expire moves a live instance to the expired state, making it eligible
// for its end action to fire exactly once.
func (inst *Instance) Expire() {
	inst.State = StateExpired
}

// Renew moves an expired (or about to expire) instance back to live and
// records nextFactor as its factor (§3 "escalation factor"). The
// converted begin/end strings are left as they are.
func (inst *Instance) Renew(nextFactor int) {
	inst.Factor = nextFactor
	inst.State = StateLive
}

// Activate transitions a freshly created candidate into the live state,
// called once it has been admitted to the end-queue.
func (inst *Instance) Activate() {
	inst.State = StateLive
}
