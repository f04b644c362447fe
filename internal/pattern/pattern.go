// Package pattern implements the tokenised pattern compiler of §4.1: a
// template string with "%name%" placeholders is turned into a compiled
// regex plus an ordered list of named capture tokens.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/props"
)

// MaxCaptureGroups caps the total number of capture groups a compiled
// pattern may use (§4.1).
const MaxCaptureGroups = 20

// hostRegexFragment is substituted for the reserved %host% token.
const hostRegexFragment = `([.:[:xdigit:]]+)`

// genericRegexFragment is substituted for any other %name% token.
const genericRegexFragment = `(.+)`

// Token records where, in capture-group order, a named property was bound
// by the compiled regex.
type Token struct {
	// Name is the lower-cased token name (e.g. "host", "user").
	Name string
	// SubexpressionIndex is the 1-based regex capture-group index this
	// token's first capture group was assigned.
	SubexpressionIndex int
}

// Pattern is a compiled template: the source text, its regex, and the
// ordered token list keyed by capture index (§3 "Pattern").
type Pattern struct {
	Source    string
	HasHost   bool
	Tokens    []Token
	regex     *regexp.Regexp
	detections uint64
	commands   uint64
}

// Compile builds a Pattern from a template string, the owning source
// group's literal prefix (concatenated before compilation, exactly as
// the teacher's predecessor did via source_group->prefix), and the
// owning rule's service string (used for the %service% token, which may
// itself contain literal parens that must be counted to keep capture
// numbering correct).
func Compile(template, sourcePrefix, service string) (*Pattern, error) {
	full := sourcePrefix + template

	var out strings.Builder
	var tokens []Token
	hostSeen := false
	subexpr := 0 // total capture groups emitted so far

	n := len(full)
	i := 0
	for i < n {
		c := full[i]
		switch c {
		case '%':
			end := strings.IndexByte(full[i+1:], '%')
			if end < 0 {
				return nil, errors.ConfigError("pattern: unterminated token in %q", template)
			}
			name := full[i+1 : i+1+end]
			consumed := 1 + end + 1 // "%name%"

			if name == "" {
				// "%%" is a literal percent sign.
				out.WriteByte('%')
				i += 2
				continue
			}

			lname := strings.ToLower(name)
			var replacement string
			var braces int

			switch {
			case lname == props.NameHost:
				if hostSeen {
					return nil, errors.ConfigError("pattern: only one %%host%% token allowed in %q", template)
				}
				hostSeen = true
				replacement = hostRegexFragment
				braces = 1
			case lname == props.NameService && service != "":
				replacement = service
				braces = countOpenParens(service)
			default:
				replacement = genericRegexFragment
				braces = 1
			}

			if braces > 0 {
				tokens = append(tokens, Token{Name: lname, SubexpressionIndex: subexpr + 1})
				subexpr += braces
				if subexpr >= MaxCaptureGroups {
					return nil, errors.ConfigError("pattern: too many capture groups in %q", template)
				}
			}
			out.WriteString(replacement)
			i += consumed

		case '\\':
			if i+1 >= n {
				return nil, errors.ConfigError("pattern: trailing unescaped backslash in %q", template)
			}
			out.WriteByte(c)
			out.WriteByte(full[i+1])
			i += 2

		case '(':
			subexpr++
			if subexpr >= MaxCaptureGroups {
				return nil, errors.ConfigError("pattern: too many capture groups in %q", template)
			}
			out.WriteByte(c)
			i++

		default:
			out.WriteByte(c)
			i++
		}
	}

	re, err := regexp.Compile(out.String())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, fmt.Sprintf("pattern: failed to compile %q", template))
	}

	return &Pattern{
		Source:  template,
		HasHost: hostSeen,
		Tokens:  tokens,
		regex:   re,
	}, nil
}

// countOpenParens counts unescaped '(' characters, mirroring the
// predecessor's count_open_braces used for the %service% token.
func countOpenParens(s string) int {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '(' {
			count++
		}
	}
	return count
}

// Match applies the compiled regex to line. On a match it returns a fresh
// Bindings populated from every recorded token's capture group (§4.2:
// "copy the regex captures into a fresh per-rule binding map").
func (p *Pattern) Match(line string) (*props.Bindings, bool) {
	groups := p.regex.FindStringSubmatch(line)
	if groups == nil {
		return nil, false
	}

	b := props.New()
	for _, tok := range p.Tokens {
		if tok.SubexpressionIndex >= len(groups) {
			continue
		}
		b.Set(tok.Name, groups[tok.SubexpressionIndex])
	}
	atomic.AddUint64(&p.detections, 1)
	return b, true
}

// Detections returns the number of lines this pattern has matched.
func (p *Pattern) Detections() uint64 {
	return atomic.LoadUint64(&p.detections)
}

// RecordCommand increments the derived-command counter (§3 "counters
// (matches, derived commands)").
func (p *Pattern) RecordCommand() {
	atomic.AddUint64(&p.commands, 1)
}

// Commands returns the number of command instances derived from matches
// of this pattern.
func (p *Pattern) Commands() uint64 {
	return atomic.LoadUint64(&p.commands)
}

// String returns the original, un-prefixed template text.
func (p *Pattern) String() string {
	return p.Source
}
