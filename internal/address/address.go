// Package address implements the normalised IPv4/IPv6 address value type
// used throughout the daemon: pattern captures, command instances, the
// end-queue's by_address index, and the peer allow-list all key on it.
package address

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Family tags whether an Address holds 4 or 16 canonical bytes.
type Family uint8

const (
	// FamilyV4 is a 4-byte IPv4 address.
	FamilyV4 Family = iota
	// FamilyV6 is a 16-byte IPv6 address.
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "6"
	}
	return "4"
}

// defaultPrefix returns the full-length prefix for a family (32 or 128),
// the default when a template carries no explicit "/prefix".
func (f Family) defaultPrefix() int {
	if f == FamilyV6 {
		return 128
	}
	return 32
}

// Address is a normalised, comparable network address. Equality and
// ordering are defined on (family, bytes) only; Prefix is ignored for
// equality of singletons but used by Contains for network-containment
// tests. Port is carried for display/diagnostics but never participates
// in equality or ordering (§3).
type Address struct {
	family Family
	bytes  [16]byte // low family-length bytes significant
	prefix int
	port   int
	name   string // optional resolved hostname
}

// Parse accepts a bare IPv4/IPv6 literal or one with a "/prefix" suffix,
// e.g. "203.0.113.7", "203.0.113.0/24", "2001:db8::1", "2001:db8::/32".
// This is the grammar used both by the %host% pattern token and by the
// wire "add" verb's <addr>[/<prefix>] field.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("address: empty literal")
	}

	lit := s
	prefix := -1
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		lit = s[:idx]
		p, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return Address{}, fmt.Errorf("address: invalid prefix in %q: %w", s, err)
		}
		prefix = p
	}

	ip := net.ParseIP(lit)
	if ip == nil {
		return Address{}, fmt.Errorf("address: invalid literal %q", s)
	}

	// A v4-mapped v6 literal ("::ffff:203.0.113.7") stays FamilyV6.
	var a Address
	if v4 := ip.To4(); v4 != nil && !strings.Contains(lit, ":") {
		a.family = FamilyV4
		copy(a.bytes[:4], v4)
	} else {
		a.family = FamilyV6
		copy(a.bytes[:16], ip.To16())
	}

	if prefix < 0 {
		prefix = a.family.defaultPrefix()
	}
	if prefix < 0 || prefix > a.family.defaultPrefix() {
		return Address{}, fmt.Errorf("address: prefix %d out of range for %q", prefix, s)
	}
	a.prefix = prefix
	return a, nil
}

// MustParse panics on invalid input; used by tests and compile-time
// constant addresses.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Family returns the address family.
func (a Address) Family() Family { return a.family }

// Prefix returns the CIDR prefix length (default 32/128 for a singleton).
func (a Address) Prefix() int { return a.prefix }

// Port returns the carried port, or 0 if none.
func (a Address) Port() int { return a.port }

// WithPort returns a copy of a carrying the given port.
func (a Address) WithPort(port int) Address {
	a.port = port
	return a
}

// Name returns the resolved hostname, if any.
func (a Address) Name() string { return a.name }

// WithName returns a copy of a carrying the given resolved name.
func (a Address) WithName(name string) Address {
	a.name = name
	return a
}

// numBytes is the significant byte count for the family (4 or 16).
func (a Address) numBytes() int {
	if a.family == FamilyV6 {
		return 16
	}
	return 4
}

// Bytes returns the canonical address bytes (4 or 16, per family).
func (a Address) Bytes() []byte {
	b := make([]byte, a.numBytes())
	copy(b, a.bytes[:a.numBytes()])
	return b
}

// IsZero reports whether a is the zero value (uninitialised).
func (a Address) IsZero() bool {
	return a.prefix == 0 && a.family == FamilyV4 && a.bytes == [16]byte{}
}

// Equal reports whether a and b denote the same singleton address:
// same family and same bytes. Prefix and port are ignored.
func (a Address) Equal(b Address) bool {
	return a.family == b.family && bytes.Equal(a.Bytes(), b.Bytes())
}

// Compare provides the total order used by the end-queue's by_address
// tree: family first (v4 before v6), then lexicographic byte comparison.
// Returns -1, 0, or 1.
func (a Address) Compare(b Address) int {
	if a.family != b.family {
		if a.family < b.family {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// Contains reports whether other falls within the network described by
// a's address and prefix (a acts as the CIDR block). Families must match.
func (a Address) Contains(other Address) bool {
	if a.family != other.family {
		return false
	}
	n := a.numBytes()
	fullBytes := a.prefix / 8
	remBits := a.prefix % 8

	ab := a.Bytes()
	ob := other.Bytes()

	if fullBytes > n {
		fullBytes = n
	}
	for i := 0; i < fullBytes; i++ {
		if ab[i] != ob[i] {
			return false
		}
	}
	if remBits == 0 || fullBytes >= n {
		return true
	}
	mask := byte(0xFF << (8 - remBits))
	return ab[fullBytes]&mask == ob[fullBytes]&mask
}

// String renders the canonical textual form, including "/prefix" only
// when it differs from the family's full length.
func (a Address) String() string {
	ip := net.IP(a.Bytes())
	s := ip.String()
	if a.prefix != a.family.defaultPrefix() {
		s = fmt.Sprintf("%s/%d", s, a.prefix)
	}
	return s
}

// HostLiteral renders just the IP literal, with no prefix — the form
// substituted for the special %host% template name (§4.5).
func (a Address) HostLiteral() string {
	return net.IP(a.Bytes()).String()
}

// IPVersionString renders "4" or "6" — the special %ipversion% template
// value (§4.5).
func (a Address) IPVersionString() string {
	return a.family.String()
}
