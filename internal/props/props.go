// Package props implements the name→value property bindings produced by a
// pattern match, and the rule/default overlays applied on top of them
// (§3 "Property").
package props

import (
	"fmt"
	"strings"
)

// MaxNameLength bounds a property name's length on intake (§3 "bounded in
// length").
const MaxNameLength = 31

// Reserved property names. Host's value must parse as an address; its
// pattern replacement is the IP-literal regex. Service's replacement is
// taken from the owning rule's service string.
const (
	NameHost    = "host"
	NameService = "service"
)

// Normalize lower-cases name and validates its length, as done on intake
// for every property extracted from a pattern (§3).
func Normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return "", fmt.Errorf("props: empty property name")
	}
	if len(n) > MaxNameLength {
		return "", fmt.Errorf("props: property name %q exceeds %d characters", name, MaxNameLength)
	}
	return n, nil
}

// Bindings is a set of property values keyed by normalized name.
// A fresh Bindings is created per match (§4.2 "a fresh per-rule binding
// map") and consulted, in order, against overlays when materialising a
// command instance (§4.5: special names → captures → rule properties →
// defaults).
type Bindings struct {
	values map[string]string
}

// New returns an empty Bindings.
func New() *Bindings {
	return &Bindings{values: make(map[string]string)}
}

// Set records value under name (name is assumed already normalized).
func (b *Bindings) Set(name, value string) {
	if b.values == nil {
		b.values = make(map[string]string)
	}
	b.values[name] = value
}

// Get returns the bound value for name, if any.
func (b *Bindings) Get(name string) (string, bool) {
	if b == nil || b.values == nil {
		return "", false
	}
	v, ok := b.values[name]
	return v, ok
}

// Host returns the bound "host" property, if present.
func (b *Bindings) Host() (string, bool) {
	return b.Get(NameHost)
}

// Clone returns an independent copy, used when a trigger-list candidate
// or end-queue entry must keep a snapshot of the bindings that created it
// (§3 "the captured pattern-property snapshot").
func (b *Bindings) Clone() *Bindings {
	out := New()
	for k, v := range b.values {
		out.values[k] = v
	}
	return out
}

// Merge overlays other on top of b, without overwriting names b already
// has bound — callers apply overlays in priority order (captures first,
// then rule properties, then defaults) each as a lower-priority Merge.
func (b *Bindings) Merge(other *Bindings) {
	if other == nil {
		return
	}
	for k, v := range other.values {
		if _, exists := b.values[k]; !exists {
			b.Set(k, v)
		}
	}
}

// Len reports the number of bound properties.
func (b *Bindings) Len() int {
	if b == nil {
		return 0
	}
	return len(b.values)
}
