// Package service describes callable endpoints and runs the server side of
// their invocation pipeline.
//
// A Descriptor is built once at setup, optionally transformed with the
// replacement functions, and then bound into a server. Descriptors and calls
// are never mutated after construction; every transformation returns a copy.
package service

import (
	"fmt"

	"github.com/jon-ruckwood/lagom/message"
)

// Descriptor is a named, ordered set of calls.
type Descriptor struct {
	name  string
	calls []Endpoint
}

// NewDescriptor describes the service name with the given calls.
func NewDescriptor(name string, calls ...Endpoint) *Descriptor {
	return &Descriptor{name: name, calls: append([]Endpoint(nil), calls...)}
}

func (d *Descriptor) Name() string { return d.name }

// Calls returns the calls in declaration order.
func (d *Descriptor) Calls() []Endpoint {
	return append([]Endpoint(nil), d.calls...)
}

// Lookup returns the call with the given identity.
func (d *Descriptor) Lookup(id CallIdentity) (Endpoint, bool) {
	for _, c := range d.calls {
		if c.Identity() == id {
			return c, true
		}
	}
	return nil, false
}

// LookupKey returns the call whose identity has the given wire key.
func (d *Descriptor) LookupKey(key string) (Endpoint, bool) {
	for _, c := range d.calls {
		if c.Identity().Key() == key {
			return c, true
		}
	}
	return nil, false
}

// WithCalls returns a copy of d with calls added. A call with the identity of
// an existing one replaces it in place.
func (d *Descriptor) WithCalls(calls ...Endpoint) *Descriptor {
	out := d.Replace(func(CallIdentity) bool { return false }, nil)
	for _, c := range calls {
		replaced := false
		for i, existing := range out.calls {
			if existing.Identity() == c.Identity() {
				out.calls[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out.calls = append(out.calls, c)
		}
	}
	return out
}

// Replace returns a copy of d in which every call whose identity satisfies
// match is replaced by fn(call). d itself is left unchanged.
func (d *Descriptor) Replace(match func(CallIdentity) bool, fn func(Endpoint) Endpoint) *Descriptor {
	out := &Descriptor{name: d.name, calls: make([]Endpoint, len(d.calls))}
	for i, c := range d.calls {
		if fn != nil && match(c.Identity()) {
			out.calls[i] = fn(c)
		} else {
			out.calls[i] = c
		}
	}
	return out
}

// Validate reports duplicate identities.
func (d *Descriptor) Validate() error {
	seen := make(map[string]struct{}, len(d.calls))
	for _, c := range d.calls {
		key := c.Identity().Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("service %s: duplicate call %s", d.name, c.Identity())
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ResponseProtocols is the union of the protocols the calls answer with, in
// first-seen order.
func (d *Descriptor) ResponseProtocols() []message.MessageProtocol {
	var out []message.MessageProtocol
	seen := map[message.MessageProtocol]struct{}{}
	for _, c := range d.calls {
		for _, p := range c.ResponseProtocols() {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
