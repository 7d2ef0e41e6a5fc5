package service

import (
	"fmt"
	"strings"
)

// CallIdentity addresses one call within a descriptor. It is either a
// NamedIdentity or a RestIdentity; identities compare equal with == when they
// are the same variant with the same fields.
type CallIdentity interface {
	// Key is the stable wire form of the identity.
	Key() string
	String() string
	callIdentity()
}

// NamedIdentity identifies a call by plain name.
type NamedIdentity struct {
	Name string
}

// RestIdentity identifies a call by HTTP method and path pattern. Matching a
// concrete path against the pattern is the router's job; the resulting path
// parameters reach the handler as Params.
type RestIdentity struct {
	Method      string
	PathPattern string
}

// Named returns the identity of a call addressed by name.
func Named(name string) CallIdentity {
	return NamedIdentity{Name: name}
}

// Rest returns the identity of a call addressed by method and path pattern.
func Rest(method, pathPattern string) CallIdentity {
	return RestIdentity{Method: strings.ToUpper(method), PathPattern: pathPattern}
}

func (id NamedIdentity) Key() string { return "name:" + id.Name }
func (id NamedIdentity) String() string { return id.Name }
func (NamedIdentity) callIdentity() {}

func (id RestIdentity) Key() string { return "rest:" + id.Method + " " + id.PathPattern }
func (id RestIdentity) String() string { return id.Method + " " + id.PathPattern }
func (RestIdentity) callIdentity() {}

// ParseIdentity parses the wire form produced by Key.
func ParseIdentity(key string) (CallIdentity, error) {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return nil, fmt.Errorf("service: invalid call identity %q", key)
	}
	switch kind {
	case "name":
		if rest == "" {
			return nil, fmt.Errorf("service: empty call name in %q", key)
		}
		return Named(rest), nil
	case "rest":
		method, pattern, ok := strings.Cut(rest, " ")
		if !ok || method == "" || pattern == "" {
			return nil, fmt.Errorf("service: invalid rest call identity %q", key)
		}
		return Rest(method, pattern), nil
	default:
		return nil, fmt.Errorf("service: unknown call identity kind %q", kind)
	}
}
