// Package entity defines the namespaced identifiers for the two sides of the
// bipartite interaction graph.
//
// A merchant with raw id "M17" is addressed as "M:M17" and a cardholder with
// raw id "C4" as "C:C4". The namespace prefix keeps the two id spaces disjoint
// in external storage even when upstream systems reuse raw ids.
package entity

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind is the namespace of an entity: merchant or cardholder.
type Kind string

const (
	Merchant   Kind = "M"
	Cardholder Kind = "C"
)

const separator = ":"

// ID is a namespaced entity id of the form "<kind>:<raw id>".
type ID string

// New builds a namespaced ID from a kind and a raw upstream id.
func New(kind Kind, raw string) ID {
	return ID(string(kind) + separator + raw)
}

// Parse validates a namespaced id string and returns it as an ID.
func Parse(s string) (ID, error) {
	kind, raw, ok := strings.Cut(s, separator)
	if !ok || raw == "" {
		return "", fmt.Errorf("invalid entity id %q: expected '<M|C>:<id>'", s)
	}

	switch Kind(kind) {
	case Merchant, Cardholder:
		return ID(s), nil
	default:
		return "", fmt.Errorf("invalid entity namespace %q in id %q", kind, s)
	}
}

// Kind returns the namespace of the id. Ids constructed through New or Parse
// always carry a valid namespace.
func (id ID) Kind() Kind {
	kind, _, _ := strings.Cut(string(id), separator)
	return Kind(kind)
}

// Raw returns the upstream id without the namespace prefix.
func (id ID) Raw() string {
	_, raw, _ := strings.Cut(string(id), separator)
	return raw
}

func (id ID) String() string {
	return string(id)
}

// Other returns the opposite side of the bipartite graph.
func (k Kind) Other() Kind {
	if k == Merchant {
		return Cardholder
	}
	return Merchant
}

// Shard maps the id onto one of n shards. The mapping is stable across runs,
// which keeps worker ownership of key ranges deterministic.
func (id ID) Shard(n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(string(id)) % uint64(n))
}
