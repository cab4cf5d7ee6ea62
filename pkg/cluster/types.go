// Package cluster defines the assignment model shared by the seeding,
// propagation, and duplication stages, plus the run configuration.
package cluster

import (
	"github.com/graphshard/graphshard/pkg/entity"
)

// Role describes how an entity belongs to a cluster.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleDuplicate Role = "duplicate"
)

// Membership is one (cluster, role, weight) entry of an assignment. Weight is
// the vote weight the cluster received for the entity; seed assignments carry
// weight zero because no votes have been cast yet.
type Membership struct {
	Cluster string
	Role    Role
	Weight  int64
}

// Assignment maps one entity to its cluster memberships. Every assignment has
// exactly one primary membership and zero or more duplicates.
type Assignment struct {
	Entity      entity.ID
	Memberships []Membership
}

// NewPrimary returns an assignment with a single primary membership.
func NewPrimary(id entity.ID, clusterID string, weight int64) Assignment {
	return Assignment{
		Entity: id,
		Memberships: []Membership{
			{Cluster: clusterID, Role: RolePrimary, Weight: weight},
		},
	}
}

// Primary returns the primary membership. The second return value is false
// only for a zero-valued assignment, which storage never yields.
func (a Assignment) Primary() (Membership, bool) {
	for _, m := range a.Memberships {
		if m.Role == RolePrimary {
			return m, true
		}
	}
	return Membership{}, false
}

// Duplicates returns the duplicate memberships, if any.
func (a Assignment) Duplicates() []Membership {
	var dups []Membership
	for _, m := range a.Memberships {
		if m.Role == RoleDuplicate {
			dups = append(dups, m)
		}
	}
	return dups
}

// Clusters returns every cluster the entity belongs to, primary first.
func (a Assignment) Clusters() []string {
	out := make([]string, 0, len(a.Memberships))
	if p, ok := a.Primary(); ok {
		out = append(out, p.Cluster)
	}
	for _, m := range a.Memberships {
		if m.Role != RolePrimary {
			out = append(out, m.Cluster)
		}
	}
	return out
}
