package delegation

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Lookup when no grant exists for the pair.
var ErrNotFound = errors.New("delegation not found")

type Permission string

const (
	CanBook   Permission = "canBook"
	CanCancel Permission = "canCancel"
	CanView   Permission = "canView"
	CanUpdate Permission = "canUpdate"
)

// Permissions is the typed form of a grant's permission set.
type Permissions struct {
	CanBook   bool `json:"canBook"`
	CanCancel bool `json:"canCancel"`
	CanView   bool `json:"canView"`
	CanUpdate bool `json:"canUpdate"`
}

// DefaultPermissions are applied when a grant is created without explicit flags.
func DefaultPermissions() Permissions {
	return Permissions{CanBook: true, CanCancel: true, CanView: true}
}

// Has reports whether the named flag is set.
func (p Permissions) Has(perm Permission) bool {
	switch perm {
	case CanBook:
		return p.CanBook
	case CanCancel:
		return p.CanCancel
	case CanView:
		return p.CanView
	case CanUpdate:
		return p.CanUpdate
	}
	return false
}

type Grant struct {
	VPOwner     string      `json:"vp_id"`
	Delegate    string      `json:"delegate_id"`
	Permissions Permissions `json:"permissions"`
	Active      bool        `json:"active"`
}

// Lookup fetches the grant from vpOwner to delegate.
type Lookup interface {
	LookupDelegation(ctx context.Context, delegateID, vpOwnerID string) (Grant, error)
}

// Authorizer answers permission questions against delegation data it does
// not own.
type Authorizer struct {
	lookup Lookup
}

func NewAuthorizer(lookup Lookup) *Authorizer {
	return &Authorizer{lookup: lookup}
}

// Authorize is true iff an active grant exists with perm set.
func (a *Authorizer) Authorize(ctx context.Context, delegateID, vpOwnerID string, perm Permission) (bool, error) {
	grant, err := a.lookup.LookupDelegation(ctx, delegateID, vpOwnerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup delegation: %w", err)
	}
	return grant.Active && grant.Permissions.Has(perm), nil
}
