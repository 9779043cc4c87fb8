// Package ownership implements the owner capability with a two-phase
// transfer: the current owner proposes, the proposed account accepts.
package ownership

import (
	"strings"
	"sync"

	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
)

var (
	ErrNotAuthorized = svcerrors.New(svcerrors.CodeNotAuthorized, "caller is not authorized")
	ErrInvalidOwner  = svcerrors.New(svcerrors.CodeInvalidArgument, "invalid owner account")
)

// Capability answers whether an account holds ownership.
type Capability interface {
	IsOwner(caller string) bool
	Owner() string
}

// Ownable holds the current and pending owner.
type Ownable struct {
	mu      sync.RWMutex
	owner   string
	pending string
}

// New creates an Ownable owned by owner.
func New(owner string) (*Ownable, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, svcerrors.New(svcerrors.CodeInvalidConfiguration, "owner is required")
	}
	return &Ownable{owner: owner}, nil
}

func (o *Ownable) IsOwner(caller string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return caller != "" && caller == o.owner
}

func (o *Ownable) Owner() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// Pending returns the proposed owner, empty when none.
func (o *Ownable) Pending() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pending
}

// Propose nominates next as the new owner. Proposing the current owner is
// rejected; a new proposal replaces an older one.
func (o *Ownable) Propose(caller, next string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if caller != o.owner {
		return ErrNotAuthorized
	}
	next = strings.TrimSpace(next)
	if next == "" || next == o.owner {
		return ErrInvalidOwner.WithDetails("account", next)
	}
	o.pending = next
	return nil
}

// Accept completes the transfer. Only the proposed account may call it.
func (o *Ownable) Accept(caller string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pending == "" || caller != o.pending {
		return ErrNotAuthorized
	}
	o.owner = o.pending
	o.pending = ""
	return nil
}

// Require returns ErrNotAuthorized unless caller is the owner of c.
func Require(c Capability, caller string) error {
	if !c.IsOwner(caller) {
		return ErrNotAuthorized.WithDetails("caller", caller)
	}
	return nil
}
