package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/terminal-bench/dvpsettle/pkg/messaging"
)

var ErrPermissionDenied = errors.New("permission denied")

// Account is an opaque principal handle. Two accounts are the same party
// exactly when the handles compare equal.
type Account string

func (a Account) String() string { return string(a) }

// Registry is the compliance whitelist consulted by every ledger bound to it.
// Only the administrator may change membership.
type Registry struct {
	admin      Account
	authorized map[Account]bool
	mu         sync.RWMutex
	msgClient  *messaging.Client
}

// NewRegistry creates a registry administered by admin
func NewRegistry(admin Account, msgClient *messaging.Client) *Registry {
	return &Registry{
		admin:      admin,
		authorized: make(map[Account]bool),
		msgClient:  msgClient,
	}
}

// Admin returns the administrator account
func (r *Registry) Admin() Account { return r.admin }

// SetAuthorized sets whitelist membership for an account. Idempotent: setting
// an account to its current value succeeds without effect.
func (r *Registry) SetAuthorized(ctx context.Context, caller, account Account, flag bool) error {
	if caller != r.admin {
		return ErrPermissionDenied
	}

	r.mu.Lock()
	if flag {
		r.authorized[account] = true
	} else {
		delete(r.authorized, account)
	}
	r.mu.Unlock()

	r.msgClient.Publish(ctx, messaging.EventTypeRegistryUpdated, messaging.RegistryEvent{
		Account:    account.String(),
		Authorized: flag,
	})

	return nil
}

// IsAuthorized reports whitelist membership. Unknown accounts are simply not
// authorized; this never errors.
func (r *Registry) IsAuthorized(account Account) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authorized[account]
}
