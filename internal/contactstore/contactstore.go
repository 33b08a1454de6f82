// Package contactstore implements the "add-or-lookup" contact upsert rule
// (spec.md §4.3), adapted from the merge-on-login logic in teacher's
// server/store/types/types.go (Uid-keyed user records merged by origin of
// first contact) generalized to mail addresses and an explicit Origin
// ordering.
package contactstore

import (
	"context"

	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/types"
)

// Store resolves and upserts contacts against a backing Adapter.
type Store struct {
	db       adapter.Adapter
	selfAddr string
}

// New builds a Store. selfAddr is the local account's own normalized
// address, checked first so messages from/to self resolve to ContactIDSelf.
func New(db adapter.Adapter, selfAddr string) *Store {
	return &Store{db: db, selfAddr: types.NormalizeAddr(selfAddr)}
}

// Upsert implements the rule from spec.md §4.3: normalize, short-circuit on
// self, then either update the existing row under the merge rules or
// insert a new one.
func (s *Store) Upsert(ctx context.Context, displayName, address string, origin types.Origin, isSignedFrom bool) (*types.Contact, error) {
	addr := types.NormalizeAddr(address)
	if addr == s.selfAddr {
		return &types.Contact{ID: types.ContactIDSelf, PrimaryAddr: addr, Name: displayName}, nil
	}

	existing, err := s.db.ContactGetByAddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		c := &types.Contact{
			PrimaryAddr: addr,
			Name:        displayName,
			Origin:      origin,
		}
		if isSignedFrom {
			c.Authname = displayName
		}
		if err := s.db.ContactUpsert(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	nameWasUnset := existing.Name == "" || existing.Name == existing.Authname
	if isSignedFrom && displayName != existing.Authname {
		existing.Authname = displayName
	}
	if nameWasUnset || origin > existing.Origin {
		if displayName != "" {
			existing.Name = displayName
		}
	}
	if origin > existing.Origin {
		existing.Origin = origin
	}
	if err := s.db.ContactUpsert(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// Get returns a contact by id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id types.ContactID) (*types.Contact, error) {
	if id == types.ContactIDSelf {
		return &types.Contact{ID: types.ContactIDSelf, PrimaryAddr: s.selfAddr}, nil
	}
	return s.db.ContactGet(ctx, id)
}

// SetBlocked flips the blocked flag on a contact (user "block"/"accept" action).
func (s *Store) SetBlocked(ctx context.Context, id types.ContactID, blocked bool) error {
	return s.db.ContactSetBlocked(ctx, id, blocked)
}
