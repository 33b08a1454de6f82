// Package verifiedtrust implements VerifiedTrust (spec.md §4.6): the
// Unprotected/Protected/ProtectionBroken state machine for a chat's
// verified-group invariant. Adapted from the access-mode transition
// checks in teacher's server/store/types/types.go (AccessMode bitflags
// validated on every mutation) generalized to a three-state protection
// lattice gated by peerstate verification rather than ACL bits.
package verifiedtrust

import (
	"context"

	"github.com/veilmail/core/internal/peerstate"
	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/types"
)

// Checker evaluates and applies VerifiedTrust transitions against a chat.
type Checker struct {
	db    adapter.Adapter
	peers *peerstate.Store
}

func New(db adapter.Adapter, peers *peerstate.Store) *Checker {
	return &Checker{db: db, peers: peers}
}

// Outcome records whether a transition happened and whether an info
// message must be inserted.
type Outcome struct {
	NewProtection   types.Protection
	Transitioned    bool
	InsertInfoMsg   bool
}

// CheckIncoming evaluates spec.md §4.6's Protected → ProtectionBroken
// triggers for an inbound message: a signer mismatch, a recorded
// Autocrypt key change on any member, or an unsigned (classical) message.
func (c *Checker) CheckIncoming(ctx context.Context, chat *types.Chat, senderAddr string, signerFingerprints map[string]bool, messageSigned bool) (*Outcome, error) {
	if chat.Protection != types.ProtectionProtected {
		return &Outcome{NewProtection: chat.Protection}, nil
	}

	broken := false
	if !messageSigned {
		broken = true
	} else {
		p, err := c.peers.Peek(ctx, senderAddr)
		if err != nil {
			return nil, err
		}
		if p == nil || p.Changed || !signerFingerprints[p.VerifiedKeyFingerprint] {
			broken = true
		}
	}

	if !broken {
		members, err := c.db.MembersForChat(ctx, chat.ID)
		if err != nil {
			return nil, err
		}
		for _, mem := range members {
			if !mem.Present() {
				continue
			}
			contact, err := c.db.ContactGet(ctx, mem.ContactID)
			if err != nil || contact == nil {
				continue
			}
			p, err := c.peers.Peek(ctx, contact.PrimaryAddr)
			if err != nil {
				return nil, err
			}
			if p != nil && p.Changed {
				broken = true
				break
			}
		}
	}

	if !broken {
		return &Outcome{NewProtection: types.ProtectionProtected}, nil
	}

	if err := c.db.ChatUpdate(ctx, chat.ID, map[string]interface{}{"protection": int(types.ProtectionBroken)}); err != nil {
		return nil, err
	}
	chat.Protection = types.ProtectionBroken
	return &Outcome{NewProtection: types.ProtectionBroken, Transitioned: true, InsertInfoMsg: true}, nil
}

// TryUpgrade attempts Unprotected → Protected for a chat, either via
// secure-join completion or creation-time Chat-Verified: 1 (spec.md §4.6).
// It requires every current member to already be bidirectionally verified.
func (c *Checker) TryUpgrade(ctx context.Context, chat *types.Chat, lastSignerFingerprints map[string]string) (bool, error) {
	if chat.Protection != types.ProtectionUnprotected {
		return false, nil
	}
	members, err := c.db.MembersForChat(ctx, chat.ID)
	if err != nil {
		return false, err
	}
	for _, mem := range members {
		if !mem.Present() {
			continue
		}
		contact, err := c.db.ContactGet(ctx, mem.ContactID)
		if err != nil || contact == nil {
			return false, err
		}
		p, err := c.peers.Peek(ctx, contact.PrimaryAddr)
		if err != nil {
			return false, err
		}
		if p == nil || !p.IsBidirectionallyVerified(lastSignerFingerprints[contact.PrimaryAddr]) {
			return false, nil
		}
	}
	if err := c.db.ChatUpdate(ctx, chat.ID, map[string]interface{}{"protection": int(types.ProtectionProtected)}); err != nil {
		return false, err
	}
	chat.Protection = types.ProtectionProtected
	return true, nil
}

// AcceptBroken implements the user's explicit "accept broken state" action,
// downgrading ProtectionBroken → Unprotected (spec.md §4.6). No send path in
// this module checks a chat's protection; SMTPSender sends in every state.
func (c *Checker) AcceptBroken(ctx context.Context, chat *types.Chat) error {
	if chat.Protection != types.ProtectionBroken {
		return nil
	}
	if err := c.db.ChatUpdate(ctx, chat.ID, map[string]interface{}{"protection": int(types.ProtectionUnprotected)}); err != nil {
		return err
	}
	chat.Protection = types.ProtectionUnprotected
	return nil
}

// PropagateGossip implements the ONLY verification-propagation path that
// doesn't require a direct secure-join (spec.md §4.6): a Protected group
// message's Autocrypt-Gossip entries, signed by the sender's verified key,
// transitively verify each member whose gossiped fingerprint matches what
// the local peerstate already has on file for them.
func (c *Checker) PropagateGossip(ctx context.Context, chat *types.Chat, senderVerified bool, gossip map[string]string, verifierAddr string) error {
	if chat.Protection != types.ProtectionProtected || !senderVerified {
		return nil
	}
	for addr, fpr := range gossip {
		if _, err := c.peers.GossipVerify(ctx, addr, fpr, verifierAddr); err != nil {
			return err
		}
	}
	return nil
}
