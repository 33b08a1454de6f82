// Package peerstate implements the Autocrypt key-state machine (spec.md
// §4.2), adapted from the session/credential bookkeeping shape of
// teacher's server/auth/token/auth_token.go (peek/apply/mark-verified as
// small serialized operations against one row keyed by an identity
// string) generalized from auth tokens to per-address OpenPGP key state.
package peerstate

import (
	"context"
	"time"

	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/types"
)

// Store resolves and mutates Peerstate rows against a backing Adapter.
type Store struct {
	db adapter.Adapter
}

func New(db adapter.Adapter) *Store {
	return &Store{db: db}
}

// Peek returns the current peerstate for addr, or nil if none exists yet.
func (s *Store) Peek(ctx context.Context, addr string) (*types.Peerstate, error) {
	return s.db.PeerstateGet(ctx, types.NormalizeAddr(addr))
}

// Header is the subset of an Autocrypt header this package cares about.
type Header struct {
	Addr          string
	KeyData       []byte
	Fingerprint   string
	PreferEncrypt types.PreferEncrypt
}

// ApplyHeader applies an incoming Autocrypt header per spec.md §4.2.
// messageSignedBy is the set of fingerprints that actually signed the
// message (empty for an unencrypted/unsigned message); messageDate is the
// message's claimed Date header.
func (s *Store) ApplyHeader(ctx context.Context, addr string, h *Header, messageSignedBy map[string]bool, messageDate time.Time) (*types.Peerstate, error) {
	addr = types.NormalizeAddr(addr)
	p, err := s.db.PeerstateGet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &types.Peerstate{Addr: addr}
	}

	if !p.LastSeen.IsZero() && !messageDate.After(p.LastSeen) {
		// Stale header: the message is older than what we've already seen.
		return p, nil
	}
	p.LastSeen = messageDate

	if h != nil && h.Fingerprint != "" && messageSignedBy[h.Fingerprint] {
		// Self-signing Autocrypt header: the message carrying it was signed
		// by the very key it advertises. The candidate key always replaces
		// public_key; verified_key only moves via MarkVerified/GossipVerify.
		if p.VerifiedKeyFingerprint != "" && h.Fingerprint != p.VerifiedKeyFingerprint {
			p.Changed = true
		}
		p.PublicKey = h.KeyData
		p.PublicKeyFingerprint = h.Fingerprint
		p.PreferEncrypt = h.PreferEncrypt
		p.LastSeenAutocrypt = messageDate
	} else if len(messageSignedBy) == 0 && p.PreferEncrypt == types.PreferEncryptMutual {
		p.PreferEncrypt = types.PreferEncryptReset
	}

	if err := s.db.PeerstateUpsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GossipHeader is an Autocrypt-Gossip entry for one member of a group.
type GossipHeader struct {
	Addr        string
	KeyData     []byte
	Fingerprint string
}

// ApplyGossip records a candidate key from in-group gossip. Per spec.md
// §4.2 this never advances last_seen_autocrypt and never bidirectionally
// verifies on its own.
func (s *Store) ApplyGossip(ctx context.Context, g *GossipHeader, containerSignedBy map[string]bool, containerDate time.Time) (*types.Peerstate, error) {
	addr := types.NormalizeAddr(g.Addr)
	p, err := s.db.PeerstateGet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &types.Peerstate{Addr: addr}
	}
	p.GossipKey = g.KeyData
	p.GossipTimestamp = containerDate
	if err := s.db.PeerstateUpsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkVerified records bidirectional verification established via
// secure-join. Called only by the secure-join subsystem (spec.md §4.2).
func (s *Store) MarkVerified(ctx context.Context, addr, fingerprint, verifierAddr string) (*types.Peerstate, error) {
	addr = types.NormalizeAddr(addr)
	p, err := s.db.PeerstateGet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &types.Peerstate{Addr: addr}
	}
	p.VerifiedKey = p.PublicKey
	p.VerifiedKeyFingerprint = fingerprint
	p.VerifierAddr = verifierAddr
	p.Changed = false
	if err := s.db.PeerstateUpsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GossipVerify transitively verifies addr via group gossip, per spec.md
// §4.6: a gossiped fingerprint that matches the verifier's own verified
// fingerprint for that address is accepted without a direct secure-join.
func (s *Store) GossipVerify(ctx context.Context, addr, gossipedFingerprint, verifierAddr string) (*types.Peerstate, error) {
	addr = types.NormalizeAddr(addr)
	p, err := s.db.PeerstateGet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if p == nil || p.VerifiedKeyFingerprint != gossipedFingerprint {
		return p, nil
	}
	p.VerifierAddr = verifierAddr
	if err := s.db.PeerstateUpsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
