// Package groupstate implements GroupStateMachine (spec.md §4.5): the
// per-member monotonic timestamp map that reconciles group membership from
// both protocol headers and classical-MUA replies. Adapted from the
// subscription/presence reconciliation teacher's server/topic.go performs
// on join/leave (per-subscriber state kept authoritative against the most
// recent action, never against wall-clock receive order).
package groupstate

import (
	"context"
	"time"

	"github.com/veilmail/core/internal/mimeparser"
	"github.com/veilmail/core/internal/peerstate"
	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/types"
)

const staleAfter = 60 * 24 * time.Hour

// Machine applies GroupStateMachine deltas against a backing Adapter.
type Machine struct {
	db    adapter.Adapter
	peers *peerstate.Store
}

func New(db adapter.Adapter, peers *peerstate.Store) *Machine {
	return &Machine{db: db, peers: peers}
}

// Delta summarizes what changed, for event emission and VerifiedTrust checks.
type Delta struct {
	Added    []types.ContactID
	Removed  []types.ContactID
	Renamed  bool
	Changed  bool
}

// Apply reconciles a group chat's membership against an incoming message,
// per spec.md §4.5. recipientIDs is To+Cc resolved to ContactIDs, in header
// order; pastMemberIDs is Chat-Group-Past-Members resolved the same way.
// claimedTs is the message's claimed send time in unix seconds.
func (m *Machine) Apply(ctx context.Context, chat *types.Chat, pm *mimeparser.ParsedMessage, recipientIDs, pastMemberIDs []types.ContactID, claimedTs int64) (*Delta, error) {
	delta := &Delta{}

	adderVerified, err := m.adderSignedByVerifiedKey(ctx, pm.From, pm.SignerFingerprints)
	if err != nil {
		return nil, err
	}

	hasTimestamps := len(pm.Group.MemberTimestamps) == len(recipientIDs)+len(pastMemberIDs) && len(pm.Group.MemberTimestamps) > 0

	if hasTimestamps {
		if err := m.applyWithTimestamps(ctx, chat, pm, recipientIDs, pastMemberIDs, adderVerified, delta); err != nil {
			return nil, err
		}
	} else {
		if err := m.applyMUARules(ctx, chat, recipientIDs, claimedTs, adderVerified, delta); err != nil {
			return nil, err
		}
	}

	if err := m.applySystemHeaders(ctx, chat, pm, claimedTs, delta); err != nil {
		return nil, err
	}

	return delta, nil
}

func (m *Machine) applyWithTimestamps(ctx context.Context, chat *types.Chat, pm *mimeparser.ParsedMessage, recipientIDs, pastMemberIDs []types.ContactID, adderVerified bool, delta *Delta) error {
	ts := pm.Group.MemberTimestamps
	idx := 0
	for _, r := range recipientIDs {
		if err := m.bumpPresent(ctx, chat, r, ts[idx], adderVerified, delta); err != nil {
			return err
		}
		idx++
	}
	for _, p := range pastMemberIDs {
		if err := m.bumpAbsent(ctx, chat.ID, p, ts[idx], delta); err != nil {
			return err
		}
		idx++
	}
	return nil
}

// bumpPresent sets T[contact] := ts if ts is newer, ensuring presence. In a
// Protected chat, a transition into presence (an actual addition) is only
// honored if the enclosing message was signed by the adder's verified key
// and the new member already has a locally verified key (spec.md §3, §4.5,
// §4.6) — an unauthorized addition is rejected outright rather than applied,
// so a Protected chat never ends up with an unverified member.
func (m *Machine) bumpPresent(ctx context.Context, chat *types.Chat, contact types.ContactID, ts int64, adderVerified bool, delta *Delta) error {
	cur, err := m.db.MemberGet(ctx, chat.ID, contact)
	if err != nil {
		return err
	}
	wasPresent := cur != nil && cur.Present()
	if cur == nil {
		cur = &types.ChatMember{ChatID: chat.ID, ContactID: contact}
	}
	if ts <= cur.AddTimestamp {
		return nil
	}
	if !wasPresent {
		ok, err := m.additionAuthorized(ctx, chat, contact, adderVerified)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	cur.AddTimestamp = ts
	if err := m.db.MemberUpsert(ctx, cur); err != nil {
		return err
	}
	if !wasPresent {
		delta.Added = append(delta.Added, contact)
		delta.Changed = true
	}
	return nil
}

// additionAuthorized reports whether contact may be newly added to chat.
// Unprotected/Broken chats place no restriction; a Protected chat requires
// both halves of spec.md §8's verified-group-member-additions property.
func (m *Machine) additionAuthorized(ctx context.Context, chat *types.Chat, contact types.ContactID, adderVerified bool) (bool, error) {
	if chat.Protection != types.ProtectionProtected {
		return true, nil
	}
	if !adderVerified {
		return false, nil
	}
	c, err := m.db.ContactGet(ctx, contact)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}
	p, err := m.peers.Peek(ctx, c.PrimaryAddr)
	if err != nil {
		return false, err
	}
	return p != nil && p.VerifiedKeyFingerprint != "", nil
}

// adderSignedByVerifiedKey reports whether the message was signed by the
// sender's own locally verified key.
func (m *Machine) adderSignedByVerifiedKey(ctx context.Context, fromAddr string, signedBy map[string]bool) (bool, error) {
	p, err := m.peers.Peek(ctx, fromAddr)
	if err != nil {
		return false, err
	}
	if p == nil || p.VerifiedKeyFingerprint == "" {
		return false, nil
	}
	return signedBy[p.VerifiedKeyFingerprint], nil
}

// bumpAbsent sets T[contact] := ts if ts is newer, ensuring absence. Per
// the self-removal-sticky rule (spec.md §4.5), a later removal always
// wins over an earlier add, regardless of arrival order.
func (m *Machine) bumpAbsent(ctx context.Context, chatID types.ChatID, contact types.ContactID, ts int64, delta *Delta) error {
	cur, err := m.db.MemberGet(ctx, chatID, contact)
	if err != nil {
		return err
	}
	wasPresent := cur != nil && cur.Present()
	if cur == nil {
		cur = &types.ChatMember{ChatID: chatID, ContactID: contact}
	}
	if ts <= cur.RemoveTimestamp {
		return nil
	}
	cur.RemoveTimestamp = ts
	if err := m.db.MemberUpsert(ctx, cur); err != nil {
		return err
	}
	if wasPresent {
		delta.Removed = append(delta.Removed, contact)
		delta.Changed = true
	}
	return nil
}

// applyMUARules implements the "classical MUA" weaker rule set (spec.md
// §4.5): a reply may add recipients but must never remove one; absent
// members are simply left alone.
func (m *Machine) applyMUARules(ctx context.Context, chat *types.Chat, recipientIDs []types.ContactID, claimedTs int64, adderVerified bool, delta *Delta) error {
	for _, r := range recipientIDs {
		cur, err := m.db.MemberGet(ctx, chat.ID, r)
		if err != nil {
			return err
		}
		if cur != nil && cur.Present() {
			continue
		}
		if cur != nil && cur.RemoveTimestamp >= claimedTs {
			// Self-removal sticky: a message no newer than the removal
			// must not re-add the member.
			continue
		}
		ok, err := m.additionAuthorized(ctx, chat, r, adderVerified)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if cur == nil {
			cur = &types.ChatMember{ChatID: chat.ID, ContactID: r}
		}
		cur.AddTimestamp = claimedTs
		if err := m.db.MemberUpsert(ctx, cur); err != nil {
			return err
		}
		delta.Added = append(delta.Added, r)
		delta.Changed = true
	}
	return nil
}

// applySystemHeaders applies explicit group system headers when claimedTs is
// strictly newer than the chat's recorded MemberListTimestamp (or none is
// recorded). Only Chat-Group-Name-Changed takes effect: it stores the new
// Chat-Group-Name. Chat-Group-Member-Added and Chat-Group-Member-Removed are
// not read here, so membership changes only through the member-timestamp and
// MUA paths; a Chat-Group-Avatar header triggers a chat update, but the
// avatar itself is not stored.
func (m *Machine) applySystemHeaders(ctx context.Context, chat *types.Chat, pm *mimeparser.ParsedMessage, claimedTs int64, delta *Delta) error {
	if claimedTs <= chat.MemberListTimestamp.Unix() && !chat.MemberListTimestamp.IsZero() {
		return nil
	}
	changed := false
	if pm.Group.NameChangedFrom != "" && pm.Group.GroupName != "" && pm.Group.GroupName != chat.Name {
		chat.Name = pm.Group.GroupName
		changed = true
		delta.Renamed = true
	}
	if pm.Group.AvatarDeleted {
		changed = true
	} else if pm.Group.AvatarCID != "" {
		changed = true
	}
	if changed {
		update := map[string]interface{}{"name": chat.Name}
		return m.db.ChatUpdate(ctx, chat.ID, update)
	}
	return nil
}

// IsStale reports whether chat.MemberListTimestamp is more than 60 days old
// (spec.md §4.5). Ingest never sets that field, and IsStale reports false
// while it is zero.
func (m *Machine) IsStale(chat *types.Chat) bool {
	return chat.IsStale(types.TimeNow(), staleAfter)
}
