// Package chatresolver implements ChatResolver (spec.md §4.4): given a
// parsed message, determine which chat it belongs to, whether that chat is
// newly created, and its initial blocked state. Adapted from the
// subscribe-or-create topic-lookup logic in teacher's server/topic.go and
// server/hub.go (routing by an explicit name, then by a derived p2p name,
// then falling through to creation), generalized to mail's richer
// header-driven routing rules.
package chatresolver

import (
	"context"
	"sort"
	"strings"

	"github.com/veilmail/core/internal/mimeparser"
	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/types"
)

// Resolver resolves chats against a backing Adapter.
type Resolver struct {
	db       adapter.Adapter
	selfAddr string
	isBot    bool
}

func New(db adapter.Adapter, selfAddr string, isBot bool) *Resolver {
	return &Resolver{db: db, selfAddr: types.NormalizeAddr(selfAddr), isBot: isBot}
}

// Result is the outcome of Resolve.
type Result struct {
	Chat      *types.Chat
	IsNew     bool
	Direction Direction
}

// Direction records whether the message being resolved is inbound or
// outbound, since the contact-request gate and blocked defaults depend on it.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Resolve applies the rules of spec.md §4.4 in priority order; first match
// wins. resolvedContacts maps an address to its upserted ContactID (zero
// when it cannot be resolved); it is used for pm.From on inbound messages
// and for the first To address on an outbound 1:1.
func (r *Resolver) Resolve(ctx context.Context, pm *mimeparser.ParsedMessage, dir Direction, resolvedContacts func(addr string) types.ContactID) (*Result, error) {
	// 1. Explicit group by Chat-Group-ID.
	if pm.Group.GroupID != "" {
		if c, err := r.db.ChatGetByGrpid(ctx, pm.Group.GroupID); err != nil {
			return nil, err
		} else if c != nil {
			return &Result{Chat: c}, nil
		}
		if pm.Group.GroupName != "" {
			members := r.recipientSet(pm, resolvedContacts)
			if len(members) > 0 {
				return r.createGroup(ctx, pm, members, dir)
			}
		}
	}

	// 2. Mailing list.
	if listID := mailingListID(pm); listID != "" {
		if c, err := r.db.ChatGetByListID(ctx, listID); err != nil {
			return nil, err
		} else if c != nil {
			return &Result{Chat: c}, nil
		}
		return r.createMailinglist(ctx, listID, pm, dir)
	}

	// 3. Securejoin system message.
	if pm.SecureJoin != "" {
		other := otherParty(pm, r.selfAddr)
		if other != "" {
			return r.resolveSingle(ctx, resolvedContacts(other), dir)
		}
	}

	// 4. Private reply detection.
	if isPrivateReply(pm, r.selfAddr) && pm.InReplyTo != "" {
		if refMsg, err := r.db.MessageGetByRfc724Mid(ctx, pm.InReplyTo); err == nil && refMsg != nil {
			return r.resolveSingle(ctx, resolvedContacts(pm.From), dir)
		}
	}

	// 5. Thread continuation.
	refs := append([]string{}, pm.InReplyTo)
	refs = append(refs, pm.References...)
	recipientIDs := recipientContactIDs(pm, resolvedContacts)
	for _, mid := range refs {
		if mid == "" {
			continue
		}
		msg, err := r.db.MessageGetByRfc724Mid(ctx, mid)
		if err != nil {
			return nil, err
		}
		if msg == nil || msg.ChatID == types.ChatIDTrash {
			continue
		}
		chat, err := r.db.ChatGet(ctx, msg.ChatID)
		if err != nil || chat == nil {
			continue
		}
		members, err := r.db.MembersForChat(ctx, msg.ChatID)
		if err != nil {
			return nil, err
		}
		if chatContainsAll(members, recipientIDs) {
			return &Result{Chat: chat}, nil
		}
	}

	// 6. Ad-hoc group.
	members := r.recipientSet(pm, resolvedContacts)
	if len(members) >= 2 && !pm.ChatVersion {
		if c, err := r.db.ChatGetAdHocByMemberSet(ctx, members); err != nil {
			return nil, err
		} else if c != nil {
			return &Result{Chat: c}, nil
		}
		return r.createAdHocGroup(ctx, members, pm, dir)
	}

	// 7. 1:1 fallback.
	var otherID types.ContactID
	if dir == Inbound {
		otherID = resolvedContacts(pm.From)
	} else if len(pm.To) > 0 {
		otherID = resolvedContacts(pm.To[0])
	}
	return r.resolveSingle(ctx, otherID, dir)
}

func (r *Resolver) resolveSingle(ctx context.Context, other types.ContactID, dir Direction) (*Result, error) {
	if other.IsZero() {
		return nil, nil
	}
	c, err := r.db.ChatGetSingleWith(ctx, other)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return &Result{Chat: c}, nil
	}
	blocked, err := r.initialBlockState(ctx, dir, false, []types.ContactID{other})
	if err != nil {
		return nil, err
	}
	chat := &types.Chat{Type: types.ChatTypeSingle, Blocked: blocked}
	if err := r.db.ChatCreate(ctx, chat); err != nil {
		return nil, err
	}
	now := types.TimeNow().Unix()
	if err := r.db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: other, AddTimestamp: now}); err != nil {
		return nil, err
	}
	return &Result{Chat: chat, IsNew: true}, nil
}

func (r *Resolver) createGroup(ctx context.Context, pm *mimeparser.ParsedMessage, members []types.ContactID, dir Direction) (*Result, error) {
	protection := types.ProtectionUnprotected
	if pm.Group.Verified {
		protection = types.ProtectionProtected
	}
	blocked, err := r.initialBlockState(ctx, dir, false, members)
	if err != nil {
		return nil, err
	}
	chat := &types.Chat{
		Type:       types.ChatTypeGroup,
		Name:       pm.Group.GroupName,
		Grpid:      pm.Group.GroupID,
		Protection: protection,
		Blocked:    blocked,
	}
	if err := r.db.ChatCreate(ctx, chat); err != nil {
		return nil, err
	}
	now := types.TimeNow().Unix()
	for _, m := range members {
		if err := r.db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: m, AddTimestamp: now}); err != nil {
			return nil, err
		}
	}
	return &Result{Chat: chat, IsNew: true}, nil
}

func (r *Resolver) createAdHocGroup(ctx context.Context, members []types.ContactID, pm *mimeparser.ParsedMessage, dir Direction) (*Result, error) {
	blocked, err := r.initialBlockState(ctx, dir, false, members)
	if err != nil {
		return nil, err
	}
	chat := &types.Chat{
		Type:    types.ChatTypeGroup,
		Name:    stemmedSubject(pm.Subject),
		Blocked: blocked,
	}
	if err := r.db.ChatCreate(ctx, chat); err != nil {
		return nil, err
	}
	now := types.TimeNow().Unix()
	for _, m := range members {
		if err := r.db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: m, AddTimestamp: now}); err != nil {
			return nil, err
		}
	}
	return &Result{Chat: chat, IsNew: true}, nil
}

func (r *Resolver) createMailinglist(ctx context.Context, listID string, pm *mimeparser.ParsedMessage, dir Direction) (*Result, error) {
	blocked, err := r.initialBlockState(ctx, dir, r.isBot, nil)
	if err != nil {
		return nil, err
	}
	chat := &types.Chat{
		Type:     types.ChatTypeMailinglist,
		Name:     pm.Subject,
		ListPost: listID,
		Blocked:  blocked,
	}
	if err := r.db.ChatCreate(ctx, chat); err != nil {
		return nil, err
	}
	return &Result{Chat: chat, IsNew: true}, nil
}

// initialBlockState implements the contact-request gate (spec.md §4.4):
// outgoing-only chats, and mailing lists addressed to a bot, start Not.
// A newly-created inbound chat also starts Not if Self has previously sent
// a message into any chat that currently has one of members present —
// condition (a) of the gate; anything else newly inbound starts Request.
func (r *Resolver) initialBlockState(ctx context.Context, dir Direction, botException bool, members []types.ContactID) (types.BlockStatus, error) {
	if dir == Outbound || botException {
		return types.BlockNot, nil
	}
	if len(members) > 0 {
		sent, err := r.db.HasOutgoingTo(ctx, members)
		if err != nil {
			return types.BlockRequest, err
		}
		if sent {
			return types.BlockNot, nil
		}
	}
	return types.BlockRequest, nil
}

func (r *Resolver) recipientSet(pm *mimeparser.ParsedMessage, resolvedContacts func(addr string) types.ContactID) []types.ContactID {
	seen := map[types.ContactID]bool{}
	var ids []types.ContactID
	add := func(addr string) {
		if addr == r.selfAddr || addr == "" {
			return
		}
		id := resolvedContacts(addr)
		if id.IsZero() || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(pm.From)
	for _, a := range pm.To {
		add(a)
	}
	for _, a := range pm.Cc {
		add(a)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func recipientContactIDs(pm *mimeparser.ParsedMessage, resolvedContacts func(addr string) types.ContactID) []types.ContactID {
	var ids []types.ContactID
	for _, a := range append(append([]string{pm.From}, pm.To...), pm.Cc...) {
		if a == "" {
			continue
		}
		ids = append(ids, resolvedContacts(a))
	}
	return ids
}

func chatContainsAll(members []types.ChatMember, want []types.ContactID) bool {
	present := map[types.ContactID]bool{}
	for _, m := range members {
		if m.Present() {
			present[m.ContactID] = true
		}
	}
	for _, w := range want {
		if !present[w] {
			return false
		}
	}
	return true
}

func mailingListID(pm *mimeparser.ParsedMessage) string {
	return strings.TrimSpace(pm.ListID)
}

// otherParty returns the single non-self address among From/To for a
// securejoin system message.
func otherParty(pm *mimeparser.ParsedMessage, self string) string {
	if pm.From != "" && pm.From != self {
		return pm.From
	}
	for _, a := range pm.To {
		if a != self {
			return a
		}
	}
	return ""
}

// isPrivateReply detects spec.md §4.4 rule 4: an otherwise group-looking
// message addressed only to Self, with no Chat-Group-ID, replying into a
// thread.
func isPrivateReply(pm *mimeparser.ParsedMessage, self string) bool {
	if pm.Group.GroupID != "" {
		return false
	}
	recipients := 0
	for _, a := range append(append([]string{}, pm.To...), pm.Cc...) {
		if a != self {
			recipients++
		}
	}
	return recipients == 0 && len(pm.To) > 0
}

// stemmedSubject strips a leading chain of reply/forward prefixes
// (Re:, Fwd:, AW:, …), case-insensitively, so ad-hoc group matching treats
// "Re: Re: Trip plans" the same as "Trip plans" (supplemented from
// original_source/ subject-stem heuristics).
func stemmedSubject(subject string) string {
	s := subject
	for {
		trimmed := strings.TrimSpace(s)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = trimmed[3:]
		case strings.HasPrefix(lower, "fwd:"):
			s = trimmed[4:]
		case strings.HasPrefix(lower, "fw:"):
			s = trimmed[3:]
		case strings.HasPrefix(lower, "aw:"):
			s = trimmed[3:]
		default:
			return trimmed
		}
	}
}
