package groupstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmail/core/internal/mimeparser"
	"github.com/veilmail/core/internal/peerstate"
	"github.com/veilmail/core/internal/store/sqlitestore"
	"github.com/veilmail/core/internal/types"
)

func newTestMachine(t *testing.T) (*Machine, *sqlitestore.Sqlite) {
	t.Helper()
	db := &sqlitestore.Sqlite{}
	require.NoError(t, db.Open(":memory:"))
	require.NoError(t, db.CreateSchema(context.Background(), true))
	t.Cleanup(func() { _ = db.Close() })
	return New(db, peerstate.New(db)), db
}

func newChat(t *testing.T, db *sqlitestore.Sqlite, grpid string) *types.Chat {
	t.Helper()
	chat := &types.Chat{Type: types.ChatTypeGroup, Grpid: grpid, Name: "G"}
	require.NoError(t, db.ChatCreate(context.Background(), chat))
	return chat
}

func TestApplyWithTimestampsAddsAndRemoves(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	chat := newChat(t, db, "Gabc")
	require.NoError(t, db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: 11, AddTimestamp: 50}))

	pm := &mimeparser.ParsedMessage{Group: mimeparser.GroupHeaders{MemberTimestamps: []int64{100, 200}}}
	delta, err := m.Apply(ctx, chat, pm, []types.ContactID{10}, []types.ContactID{11}, 150)
	require.NoError(t, err)
	assert.Contains(t, delta.Added, types.ContactID(10))
	assert.Contains(t, delta.Removed, types.ContactID(11))
}

func TestReorderedTimestampsConverge(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	chat := newChat(t, db, "Gabc")

	addThenRemove := &mimeparser.ParsedMessage{Group: mimeparser.GroupHeaders{MemberTimestamps: []int64{100}}}
	_, err := m.Apply(ctx, chat, addThenRemove, []types.ContactID{20}, nil, 100)
	require.NoError(t, err)

	removeMsg := &mimeparser.ParsedMessage{Group: mimeparser.GroupHeaders{MemberTimestamps: []int64{200}}}
	_, err = m.Apply(ctx, chat, removeMsg, nil, []types.ContactID{20}, 200)
	require.NoError(t, err)

	reapplyAdd := &mimeparser.ParsedMessage{Group: mimeparser.GroupHeaders{MemberTimestamps: []int64{100}}}
	_, err = m.Apply(ctx, chat, reapplyAdd, []types.ContactID{20}, nil, 100)
	require.NoError(t, err)

	mem, err := db.MemberGet(ctx, chat.ID, 20)
	require.NoError(t, err)
	assert.False(t, mem.Present(), "member removed at t=200 must stay removed after a stale t=100 re-add")
}

func TestMUARulesOnlyAdd(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	chat := newChat(t, db, "Gabc")
	require.NoError(t, db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: 30, AddTimestamp: 50}))

	pm := &mimeparser.ParsedMessage{}
	delta, err := m.Apply(ctx, chat, pm, []types.ContactID{30, 31}, nil, 999)
	require.NoError(t, err)
	assert.Contains(t, delta.Added, types.ContactID(31))

	mem30, err := db.MemberGet(ctx, chat.ID, 30)
	require.NoError(t, err)
	assert.True(t, mem30.Present(), "MUA reply must never remove an existing member")
}

func TestSelfRemovalSticky(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	chat := newChat(t, db, "Gabc")
	require.NoError(t, db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: 1, AddTimestamp: 100, RemoveTimestamp: 500}))

	pm := &mimeparser.ParsedMessage{}
	_, err := m.Apply(ctx, chat, pm, []types.ContactID{1}, nil, 200)
	require.NoError(t, err)

	mem, err := db.MemberGet(ctx, chat.ID, 1)
	require.NoError(t, err)
	assert.False(t, mem.Present(), "message older than removal must not re-add the member")
}

func TestProtectedChatRejectsUnauthorizedAdd(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	chat := &types.Chat{Type: types.ChatTypeGroup, Grpid: "Gprot", Name: "G", Protection: types.ProtectionProtected}
	require.NoError(t, db.ChatCreate(ctx, chat))

	pm := &mimeparser.ParsedMessage{From: "adder@example.com"}
	delta, err := m.Apply(ctx, chat, pm, []types.ContactID{50}, nil, 100)
	require.NoError(t, err)
	assert.NotContains(t, delta.Added, types.ContactID(50), "unsigned adder must not add a member to a Protected chat")

	mem, err := db.MemberGet(ctx, chat.ID, 50)
	require.NoError(t, err)
	assert.False(t, mem != nil && mem.Present(), "rejected addition must leave the member absent")
}

func TestProtectedChatAllowsVerifiedAdd(t *testing.T) {
	m, db := newTestMachine(t)
	peers := peerstate.New(db)
	ctx := context.Background()
	chat := &types.Chat{Type: types.ChatTypeGroup, Grpid: "Gprot2", Name: "G", Protection: types.ProtectionProtected}
	require.NoError(t, db.ChatCreate(ctx, chat))

	require.NoError(t, db.ContactUpsert(ctx, &types.Contact{PrimaryAddr: "newmember@example.com"}))
	newMember, err := db.ContactGetByAddr(ctx, "newmember@example.com")
	require.NoError(t, err)

	_, err = peers.MarkVerified(ctx, "adder@example.com", "fpr-adder", "me@example.com")
	require.NoError(t, err)
	_, err = peers.MarkVerified(ctx, "newmember@example.com", "fpr-newmember", "me@example.com")
	require.NoError(t, err)

	pm := &mimeparser.ParsedMessage{From: "adder@example.com", SignerFingerprints: map[string]bool{"fpr-adder": true}}
	delta, err := m.Apply(ctx, chat, pm, []types.ContactID{newMember.ID}, nil, 100)
	require.NoError(t, err)
	assert.Contains(t, delta.Added, newMember.ID, "a verified adder adding an already-verified member must succeed")
}

func TestIdempotentApply(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	chat := newChat(t, db, "Gabc")
	pm := &mimeparser.ParsedMessage{Group: mimeparser.GroupHeaders{MemberTimestamps: []int64{100}}}

	_, err := m.Apply(ctx, chat, pm, []types.ContactID{40}, nil, 100)
	require.NoError(t, err)
	mem1, err := db.MemberGet(ctx, chat.ID, 40)
	require.NoError(t, err)

	_, err = m.Apply(ctx, chat, pm, []types.ContactID{40}, nil, 100)
	require.NoError(t, err)
	mem2, err := db.MemberGet(ctx, chat.ID, 40)
	require.NoError(t, err)

	assert.Equal(t, mem1.AddTimestamp, mem2.AddTimestamp)
}
