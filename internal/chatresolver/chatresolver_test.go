package chatresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmail/core/internal/mimeparser"
	"github.com/veilmail/core/internal/store/sqlitestore"
	"github.com/veilmail/core/internal/types"
)

func newTestResolver(t *testing.T) (*Resolver, *sqlitestore.Sqlite) {
	t.Helper()
	db := &sqlitestore.Sqlite{}
	require.NoError(t, db.Open(":memory:"))
	require.NoError(t, db.CreateSchema(context.Background(), true))
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "me@example.com", false), db
}

func TestStemmedSubjectStripsRepeatedPrefixes(t *testing.T) {
	assert.Equal(t, "Trip plans", stemmedSubject("Re: Re: Fwd: Trip plans"))
	assert.Equal(t, "Trip plans", stemmedSubject("AW: Trip plans"))
	assert.Equal(t, "No prefix", stemmedSubject("No prefix"))
}

func TestInitialBlockState(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	blocked, err := r.initialBlockState(ctx, Outbound, false, nil)
	require.NoError(t, err)
	assert.Equal(t, types.BlockNot, blocked)

	blocked, err = r.initialBlockState(ctx, Inbound, false, []types.ContactID{99})
	require.NoError(t, err)
	assert.Equal(t, types.BlockRequest, blocked, "no prior outgoing message to any member, so inbound starts Request")

	blocked, err = r.initialBlockState(ctx, Inbound, true, nil)
	require.NoError(t, err)
	assert.Equal(t, types.BlockNot, blocked, "bot exception always starts Not")
}

// Condition (a) of spec.md §4.4's contact-request gate: Self having
// previously sent to a member already present in some chat means a newly
// resolved inbound chat starts Not, not Request.
func TestInitialBlockStateOutgoingHistoryGrantsNot(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, db.ContactUpsert(ctx, &types.Contact{PrimaryAddr: "bob@example.com"}))
	bob, err := db.ContactGetByAddr(ctx, "bob@example.com")
	require.NoError(t, err)

	chat := &types.Chat{Type: types.ChatTypeSingle, Name: "bob"}
	require.NoError(t, db.ChatCreate(ctx, chat))
	require.NoError(t, db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: bob.ID, AddTimestamp: 1}))
	require.NoError(t, db.MessageSave(ctx, &types.Message{
		Rfc724Mid: "sent1@x", ChatID: chat.ID, FromID: types.ContactIDSelf,
		State: types.MsgStateOutDelivered, TimestampSort: 100, TimestampSent: 100,
	}))

	blocked, err := r.initialBlockState(ctx, Inbound, false, []types.ContactID{bob.ID})
	require.NoError(t, err)
	assert.Equal(t, types.BlockNot, blocked)
}

func TestIsPrivateReply(t *testing.T) {
	pm := &mimeparser.ParsedMessage{To: []string{"me@example.com"}}
	assert.True(t, isPrivateReply(pm, "me@example.com"))

	pm2 := &mimeparser.ParsedMessage{To: []string{"me@example.com", "carol@example.com"}}
	assert.False(t, isPrivateReply(pm2, "me@example.com"))

	pm3 := &mimeparser.ParsedMessage{To: []string{"me@example.com"}, Group: mimeparser.GroupHeaders{GroupID: "g1"}}
	assert.False(t, isPrivateReply(pm3, "me@example.com"))
}

func TestMailingListID(t *testing.T) {
	pm := &mimeparser.ParsedMessage{ListID: "discuss.example.com"}
	assert.Equal(t, "discuss.example.com", mailingListID(pm))
}

func TestChatContainsAll(t *testing.T) {
	members := []types.ChatMember{
		{ContactID: 10, AddTimestamp: 100},
		{ContactID: 11, AddTimestamp: 100, RemoveTimestamp: 200},
	}
	assert.True(t, chatContainsAll(members, []types.ContactID{10}))
	assert.False(t, chatContainsAll(members, []types.ContactID{10, 11}), "11 was removed after add")
}
