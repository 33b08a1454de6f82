package verifiedtrust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmail/core/internal/peerstate"
	"github.com/veilmail/core/internal/store/sqlitestore"
	"github.com/veilmail/core/internal/types"
)

func newTestChecker(t *testing.T) (*Checker, *sqlitestore.Sqlite, *peerstate.Store) {
	t.Helper()
	db := &sqlitestore.Sqlite{}
	require.NoError(t, db.Open(":memory:"))
	require.NoError(t, db.CreateSchema(context.Background(), true))
	t.Cleanup(func() { _ = db.Close() })
	peers := peerstate.New(db)
	return New(db, peers), db, peers
}

func TestCheckIncomingBreaksOnSignerMismatch(t *testing.T) {
	c, db, peers := newTestChecker(t)
	ctx := context.Background()

	require.NoError(t, db.ContactUpsert(ctx, &types.Contact{PrimaryAddr: "bob@example.com"}))
	contact, err := db.ContactGetByAddr(ctx, "bob@example.com")
	require.NoError(t, err)

	_, err = peers.MarkVerified(ctx, "bob@example.com", "fpr-good", "me@example.com")
	require.NoError(t, err)

	chat := &types.Chat{Type: types.ChatTypeGroup, Protection: types.ProtectionProtected}
	require.NoError(t, db.ChatCreate(ctx, chat))
	require.NoError(t, db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: contact.ID, AddTimestamp: 1}))

	out, err := c.CheckIncoming(ctx, chat, "bob@example.com", map[string]bool{"fpr-bad": true}, true)
	require.NoError(t, err)
	assert.True(t, out.Transitioned)
	assert.Equal(t, types.ProtectionBroken, out.NewProtection)
}

func TestCheckIncomingStaysProtectedOnMatch(t *testing.T) {
	c, db, peers := newTestChecker(t)
	ctx := context.Background()

	require.NoError(t, db.ContactUpsert(ctx, &types.Contact{PrimaryAddr: "bob@example.com"}))
	contact, err := db.ContactGetByAddr(ctx, "bob@example.com")
	require.NoError(t, err)
	_, err = peers.MarkVerified(ctx, "bob@example.com", "fpr-good", "me@example.com")
	require.NoError(t, err)

	chat := &types.Chat{Type: types.ChatTypeGroup, Protection: types.ProtectionProtected}
	require.NoError(t, db.ChatCreate(ctx, chat))
	require.NoError(t, db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: contact.ID, AddTimestamp: 1}))

	out, err := c.CheckIncoming(ctx, chat, "bob@example.com", map[string]bool{"fpr-good": true}, true)
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.Equal(t, types.ProtectionProtected, out.NewProtection)
}

func TestCheckIncomingBreaksOnUnsignedMessage(t *testing.T) {
	c, db, _ := newTestChecker(t)
	ctx := context.Background()
	chat := &types.Chat{Type: types.ChatTypeGroup, Protection: types.ProtectionProtected}
	require.NoError(t, db.ChatCreate(ctx, chat))

	out, err := c.CheckIncoming(ctx, chat, "bob@example.com", nil, false)
	require.NoError(t, err)
	assert.True(t, out.Transitioned)
}

func TestAcceptBrokenDowngrades(t *testing.T) {
	c, db, _ := newTestChecker(t)
	ctx := context.Background()
	chat := &types.Chat{Type: types.ChatTypeGroup, Protection: types.ProtectionBroken}
	require.NoError(t, db.ChatCreate(ctx, chat))

	require.NoError(t, c.AcceptBroken(ctx, chat))
	assert.Equal(t, types.ProtectionUnprotected, chat.Protection)
}

func TestTryUpgradeRequiresAllVerified(t *testing.T) {
	c, db, peers := newTestChecker(t)
	ctx := context.Background()

	require.NoError(t, db.ContactUpsert(ctx, &types.Contact{PrimaryAddr: "bob@example.com"}))
	contact, _ := db.ContactGetByAddr(ctx, "bob@example.com")

	chat := &types.Chat{Type: types.ChatTypeGroup, Protection: types.ProtectionUnprotected}
	require.NoError(t, db.ChatCreate(ctx, chat))
	require.NoError(t, db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: contact.ID, AddTimestamp: 1}))

	ok, err := c.TryUpgrade(ctx, chat, map[string]string{})
	require.NoError(t, err)
	assert.False(t, ok, "unverified member must block upgrade")

	_, err = peers.MarkVerified(ctx, "bob@example.com", "fpr1", "me@example.com")
	require.NoError(t, err)

	ok, err = c.TryUpgrade(ctx, chat, map[string]string{"bob@example.com": "fpr1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ProtectionProtected, chat.Protection)
}
