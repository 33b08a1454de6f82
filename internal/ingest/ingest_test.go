package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmail/core/internal/events"
	"github.com/veilmail/core/internal/peerstate"
	"github.com/veilmail/core/internal/store/sqlitestore"
	"github.com/veilmail/core/internal/types"
)

func newOrch(t *testing.T) (*Orchestrator, *sqlitestore.Sqlite) {
	t.Helper()
	db := &sqlitestore.Sqlite{}
	require.NoError(t, db.Open(":memory:"))
	require.NoError(t, db.CreateSchema(context.Background(), true))
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "me@example.com", false, nil, events.New(16)), db
}

// Scenario 1: thread reassignment by Chat-Group-ID beats In-Reply-To.
func TestScenarioThreadReassignmentByGroupIDBeatsInReplyTo(t *testing.T) {
	orch, db := newOrch(t)
	ctx := context.Background()

	msgA := "From: bob@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: hi\r\n" +
		"Message-Id: <oneoneone@x>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\n" +
		"hello\r\n"
	require.NoError(t, orch.Ingest(ctx, []byte(msgA)))

	msgB := "From: bob@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: group time\r\n" +
		"Message-Id: <twotwotwo@x>\r\n" +
		"In-Reply-To: <oneoneone@x>\r\n" +
		"Chat-Group-ID: Gxyz\r\n" +
		"Chat-Group-Name: G1\r\n" +
		"Date: Mon, 02 Jan 2006 15:05:05 +0000\r\n\r\n" +
		"let's make a group\r\n"
	require.NoError(t, orch.Ingest(ctx, []byte(msgB)))

	groupChat, err := db.ChatGetByGrpid(ctx, "Gxyz")
	require.NoError(t, err)
	require.NotNil(t, groupChat)
	assert.Equal(t, types.ChatTypeGroup, groupChat.Type)

	bMsg, err := db.MessageGetByRfc724Mid(ctx, "twotwotwo@x")
	require.NoError(t, err)
	require.NotNil(t, bMsg)
	assert.Equal(t, groupChat.ID, bMsg.ChatID, "B must land in the new group chat, not the 1:1")
}

// Scenario 4: an MDN never creates or resurrects a chat.
func TestScenarioMDNDoesNotCreateChat(t *testing.T) {
	orch, db := newOrch(t)
	ctx := context.Background()

	sent := "From: me@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: hi\r\n" +
		"Message-Id: <sentmsg@x>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\n" +
		"hello bob\r\n"
	require.NoError(t, orch.Ingest(ctx, []byte(sent)))

	sentRow, err := db.MessageGetByRfc724Mid(ctx, "sentmsg@x")
	require.NoError(t, err)
	require.NoError(t, db.MessageUpdate(ctx, sentRow.ID, map[string]interface{}{"state": int(types.MsgStateOutDelivered)}))

	chatsBefore, err := db.ChatGet(ctx, sentRow.ChatID)
	require.NoError(t, err)
	require.NotNil(t, chatsBefore)

	mdn := "From: bob@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: Read receipt\r\n" +
		"Message-Id: <mdn1@x>\r\n" +
		"Date: Mon, 02 Jan 2006 16:00:00 +0000\r\n" +
		"Content-Type: multipart/report; report-type=disposition-notification; boundary=BOUND\r\n\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"Your message was read.\r\n" +
		"--BOUND\r\n" +
		"Content-Type: message/disposition-notification\r\n\r\n" +
		"Original-Message-ID: <sentmsg@x>\r\n" +
		"--BOUND--\r\n"
	require.NoError(t, orch.Ingest(ctx, []byte(mdn)))

	updated, err := db.MessageGetByRfc724Mid(ctx, "sentmsg@x")
	require.NoError(t, err)
	assert.Equal(t, types.MsgStateOutMdnRcvd, updated.State)

	// No new message row was created under the MDN's own Message-ID.
	mdnRow, err := db.MessageGetByRfc724Mid(ctx, "mdn1@x")
	require.NoError(t, err)
	assert.Nil(t, mdnRow, "an MDN must not itself become a stored chat message")
}

// Scenario 6: private reply disambiguation lands in the 1:1 chat, not the group.
func TestScenarioPrivateReplyDisambiguation(t *testing.T) {
	orch, db := newOrch(t)
	ctx := context.Background()

	groupMsg := "From: me@example.com\r\n" +
		"To: bob@example.com, carol@example.com\r\n" +
		"Subject: trip\r\n" +
		"Message-Id: <groupmsg@x>\r\n" +
		"Chat-Group-ID: Gabc\r\n" +
		"Chat-Group-Name: Trip\r\n" +
		"Date: Mon, 02 Jan 2006 15:00:00 +0000\r\n\r\n" +
		"where should we go\r\n"
	require.NoError(t, orch.Ingest(ctx, []byte(groupMsg)))

	privateReply := "From: bob@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: Re: trip\r\n" +
		"Message-Id: <privatereply@x>\r\n" +
		"In-Reply-To: <groupmsg@x>\r\n" +
		"Date: Mon, 02 Jan 2006 15:30:00 +0000\r\n\r\n" +
		"just between us, I'd rather not go\r\n"
	require.NoError(t, orch.Ingest(ctx, []byte(privateReply)))

	replyRow, err := db.MessageGetByRfc724Mid(ctx, "privatereply@x")
	require.NoError(t, err)
	require.NotNil(t, replyRow)

	chat, err := db.ChatGet(ctx, replyRow.ChatID)
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, types.ChatTypeSingle, chat.Type, "private reply must land in a 1:1 chat, not the group")
}

// Scenario 3: an Autocrypt key change on a verified peer breaks a Protected
// chat's invariant and inserts a single info message.
func TestScenarioVerifiedKeyChangeBreaksProtection(t *testing.T) {
	orch, db := newOrch(t)
	ctx := context.Background()
	peers := peerstate.New(db)

	require.NoError(t, db.ContactUpsert(ctx, &types.Contact{PrimaryAddr: "bob@example.com"}))
	bob, err := db.ContactGetByAddr(ctx, "bob@example.com")
	require.NoError(t, err)

	_, err = peers.MarkVerified(ctx, "bob@example.com", "fpr-k1", "me@example.com")
	require.NoError(t, err)

	chat := &types.Chat{Type: types.ChatTypeGroup, Protection: types.ProtectionProtected, Grpid: "Gprot"}
	require.NoError(t, db.ChatCreate(ctx, chat))
	require.NoError(t, db.MemberUpsert(ctx, &types.ChatMember{ChatID: chat.ID, ContactID: bob.ID, AddTimestamp: 1}))

	// A classical unsigned message already breaks Protected per spec.md §4.6;
	// it also carries a fresh Autocrypt key (K2) distinct from the peer's
	// verified key (K1), exercising the "verified_key stability" half of
	// scenario 3. The message is not signed by K2, so the header is not
	// adopted as the public key, and verified_key must not move off K1.
	raw := "From: bob@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: hi again\r\n" +
		"Chat-Group-ID: Gprot\r\n" +
		"Message-Id: <keychange@x>\r\n" +
		"Autocrypt: addr=bob@example.com; prefer-encrypt=mutual; keydata=SzI=\r\n" +
		"Date: Mon, 02 Jan 2006 17:00:00 +0000\r\n\r\n" +
		"hello\r\n"
	require.NoError(t, orch.Ingest(ctx, []byte(raw)))

	updatedChat, err := db.ChatGetByGrpid(ctx, "Gprot")
	require.NoError(t, err)
	assert.Equal(t, types.ProtectionBroken, updatedChat.Protection, "Protected chat must break once the invariant no longer holds")

	p, err := peers.Peek(ctx, "bob@example.com")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "fpr-k1", p.VerifiedKeyFingerprint, "verified_key must stay put across an unverified key change")
}

// fakeDecryptor returns a fixed inner plaintext message regardless of input,
// "signed" by a fixed, caller-chosen set of fingerprints — enough to drive
// the forged-From rule's signer/peerstate-key cross-check without a real
// OpenPGP round trip.
type fakeDecryptor struct {
	plaintext []byte
	signedBy  []string
}

func (f fakeDecryptor) Decrypt(ctx context.Context, encrypted []byte) ([]byte, []string, error) {
	return f.plaintext, f.signedBy, nil
}

// Scenario: a forged From. The decrypted inner message claims
// bob@example.com, but is signed by a key that is not the one on file in
// bob's peerstate, so it must be routed to TRASH rather than trusted.
func TestForgedFromRoutesToTrash(t *testing.T) {
	ctx := context.Background()
	db := &sqlitestore.Sqlite{}
	require.NoError(t, db.Open(":memory:"))
	require.NoError(t, db.CreateSchema(ctx, true))
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.PeerstateUpsert(ctx, &types.Peerstate{
		Addr: "bob@example.com", PublicKeyFingerprint: "fpr-bob-real",
	}))

	inner := "From: bob@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: hi\r\n" +
		"Message-Id: <forged1@x>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\n" +
		"hello\r\n"
	dec := fakeDecryptor{plaintext: []byte(inner), signedBy: []string{"fpr-attacker"}}
	orch := New(db, "me@example.com", false, dec, events.New(16))

	outer := "From: bob@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: hi\r\n" +
		"Message-Id: <outer1@x>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Content-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=BOUND\r\n\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pgp-encrypted\r\n\r\n" +
		"Version: 1\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		"ciphertext-not-actually-parsed\r\n" +
		"--BOUND--\r\n"
	require.NoError(t, orch.Ingest(ctx, []byte(outer)))

	msg, err := db.MessageGetByRfc724Mid(ctx, "forged1@x")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.ChatIDTrash, msg.ChatID, "a signature that doesn't match the From address's key must route to TRASH")
	assert.False(t, msg.ShowPadlock)
}
