package peerstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmail/core/internal/store/sqlitestore"
	"github.com/veilmail/core/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := &sqlitestore.Sqlite{}
	require.NoError(t, db.Open(":memory:"))
	require.NoError(t, db.CreateSchema(context.Background(), true))
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestApplyHeaderSelfSigned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Now().Add(-time.Hour)

	p, err := s.ApplyHeader(ctx, "alice@example.com", &Header{
		Addr: "alice@example.com", KeyData: []byte("key1"), Fingerprint: "fpr1",
	}, map[string]bool{"fpr1": true}, date)
	require.NoError(t, err)
	assert.Equal(t, []byte("key1"), p.PublicKey)
	assert.Equal(t, "fpr1", p.PublicKeyFingerprint)
	assert.Equal(t, date.Unix(), p.LastSeenAutocrypt.Unix())
}

func TestApplyHeaderStaleIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newer := time.Now()
	older := newer.Add(-24 * time.Hour)

	_, err := s.ApplyHeader(ctx, "alice@example.com", &Header{
		Addr: "alice@example.com", KeyData: []byte("new"), Fingerprint: "fpr-new",
	}, map[string]bool{"fpr-new": true}, newer)
	require.NoError(t, err)

	p, err := s.ApplyHeader(ctx, "alice@example.com", &Header{
		Addr: "alice@example.com", KeyData: []byte("stale"), Fingerprint: "fpr-stale",
	}, map[string]bool{"fpr-stale": true}, older)
	require.NoError(t, err)
	assert.Equal(t, "fpr-new", p.PublicKeyFingerprint, "stale header must be ignored")
}

func TestApplyHeaderDoesNotOverwriteVerifiedKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Now()

	_, err := s.MarkVerified(ctx, "alice@example.com", "fpr-verified", "verifier@example.com")
	require.NoError(t, err)

	p, err := s.ApplyHeader(ctx, "alice@example.com", &Header{
		Addr: "alice@example.com", KeyData: []byte("newkey"), Fingerprint: "fpr-different",
	}, map[string]bool{"fpr-different": true}, date)
	require.NoError(t, err)
	assert.Equal(t, "fpr-verified", p.VerifiedKeyFingerprint)
	assert.True(t, p.Changed, "diverging key must mark peerstate changed")
	assert.Equal(t, []byte("newkey"), p.PublicKey, "public_key must still track the new key")
	assert.Equal(t, "fpr-different", p.PublicKeyFingerprint, "public_key_fingerprint must still track the new key")
}

func TestApplyHeaderUnencryptedResetsMutual(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &types.Peerstate{Addr: "alice@example.com", PreferEncrypt: types.PreferEncryptMutual, LastSeen: time.Now().Add(-time.Hour)}
	require.NoError(t, s.db.PeerstateUpsert(ctx, p))

	got, err := s.ApplyHeader(ctx, "alice@example.com", nil, map[string]bool{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.PreferEncryptReset, got.PreferEncrypt)
}

func TestGossipNeverSetsVerified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.ApplyGossip(ctx, &GossipHeader{Addr: "bob@example.com", KeyData: []byte("gk"), Fingerprint: "gfpr"},
		map[string]bool{"sender-fpr": true}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, p.VerifiedKeyFingerprint)
	assert.Equal(t, []byte("gk"), p.GossipKey)
}

func TestGossipVerifyTransitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.MarkVerified(ctx, "carol@example.com", "carol-fpr", "me@example.com")
	require.NoError(t, err)

	p, err := s.GossipVerify(ctx, "carol@example.com", "carol-fpr", "dave@example.com")
	require.NoError(t, err)
	assert.Equal(t, "dave@example.com", p.VerifierAddr)
}

func TestIsBidirectionallyVerified(t *testing.T) {
	p := &types.Peerstate{VerifiedKeyFingerprint: "fpr1"}
	assert.True(t, p.IsBidirectionallyVerified("fpr1"))
	assert.False(t, p.IsBidirectionallyVerified("fpr2"))
	p.Changed = true
	assert.False(t, p.IsBidirectionallyVerified("fpr1"))
}
