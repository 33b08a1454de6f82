package contactstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/store/sqlitestore"
	"github.com/veilmail/core/internal/types"
)

func newTestStore(t *testing.T) (*Store, adapter.Adapter) {
	t.Helper()
	db := &sqlitestore.Sqlite{}
	require.NoError(t, db.Open(":memory:"))
	require.NoError(t, db.CreateSchema(context.Background(), true))
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "me@example.com"), db
}

func TestUpsertSelfShortCircuits(t *testing.T) {
	s, _ := newTestStore(t)
	c, err := s.Upsert(context.Background(), "Me", "Me@Example.com", types.OriginIncomingTo, true)
	require.NoError(t, err)
	assert.Equal(t, types.ContactIDSelf, c.ID)
}

func TestUpsertInsertsNewContact(t *testing.T) {
	s, _ := newTestStore(t)
	c, err := s.Upsert(context.Background(), "Alice", "alice@example.com", types.OriginIncomingTo, true)
	require.NoError(t, err)
	assert.NotZero(t, c.ID)
	assert.Equal(t, "Alice", c.Name)
	assert.Equal(t, "Alice", c.Authname)
	assert.Equal(t, types.OriginIncomingTo, c.Origin)
}

func TestUpsertAuthnameOnlyUpdatedWhenSigned(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Upsert(ctx, "Alice", "alice@example.com", types.OriginIncomingTo, true)
	require.NoError(t, err)

	c, err := s.Upsert(ctx, "Spoofed Name", "alice@example.com", types.OriginIncomingTo, false)
	require.NoError(t, err)
	assert.Equal(t, "Alice", c.Authname, "unsigned From must not overwrite authname")
}

func TestUpsertOriginMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Upsert(ctx, "Alice", "alice@example.com", types.OriginIncomingTo, true)
	require.NoError(t, err)

	c, err := s.Upsert(ctx, "Alice", "alice@example.com", types.OriginUnknown, true)
	require.NoError(t, err)
	assert.Equal(t, types.OriginIncomingTo, c.Origin, "origin must never decrease")

	c, err = s.Upsert(ctx, "Alice", "alice@example.com", types.OriginManuallyCreated, true)
	require.NoError(t, err)
	assert.Equal(t, types.OriginManuallyCreated, c.Origin)
}

func TestUpsertHigherOriginOverridesManuallySetName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Upsert(ctx, "Alice", "alice@example.com", types.OriginIncomingTo, true)
	require.NoError(t, err)

	c, err := s.Get(ctx, mustID(t, s, ctx, "alice@example.com"))
	require.NoError(t, err)
	c.Name = "My Nickname For Alice"
	require.NoError(t, s.db.ContactUpsert(ctx, c))

	c, err = s.Upsert(ctx, "Alice Newname", "alice@example.com", types.OriginManuallyCreated, true)
	require.NoError(t, err)
	assert.Equal(t, "Alice Newname", c.Name, "higher origin still overrides even a manually set name")
}

func mustID(t *testing.T, s *Store, ctx context.Context, addr string) types.ContactID {
	t.Helper()
	c, err := s.db.ContactGetByAddr(ctx, addr)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c.ID
}
