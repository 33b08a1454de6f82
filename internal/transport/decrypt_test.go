package transport

import (
	"bytes"
	"context"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"
)

func generateTestKey(t *testing.T) (armoredPriv []byte, entity *openpgp.Entity) {
	t.Helper()
	e, err := openpgp.NewEntity("Test User", "", "test@example.com", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.SerializePrivate(w, nil))
	require.NoError(t, w.Close())
	return buf.Bytes(), e
}

func TestPGPDecryptorRoundTrip(t *testing.T) {
	armoredPriv, entity := generateTestKey(t)

	dec, err := NewPGPDecryptor(armoredPriv, nil)
	require.NoError(t, err)

	var encBuf bytes.Buffer
	w, err := openpgp.Encrypt(&encBuf, openpgp.EntityList{entity}, entity, nil, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello, verified world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	plaintext, fprs, err := dec.Decrypt(context.Background(), encBuf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "hello, verified world", string(plaintext))
	require.NotEmpty(t, fprs)
}
