package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/veilmail/core/internal/mimeparser"
)

// PGPDecryptor implements mimeparser.Decryptor against a fixed private key
// ring, matching the single-account-per-process shape of spec.md §5.
type PGPDecryptor struct {
	keyring openpgp.EntityList
}

// NewPGPDecryptor builds a decryptor from an armored private key, optionally
// passphrase-protected.
func NewPGPDecryptor(armoredPrivateKey []byte, passphrase []byte) (*PGPDecryptor, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("pgp: read key ring: %w", err)
	}
	for _, e := range entities {
		if e.PrivateKey == nil || !e.PrivateKey.Encrypted {
			continue
		}
		if err := e.PrivateKey.Decrypt(passphrase); err != nil {
			return nil, fmt.Errorf("pgp: decrypt private key: %w", err)
		}
		for _, subkey := range e.Subkeys {
			if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
				if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
					return nil, fmt.Errorf("pgp: decrypt subkey: %w", err)
				}
			}
		}
	}
	return &PGPDecryptor{keyring: entities}, nil
}

// Decrypt implements mimeparser.Decryptor. The returned signer fingerprints
// hold at most one entry: the hex-encoded fingerprint of the key whose
// signature verified against the decrypted payload.
func (d *PGPDecryptor) Decrypt(ctx context.Context, encrypted []byte) ([]byte, []string, error) {
	md, err := openpgp.ReadMessage(bytes.NewReader(encrypted), d.keyring, nil, &packet.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("pgp: read message: %w", err)
	}
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, nil, fmt.Errorf("pgp: read body: %w", err)
	}

	var fprs []string
	if md.SignatureError == nil && md.SignedBy != nil {
		fprs = append(fprs, fmt.Sprintf("%x", md.SignedBy.PublicKey.Fingerprint))
	}
	return plaintext, fprs, nil
}

var _ mimeparser.Decryptor = (*PGPDecryptor)(nil)
