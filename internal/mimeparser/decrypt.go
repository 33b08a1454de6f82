package mimeparser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Decryptor abstracts OpenPGP decryption so this package never imports a
// crypto library directly; the concrete implementation
// (internal/transport.PGPDecryptor) wraps github.com/ProtonMail/go-crypto.
type Decryptor interface {
	// Decrypt attempts to decrypt an multipart/encrypted OpenPGP payload.
	// signerFingerprints is empty when the payload was encrypted but
	// unsigned. err is non-nil only for a hard decryption failure (wrong
	// key, corrupt payload), never for "unsigned".
	Decrypt(ctx context.Context, encrypted []byte) (plaintext []byte, signerFingerprints []string, err error)
}

// noopDecryptor treats every encrypted payload as undecryptable; used by
// callers (and tests) that only need to exercise the plaintext path.
type noopDecryptor struct{}

func (noopDecryptor) Decrypt(context.Context, []byte) ([]byte, []string, error) {
	return nil, nil, errDecryptUnavailable
}

// Fingerprint derives a stand-in key fingerprint from raw Autocrypt keydata
// for peerstate bookkeeping; internal/transport.PGPDecryptor's real OpenPGP
// parsing supplies the true fingerprint for any key it actually decrypts
// with, this covers keys only ever seen in headers.
func Fingerprint(keydata []byte) string {
	sum := sha256.Sum256(keydata)
	return hex.EncodeToString(sum[:])
}

var errDecryptUnavailable = &decryptError{"no decryptor configured"}

type decryptError struct{ msg string }

func (e *decryptError) Error() string { return e.msg }
