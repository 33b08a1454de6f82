package mimeparser

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
)

// sanitizeFilename implements spec.md §4.1's filename sanitization rule:
// strip path separators, bidi override characters, and control characters;
// if nothing is left, synthesize a name from a content hash plus the
// content-sniffed MIME suffix.
func sanitizeFilename(name string, data []byte) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		if isBidiOverride(r) || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return syntheticFilename(data)
	}
	return cleaned
}

// isBidiOverride reports whether r is one of the bidi control characters
// (U+202A-U+202E, U+2066-U+2069) that can be used to visually disguise a
// file extension.
func isBidiOverride(r rune) bool {
	return (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069)
}

func syntheticFilename(data []byte) string {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:8])
	ext := mimetype.Detect(data).Extension()
	if ext == "" {
		ext = ".bin"
	}
	return hash + ext
}
