package mimeparser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMsg = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hi Bob!\r\n"

const groupMsg = "From: alice@example.com\r\n" +
	"To: bob@example.com, carol@example.com\r\n" +
	"Subject: Group chat\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <grp1@example.com>\r\n" +
	"Chat-Version: 1.0\r\n" +
	"Chat-Group-ID: abcgrp\r\n" +
	"Chat-Group-Name: Friends\r\n" +
	"Chat-Group-Member-Timestamps: 100 200\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello group\r\n"

func TestParsePlaintext(t *testing.T) {
	p := New("me@example.com", nil)
	pm, err := p.Parse(context.Background(), []byte(plainMsg))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", pm.From)
	assert.Equal(t, []string{"bob@example.com"}, pm.To)
	assert.Equal(t, "Hello", pm.Subject)
	assert.Equal(t, "abc123@example.com", pm.MessageID)
	assert.Equal(t, "Hi Bob!\r\n", pm.TextBody)
	assert.Equal(t, Plaintext, pm.Decrypt)
}

func TestParseGroupHeaders(t *testing.T) {
	p := New("me@example.com", nil)
	pm, err := p.Parse(context.Background(), []byte(groupMsg))
	require.NoError(t, err)
	assert.Equal(t, "abcgrp", pm.Group.GroupID)
	assert.Equal(t, "Friends", pm.Group.GroupName)
	assert.Equal(t, []int64{100, 200}, pm.Group.MemberTimestamps)
	assert.True(t, pm.ChatVersion)
}

func TestParseMissingFromAndMessageIDDropsWithError(t *testing.T) {
	raw := "To: bob@example.com\r\nContent-Type: text/plain\r\n\r\nbody\r\n"
	p := New("me@example.com", nil)
	_, err := p.Parse(context.Background(), []byte(raw))
	require.Error(t, err)
	assert.True(t, IsMissingFrom(err))
}

func TestGeneratesDeterministicMessageIDWhenMissing(t *testing.T) {
	raw := "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: Hi\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\nContent-Type: text/plain\r\n\r\nbody\r\n"
	p := New("me@example.com", nil)
	pm, err := p.Parse(context.Background(), []byte(raw))
	require.NoError(t, err)
	assert.NotEmpty(t, pm.MessageID)
	assert.Contains(t, pm.MessageID, "@generated.local")
}

func TestSanitizeFilenameStripsBidiAndControl(t *testing.T) {
	name := sanitizeFilename("evil‮gnp.exe", []byte("data"))
	assert.NotContains(t, name, "‮")
}

func TestSanitizeFilenameSynthesizesWhenEmpty(t *testing.T) {
	name := sanitizeFilename("///‪‫", []byte("some bytes"))
	assert.NotEmpty(t, name)
}

func TestParseAutocryptHeader(t *testing.T) {
	h := parseAutocrypt("addr=alice@example.com; prefer-encrypt=mutual; keydata=aGVsbG8=")
	require.NotNil(t, h)
	assert.Equal(t, "alice@example.com", h.Addr)
	assert.Equal(t, []byte("hello"), h.KeyData)
}

func TestParseAutocryptMissingKeydataIgnored(t *testing.T) {
	h := parseAutocrypt("addr=alice@example.com; prefer-encrypt=mutual")
	assert.Nil(t, h)
}
