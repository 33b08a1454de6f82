// Package mimeparser turns a raw RFC 5322 byte buffer into a ParsedMessage
// (spec.md §4.1), adapted from the header/payload split teacher keeps
// between server/store/types/types.go (wire structs) and the hub's message
// handling: one file of plain data structures, one file that walks the
// actual bytes.
package mimeparser

import (
	"time"

	"github.com/veilmail/core/internal/types"
)

// DecryptOutcome classifies how the message body was (or wasn't) decrypted.
type DecryptOutcome int

const (
	Plaintext DecryptOutcome = iota
	Decrypted
	DecryptFailed
)

// SystemMessageKind enumerates the Chat-* protocol system messages a
// message may carry (spec.md §6 header taxonomy).
type SystemMessageKind int

const (
	SystemNone SystemMessageKind = iota
	SystemGroupNameChanged
	SystemMemberAdded
	SystemMemberRemoved
	SystemGroupAvatarChanged
	SystemSecureJoin
)

// GroupHeaders carries the Chat-Group-* fields, parsed but not yet applied
// against any stored state (that's groupstate's job).
type GroupHeaders struct {
	GroupID           string
	GroupName         string
	NameChangedFrom   string
	MemberAdded       string
	MemberRemoved     string
	PastMembers       []string
	MemberTimestamps  []int64
	AvatarCID         string
	AvatarDeleted     bool
	Verified          bool
}

// AutocryptHeader is a parsed Autocrypt: or Autocrypt-Gossip: header.
type AutocryptHeader struct {
	Addr          string
	PreferEncrypt types.PreferEncrypt
	KeyData       []byte
}

// Attachment is one sanitized, user-visible body part beyond the primary
// text/html part.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
	Inline      bool
}

// Quote is an extracted reply quote, when one could be identified.
type Quote struct {
	Text              string
	ReferencedMsgID   string
}

// ParsedMessage is the output of Parse (spec.md §4.1).
type ParsedMessage struct {
	From           string
	Sender         string
	To             []string
	Cc             []string
	Bcc            []string
	Date           time.Time
	Subject        string
	MessageID      string
	InReplyTo      string
	References     []string

	ListID     string
	Group      GroupHeaders
	Autocrypt  *AutocryptHeader
	Gossip     []AutocryptHeader
	ContentHint string
	DispositionNotificationTo string
	SecureJoin string

	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Stashed     []Attachment

	Decrypt             DecryptOutcome
	SignerFingerprints  map[string]bool
	FromIsSigned        bool

	Quote *Quote

	SystemKind SystemMessageKind

	IsMDN    bool
	IsDSN    bool
	DSNFailed bool
	MDNOriginalMessageID string

	ChatVersion bool
}
