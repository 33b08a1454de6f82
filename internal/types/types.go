// Package types holds the data model shared by every core component:
// contacts, peerstates, chats, members and messages (spec.md §3).
package types

import (
	"strings"
	"time"
)

// ContactID is a database-specific record id for a Contact row.
type ContactID int64

// Reserved contact ids (spec.md §3).
const (
	ContactIDSelf   ContactID = 1
	ContactIDInfo   ContactID = 2
	ContactIDDevice ContactID = 5
	// FirstUserContactID is the first id assigned to a user-created contact.
	FirstUserContactID ContactID = 10
)

func (id ContactID) IsZero() bool { return id == 0 }

// ChatID is a database-specific record id for a Chat row.
type ChatID int64

// Reserved chat ids (spec.md §3).
const (
	ChatIDTrash       ChatID = 3
	ChatIDArchiveLink ChatID = 6
)

func (id ChatID) IsZero() bool { return id == 0 }

// ObjHeader holds the lifecycle timestamps embedded by Contact, Chat and
// Message; each of those keeps its primary key in its own ID field.
type ObjHeader struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeNow returns the current time rounded to millisecond precision, the
// granularity every stored timestamp in this package uses.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func (h *ObjHeader) InitTimes() {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = TimeNow()
	}
	h.UpdatedAt = h.CreatedAt
}

// Origin orders how a Contact's identity was learned (spec.md §4.3).
// The ordering itself — not just the enum values — is part of the contract:
// ContactStore.Upsert compares origins with plain integer comparison.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginIncomingUnknownCc
	OriginIncomingUnknownTo
	OriginUnhandledQrScan
	OriginIncomingReplyTo
	OriginIncomingCc
	OriginIncomingTo
	OriginOutgoingBcc
	OriginOutgoingCc
	OriginOutgoingTo
	OriginInternal
	OriginAddressBook
	OriginSecurejoinInvited
	OriginSecurejoinJoined
	OriginManuallyCreated
)

// IsKnown reports whether a contact at this origin is "known" — i.e.
// appears in global contact listings (spec.md §4.3).
func (o Origin) IsKnown() bool {
	return o >= OriginIncomingReplyTo
}

// Contact is an address-keyed identity (spec.md §3).
type Contact struct {
	ObjHeader
	ID ContactID

	PrimaryAddr string // normalized, lower-cased, trimmed address
	Name        string // user-edited display name
	Authname    string // self-declared From display name, only set from signed mail
	Origin      Origin
	Blocked     bool
	ProfileImage []byte
	IsBot       bool
}

// NormalizeAddr lower-cases and trims an address, stripping a leading
// "mailto:" scheme, producing the Contact identity key (spec.md §3).
func NormalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(strings.ToLower(addr), "mailto:")
	return strings.TrimSpace(addr)
}

// PreferEncrypt is the Autocrypt encryption preference of a peer (spec.md §3).
type PreferEncrypt int

const (
	PreferEncryptNoPreference PreferEncrypt = iota
	PreferEncryptMutual
	PreferEncryptReset
)

// Peerstate is per-remote-address cryptographic state (spec.md §3, §4.2).
type Peerstate struct {
	Addr string

	LastSeen          time.Time
	LastSeenAutocrypt time.Time

	PreferEncrypt PreferEncrypt

	PublicKey            []byte
	PublicKeyFingerprint string

	GossipKey       []byte
	GossipTimestamp time.Time

	VerifiedKey            []byte
	VerifiedKeyFingerprint string
	VerifierAddr           string

	// Changed is set when a newly-seen Autocrypt key diverges from
	// VerifiedKey; cleared only by a fresh mark_verified call.
	Changed bool
}

// IsBidirectionallyVerified reports whether the peer currently holds a
// verified key whose fingerprint matches the key that signed the most
// recent message (spec.md §4.2 invariant).
func (p *Peerstate) IsBidirectionallyVerified(lastSignerFingerprint string) bool {
	return p.VerifiedKeyFingerprint != "" && !p.Changed &&
		p.VerifiedKeyFingerprint == lastSignerFingerprint
}

// ChatType enumerates the kinds of chat (spec.md §3).
type ChatType int

const (
	ChatTypeSingle ChatType = iota
	ChatTypeGroup
	ChatTypeMailinglist
	ChatTypeBroadcast
	ChatTypeSelf
)

// Protection is the verified-group trust state of a chat (spec.md §3, §4.6).
type Protection int

const (
	ProtectionUnprotected Protection = iota
	ProtectionProtected
	ProtectionBroken
)

// Visibility controls chat list placement (spec.md §3).
type Visibility int

const (
	VisibilityNormal Visibility = iota
	VisibilityArchived
	VisibilityPinned
)

// BlockStatus is the contact-request gate state of a chat (spec.md §3, §4.4).
type BlockStatus int

const (
	BlockNot BlockStatus = iota
	BlockRequest
	BlockYes
)

// Chat is a conversation: 1:1, group, mailing list, broadcast or self (spec.md §3).
type Chat struct {
	ObjHeader
	ID ChatID

	Type ChatType
	Name string

	// Grpid is the stable opaque Chat-Group-ID. Empty for ad-hoc groups,
	// Single, Self and mailing-list chats (which are keyed differently).
	Grpid string

	Protection Protection
	Visibility Visibility
	Blocked    BlockStatus

	// ListPost is the mailing-list List-Post address, set only for
	// ChatTypeMailinglist chats.
	ListPost string

	// MemberListTimestamp is read by IsStale and by groupstate's
	// system-header check (spec.md §4.5). Both adapters store it, but no
	// component in this module writes it after ChatCreate, so chats created
	// by ingest keep it zero.
	MemberListTimestamp time.Time
}

// IsStale reports whether the chat's member list has gone more than
// staleAfter without a group-defining message (spec.md §4.5).
func (c *Chat) IsStale(now time.Time, staleAfter time.Duration) bool {
	if c.MemberListTimestamp.IsZero() {
		return false
	}
	return now.Sub(c.MemberListTimestamp) > staleAfter
}

// ChatMember is the (chat, contact) membership relation with per-member
// timestamps (spec.md §3, §4.5).
type ChatMember struct {
	ChatID    ChatID
	ContactID ContactID

	// AddTimestamp/RemoveTimestamp carry the per-member monotonic
	// timestamp T[contact_id] from the newest header or system message
	// that touched this member's membership.
	AddTimestamp    int64
	RemoveTimestamp int64
}

// Present reports whether the member currently belongs to the chat
// (spec.md §3: "present iff add_timestamp > remove_timestamp").
func (m ChatMember) Present() bool {
	return m.AddTimestamp > m.RemoveTimestamp
}

// MsgState is the delivery/read lifecycle of a Message (spec.md §3).
type MsgState int

const (
	MsgStateInFresh MsgState = iota
	MsgStateInNoticed
	MsgStateInSeen
	MsgStateOutPreparing
	MsgStateOutPending
	MsgStateOutDelivered
	MsgStateOutMdnRcvd
	MsgStateOutFailed
)

// DownloadState tracks partial-download/decryption outcomes (spec.md §3).
type DownloadState int

const (
	DownloadDone DownloadState = iota
	DownloadAvailable
	DownloadInProgress
	DownloadFailure
	DownloadUndecipherable
)

// ViewType is a coarse content-kind hint (text, image, file, ...).
type ViewType int

const (
	ViewTypeText ViewType = iota
	ViewTypeImage
	ViewTypeFile
	ViewTypeSticker
	ViewTypeVoiceMessage
	ViewTypeLocation
	ViewTypeWebxdcStatusUpdate
	ViewTypeSystem
)

// Message is a stored, chat-assigned message (spec.md §3).
type Message struct {
	ObjHeader
	ID int64

	Rfc724Mid string // RFC 5322 Message-ID, globally unique
	ChatID    ChatID
	FromID    ContactID

	State         MsgState
	TimestampSort int64 // seconds, used for ordering
	TimestampSent int64 // claimed Date: header, seconds
	TimestampRcvd int64 // wall-clock receipt time, seconds

	Text    string
	Subject string

	Viewtype ViewType
	FileRef  string
	Error    string

	DownloadState DownloadState

	HopInfo string // Received: header chain slot, diagnostics only; ingest leaves it empty

	ParentRfc724Mid string

	IsDcMessage bool // sender used this protocol (Chat-Version present)
	IsBot       bool
	ShowPadlock bool
	IsEdited    bool
}
