package mysqlstore

import (
	"database/sql"

	"github.com/veilmail/core/internal/types"
)

// row<->struct mapping helpers, mirroring sqlitestore's rows.go split.

type contactRowT struct {
	ID           int64        `db:"id"`
	PrimaryAddr  string       `db:"primary_addr"`
	Name         string       `db:"name"`
	Authname     string       `db:"authname"`
	Origin       int          `db:"origin"`
	Blocked      bool         `db:"blocked"`
	ProfileImage []byte       `db:"profile_image"`
	IsBot        bool         `db:"is_bot"`
	CreatedAt    sql.NullTime `db:"created_at"`
	UpdatedAt    sql.NullTime `db:"updated_at"`
}

func (r contactRowT) toContact() *types.Contact {
	return &types.Contact{
		ID:           types.ContactID(r.ID),
		PrimaryAddr:  r.PrimaryAddr,
		Name:         r.Name,
		Authname:     r.Authname,
		Origin:       types.Origin(r.Origin),
		Blocked:      r.Blocked,
		ProfileImage: r.ProfileImage,
		IsBot:        r.IsBot,
		ObjHeader:    types.ObjHeader{CreatedAt: r.CreatedAt.Time, UpdatedAt: r.UpdatedAt.Time},
	}
}

type peerstateRowT struct {
	Addr                   string       `db:"addr"`
	LastSeen               sql.NullTime `db:"last_seen"`
	LastSeenAutocrypt      sql.NullTime `db:"last_seen_autocrypt"`
	PreferEncrypt          int          `db:"prefer_encrypt"`
	PublicKey              []byte       `db:"public_key"`
	PublicKeyFingerprint   string       `db:"public_key_fingerprint"`
	GossipKey              []byte       `db:"gossip_key"`
	GossipTimestamp        sql.NullTime `db:"gossip_timestamp"`
	VerifiedKey            []byte       `db:"verified_key"`
	VerifiedKeyFingerprint string       `db:"verified_key_fingerprint"`
	VerifierAddr           string       `db:"verifier_addr"`
	Changed                bool         `db:"changed"`
}

func peerstateRow(p *types.Peerstate) *peerstateRowT {
	return &peerstateRowT{
		Addr:                   p.Addr,
		LastSeen:               sql.NullTime{Time: p.LastSeen, Valid: !p.LastSeen.IsZero()},
		LastSeenAutocrypt:      sql.NullTime{Time: p.LastSeenAutocrypt, Valid: !p.LastSeenAutocrypt.IsZero()},
		PreferEncrypt:          int(p.PreferEncrypt),
		PublicKey:              p.PublicKey,
		PublicKeyFingerprint:   p.PublicKeyFingerprint,
		GossipKey:              p.GossipKey,
		GossipTimestamp:        sql.NullTime{Time: p.GossipTimestamp, Valid: !p.GossipTimestamp.IsZero()},
		VerifiedKey:            p.VerifiedKey,
		VerifiedKeyFingerprint: p.VerifiedKeyFingerprint,
		VerifierAddr:           p.VerifierAddr,
		Changed:                p.Changed,
	}
}

func (r peerstateRowT) toPeerstate() *types.Peerstate {
	return &types.Peerstate{
		Addr:                   r.Addr,
		LastSeen:               r.LastSeen.Time,
		LastSeenAutocrypt:      r.LastSeenAutocrypt.Time,
		PreferEncrypt:          types.PreferEncrypt(r.PreferEncrypt),
		PublicKey:              r.PublicKey,
		PublicKeyFingerprint:   r.PublicKeyFingerprint,
		GossipKey:              r.GossipKey,
		GossipTimestamp:        r.GossipTimestamp.Time,
		VerifiedKey:            r.VerifiedKey,
		VerifiedKeyFingerprint: r.VerifiedKeyFingerprint,
		VerifierAddr:           r.VerifierAddr,
		Changed:                r.Changed,
	}
}

type chatRowT struct {
	ID                  int64        `db:"id"`
	Type                int          `db:"type"`
	Name                string       `db:"name"`
	Grpid               string       `db:"grpid"`
	Protection          int          `db:"protection"`
	Visibility          int          `db:"visibility"`
	Blocked             int          `db:"blocked"`
	ListPost            string       `db:"list_post"`
	MemberListTimestamp sql.NullTime `db:"member_list_timestamp"`
	CreatedAt           sql.NullTime `db:"created_at"`
	UpdatedAt           sql.NullTime `db:"updated_at"`
}

func chatRow(c *types.Chat) *chatRowT {
	return &chatRowT{
		ID:                  int64(c.ID),
		Type:                int(c.Type),
		Name:                c.Name,
		Grpid:               c.Grpid,
		Protection:          int(c.Protection),
		Visibility:          int(c.Visibility),
		Blocked:             int(c.Blocked),
		ListPost:            c.ListPost,
		MemberListTimestamp: sql.NullTime{Time: c.MemberListTimestamp, Valid: !c.MemberListTimestamp.IsZero()},
		CreatedAt:           sql.NullTime{Time: c.CreatedAt, Valid: !c.CreatedAt.IsZero()},
		UpdatedAt:           sql.NullTime{Time: c.UpdatedAt, Valid: !c.UpdatedAt.IsZero()},
	}
}

func (r chatRowT) toChat() *types.Chat {
	return &types.Chat{
		ID:                  types.ChatID(r.ID),
		Type:                types.ChatType(r.Type),
		Name:                r.Name,
		Grpid:               r.Grpid,
		Protection:          types.Protection(r.Protection),
		Visibility:          types.Visibility(r.Visibility),
		Blocked:             types.BlockStatus(r.Blocked),
		ListPost:            r.ListPost,
		MemberListTimestamp: r.MemberListTimestamp.Time,
		ObjHeader:           types.ObjHeader{CreatedAt: r.CreatedAt.Time, UpdatedAt: r.UpdatedAt.Time},
	}
}

type memberRowT struct {
	ChatID          int64 `db:"chat_id"`
	ContactID       int64 `db:"contact_id"`
	AddTimestamp    int64 `db:"add_timestamp"`
	RemoveTimestamp int64 `db:"remove_timestamp"`
}

func (r memberRowT) toMember() *types.ChatMember {
	return &types.ChatMember{
		ChatID:          types.ChatID(r.ChatID),
		ContactID:       types.ContactID(r.ContactID),
		AddTimestamp:    r.AddTimestamp,
		RemoveTimestamp: r.RemoveTimestamp,
	}
}

type messageRowT struct {
	ID              int64        `db:"id"`
	Rfc724Mid       string       `db:"rfc724_mid"`
	ChatID          int64        `db:"chat_id"`
	FromID          int64        `db:"from_id"`
	State           int          `db:"state"`
	TimestampSort   int64        `db:"timestamp_sort"`
	TimestampSent   int64        `db:"timestamp_sent"`
	TimestampRcvd   int64        `db:"timestamp_rcvd"`
	Text            string       `db:"text"`
	Subject         string       `db:"subject"`
	Viewtype        int          `db:"viewtype"`
	FileRef         string       `db:"file_ref"`
	Error           string       `db:"error"`
	DownloadState   int          `db:"download_state"`
	HopInfo         string       `db:"hop_info"`
	ParentRfc724Mid string       `db:"parent_rfc724_mid"`
	IsDcMessage     bool         `db:"is_dc_message"`
	IsBot           bool         `db:"is_bot"`
	ShowPadlock     bool         `db:"show_padlock"`
	IsEdited        bool         `db:"is_edited"`
	CreatedAt       sql.NullTime `db:"created_at"`
	UpdatedAt       sql.NullTime `db:"updated_at"`
}

func messageRow(m *types.Message) *messageRowT {
	return &messageRowT{
		ID:              m.ID,
		Rfc724Mid:       m.Rfc724Mid,
		ChatID:          int64(m.ChatID),
		FromID:          int64(m.FromID),
		State:           int(m.State),
		TimestampSort:   m.TimestampSort,
		TimestampSent:   m.TimestampSent,
		TimestampRcvd:   m.TimestampRcvd,
		Text:            m.Text,
		Subject:         m.Subject,
		Viewtype:        int(m.Viewtype),
		FileRef:         m.FileRef,
		Error:           m.Error,
		DownloadState:   int(m.DownloadState),
		HopInfo:         m.HopInfo,
		ParentRfc724Mid: m.ParentRfc724Mid,
		IsDcMessage:     m.IsDcMessage,
		IsBot:           m.IsBot,
		ShowPadlock:     m.ShowPadlock,
		IsEdited:        m.IsEdited,
		CreatedAt:       sql.NullTime{Time: m.CreatedAt, Valid: !m.CreatedAt.IsZero()},
		UpdatedAt:       sql.NullTime{Time: m.UpdatedAt, Valid: !m.UpdatedAt.IsZero()},
	}
}

func (r messageRowT) toMessage() *types.Message {
	return &types.Message{
		ID:              r.ID,
		Rfc724Mid:       r.Rfc724Mid,
		ChatID:          types.ChatID(r.ChatID),
		FromID:          types.ContactID(r.FromID),
		State:           types.MsgState(r.State),
		TimestampSort:   r.TimestampSort,
		TimestampSent:   r.TimestampSent,
		TimestampRcvd:   r.TimestampRcvd,
		Text:            r.Text,
		Subject:         r.Subject,
		Viewtype:        types.ViewType(r.Viewtype),
		FileRef:         r.FileRef,
		Error:           r.Error,
		DownloadState:   types.DownloadState(r.DownloadState),
		HopInfo:         r.HopInfo,
		ParentRfc724Mid: r.ParentRfc724Mid,
		IsDcMessage:     r.IsDcMessage,
		IsBot:           r.IsBot,
		ShowPadlock:     r.ShowPadlock,
		IsEdited:        r.IsEdited,
		ObjHeader:       types.ObjHeader{CreatedAt: r.CreatedAt.Time, UpdatedAt: r.UpdatedAt.Time},
	}
}
