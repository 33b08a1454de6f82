// Package adapter contains the interface a database backend must
// implement to back the core's keyed store (spec.md §6 "Persisted state
// layout"). Adapted from tinode/chat's server/store/adapter.Adapter: same
// shape (Open/Close/CheckDbVersion, one method group per table), different
// tables — contacts/peerstates/chats/members/messages/config instead of
// users/topics/subscriptions.
package adapter

import (
	"context"
	"time"

	"github.com/veilmail/core/internal/types"
)

// Adapter is the interface every storage backend (sqlite, mysql, ...) must
// implement. All methods are safe to call concurrently; per-account
// serialization is the caller's (ingest actor's) responsibility, not the
// adapter's (spec.md §5).
type Adapter interface {
	// Open configures and opens the backend. config is a backend-specific
	// DSN or JSON blob, matching teacher's Open(config string) shape.
	Open(config string) error
	Close() error
	IsOpen() bool
	// CheckSchemaVersion verifies the on-disk schema matches this adapter's
	// expectations, erroring rather than silently operating on a mismatch.
	CheckSchemaVersion(ctx context.Context) error
	CreateSchema(ctx context.Context, reset bool) error
	Name() string

	// Contacts

	ContactUpsert(ctx context.Context, c *types.Contact) error
	ContactGetByAddr(ctx context.Context, addr string) (*types.Contact, error)
	ContactGet(ctx context.Context, id types.ContactID) (*types.Contact, error)
	ContactGetAll(ctx context.Context, ids ...types.ContactID) ([]types.Contact, error)
	ContactSetBlocked(ctx context.Context, id types.ContactID, blocked bool) error

	// Peerstates

	PeerstateGet(ctx context.Context, addr string) (*types.Peerstate, error)
	PeerstateUpsert(ctx context.Context, p *types.Peerstate) error

	// Chats

	ChatCreate(ctx context.Context, c *types.Chat) error
	ChatGet(ctx context.Context, id types.ChatID) (*types.Chat, error)
	ChatGetByGrpid(ctx context.Context, grpid string) (*types.Chat, error)
	ChatGetByListID(ctx context.Context, listID string) (*types.Chat, error)
	ChatGetSingleWith(ctx context.Context, other types.ContactID) (*types.Chat, error)
	ChatGetAdHocByMemberSet(ctx context.Context, members []types.ContactID) (*types.Chat, error)
	ChatUpdate(ctx context.Context, id types.ChatID, update map[string]interface{}) error

	// Membership

	MemberUpsert(ctx context.Context, m *types.ChatMember) error
	MemberGet(ctx context.Context, chatID types.ChatID, contactID types.ContactID) (*types.ChatMember, error)
	MembersForChat(ctx context.Context, chatID types.ChatID) ([]types.ChatMember, error)

	// Messages

	MessageSave(ctx context.Context, m *types.Message) error
	MessageGetByRfc724Mid(ctx context.Context, mid string) (*types.Message, error)
	MessageGet(ctx context.Context, id int64) (*types.Message, error)
	MessageUpdate(ctx context.Context, id int64, update map[string]interface{}) error
	MessagesForChat(ctx context.Context, chatID types.ChatID, since time.Time, limit int) ([]types.Message, error)
	// HasOutgoingTo reports whether Self has ever sent a message into a
	// chat that currently has any of members as a present member — the
	// contact-request gate's "previously sent to" condition (spec.md §4.4).
	HasOutgoingTo(ctx context.Context, members []types.ContactID) (bool, error)

	// Config is a flat string->string key-value store, shared across
	// components, last-writer-wins (spec.md §5).
	ConfigSet(ctx context.Context, key, value string) error
	ConfigGet(ctx context.Context, key string) (string, bool, error)
}

// Registry of named adapters, mirroring teacher's store.RegisterAdapter /
// init()-time self-registration pattern (server/auth/token/auth_token.go).
var registry = map[string]Adapter{}

// Register adds a named adapter implementation to the registry. Backend
// packages call this from an init() func, e.g.
// store/sqlitestore.init() -> adapter.Register("sqlite", &Sqlite{}).
func Register(name string, a Adapter) {
	registry[name] = a
}

// Get returns a registered adapter by name, or nil if none is registered.
func Get(name string) Adapter {
	return registry[name]
}
