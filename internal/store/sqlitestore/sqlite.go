// Package sqlitestore is the default Adapter backend: an embedded,
// cgo-free SQLite database, one file per account. Grounded on teacher's
// server/store/adapter.go contract, using github.com/jmoiron/sqlx for
// struct scanning (teacher's own choice) over modernc.org/sqlite (a pure-Go
// driver, the natural fit for a single-account local daemon rather than
// the cgo-requiring mattn/go-sqlite3).
package sqlitestore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/types"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS kvmeta (key TEXT PRIMARY KEY, value TEXT NOT NULL);

CREATE TABLE IF NOT EXISTS contacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	primary_addr TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	authname TEXT NOT NULL DEFAULT '',
	origin INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	profile_image BLOB,
	is_bot INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS peerstates (
	addr TEXT PRIMARY KEY,
	last_seen DATETIME,
	last_seen_autocrypt DATETIME,
	prefer_encrypt INTEGER NOT NULL DEFAULT 0,
	public_key BLOB,
	public_key_fingerprint TEXT NOT NULL DEFAULT '',
	gossip_key BLOB,
	gossip_timestamp DATETIME,
	verified_key BLOB,
	verified_key_fingerprint TEXT NOT NULL DEFAULT '',
	verifier_addr TEXT NOT NULL DEFAULT '',
	changed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	grpid TEXT NOT NULL DEFAULT '',
	protection INTEGER NOT NULL DEFAULT 0,
	visibility INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	list_post TEXT NOT NULL DEFAULT '',
	member_list_timestamp DATETIME,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chats_grpid ON chats(grpid) WHERE grpid != '';

CREATE TABLE IF NOT EXISTS members (
	chat_id INTEGER NOT NULL,
	contact_id INTEGER NOT NULL,
	add_timestamp INTEGER NOT NULL DEFAULT 0,
	remove_timestamp INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, contact_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rfc724_mid TEXT NOT NULL UNIQUE,
	chat_id INTEGER NOT NULL,
	from_id INTEGER NOT NULL,
	state INTEGER NOT NULL DEFAULT 0,
	timestamp_sort INTEGER NOT NULL,
	timestamp_sent INTEGER NOT NULL,
	timestamp_rcvd INTEGER NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	viewtype INTEGER NOT NULL DEFAULT 0,
	file_ref TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	download_state INTEGER NOT NULL DEFAULT 0,
	hop_info TEXT NOT NULL DEFAULT '',
	parent_rfc724_mid TEXT NOT NULL DEFAULT '',
	is_dc_message INTEGER NOT NULL DEFAULT 0,
	is_bot INTEGER NOT NULL DEFAULT 0,
	show_padlock INTEGER NOT NULL DEFAULT 0,
	is_edited INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, timestamp_sort);

-- Contact and chat ids below 10 are reserved; new rows start at 10.
INSERT INTO sqlite_sequence (name, seq) SELECT 'contacts', 9
	WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'contacts');
INSERT INTO sqlite_sequence (name, seq) SELECT 'chats', 9
	WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'chats');
`

// Sqlite is the modernc.org/sqlite-backed Adapter implementation.
type Sqlite struct {
	mu  sync.RWMutex
	db  *sqlx.DB
	dsn string
}

func init() {
	adapter.Register("sqlite", &Sqlite{})
}

func (s *Sqlite) Name() string { return "sqlite" }

func (s *Sqlite) Open(config string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return errors.New("sqlitestore: already open")
	}
	db, err := sqlx.Open("sqlite", config)
	if err != nil {
		return errors.Wrap(err, "sqlitestore: open")
	}
	// SQLite has a single writer; serialize at the connection-pool level so
	// callers (already single-writer per account per spec.md §5) never see
	// SQLITE_BUSY from overlapping writes within the same account.
	db.SetMaxOpenConns(1)
	s.db = db
	s.dsn = config
	return nil
}

func (s *Sqlite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Sqlite) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *Sqlite) CreateSchema(ctx context.Context, reset bool) error {
	if reset {
		for _, table := range []string{"contacts", "peerstates", "chats", "members", "messages", "kvmeta"} {
			if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
				return errors.Wrap(err, "sqlitestore: drop")
			}
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "sqlitestore: create schema")
	}
	return s.ConfigSet(ctx, "schema_version", "1")
}

func (s *Sqlite) CheckSchemaVersion(ctx context.Context) error {
	v, ok, err := s.ConfigGet(ctx, "schema_version")
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("sqlitestore: schema not initialized")
	}
	if v != "1" {
		return errors.Newf("sqlitestore: schema version mismatch: got %s want 1", v)
	}
	return nil
}

// --- Contacts ---

func (s *Sqlite) ContactUpsert(ctx context.Context, c *types.Contact) error {
	c.InitTimes()
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO contacts (primary_addr, name, authname, origin, blocked, profile_image, is_bot, created_at, updated_at)
		VALUES (:primary_addr, :name, :authname, :origin, :blocked, :profile_image, :is_bot, :created_at, :updated_at)
		ON CONFLICT(primary_addr) DO UPDATE SET
			name=excluded.name, authname=excluded.authname, origin=excluded.origin,
			blocked=excluded.blocked, is_bot=excluded.is_bot, updated_at=excluded.updated_at`,
		contactRow(c))
	if err != nil {
		return errors.Wrap(err, "sqlitestore: contact upsert")
	}
	if c.ID.IsZero() {
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			c.ID = types.ContactID(id)
		} else {
			got, _ := s.ContactGetByAddr(ctx, c.PrimaryAddr)
			if got != nil {
				c.ID = got.ID
			}
		}
	}
	return nil
}

func (s *Sqlite) ContactGetByAddr(ctx context.Context, addr string) (*types.Contact, error) {
	var row contactRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM contacts WHERE primary_addr = ?`, types.NormalizeAddr(addr))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: contact get by addr")
	}
	return row.toContact(), nil
}

func (s *Sqlite) ContactGet(ctx context.Context, id types.ContactID) (*types.Contact, error) {
	var row contactRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM contacts WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: contact get")
	}
	return row.toContact(), nil
}

func (s *Sqlite) ContactGetAll(ctx context.Context, ids ...types.ContactID) ([]types.Contact, error) {
	out := make([]types.Contact, 0, len(ids))
	for _, id := range ids {
		c, err := s.ContactGet(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *Sqlite) ContactSetBlocked(ctx context.Context, id types.ContactID, blocked bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE contacts SET blocked = ?, updated_at = ? WHERE id = ?`,
		blocked, types.TimeNow(), int64(id))
	return errors.Wrap(err, "sqlitestore: contact set blocked")
}

// --- Peerstates ---

func (s *Sqlite) PeerstateGet(ctx context.Context, addr string) (*types.Peerstate, error) {
	var row peerstateRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM peerstates WHERE addr = ?`, types.NormalizeAddr(addr))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: peerstate get")
	}
	return row.toPeerstate(), nil
}

func (s *Sqlite) PeerstateUpsert(ctx context.Context, p *types.Peerstate) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO peerstates (addr, last_seen, last_seen_autocrypt, prefer_encrypt, public_key,
			public_key_fingerprint, gossip_key, gossip_timestamp, verified_key, verified_key_fingerprint,
			verifier_addr, changed)
		VALUES (:addr, :last_seen, :last_seen_autocrypt, :prefer_encrypt, :public_key,
			:public_key_fingerprint, :gossip_key, :gossip_timestamp, :verified_key, :verified_key_fingerprint,
			:verifier_addr, :changed)
		ON CONFLICT(addr) DO UPDATE SET
			last_seen=excluded.last_seen, last_seen_autocrypt=excluded.last_seen_autocrypt,
			prefer_encrypt=excluded.prefer_encrypt, public_key=excluded.public_key,
			public_key_fingerprint=excluded.public_key_fingerprint, gossip_key=excluded.gossip_key,
			gossip_timestamp=excluded.gossip_timestamp, verified_key=excluded.verified_key,
			verified_key_fingerprint=excluded.verified_key_fingerprint, verifier_addr=excluded.verifier_addr,
			changed=excluded.changed`,
		peerstateRow(p))
	return errors.Wrap(err, "sqlitestore: peerstate upsert")
}

// --- Chats ---

func (s *Sqlite) ChatCreate(ctx context.Context, c *types.Chat) error {
	c.InitTimes()
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chats (type, name, grpid, protection, visibility, blocked, list_post,
			member_list_timestamp, created_at, updated_at)
		VALUES (:type, :name, :grpid, :protection, :visibility, :blocked, :list_post,
			:member_list_timestamp, :created_at, :updated_at)`,
		chatRow(c))
	if err != nil {
		return errors.Wrap(err, "sqlitestore: chat create")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "sqlitestore: chat create id")
	}
	c.ID = types.ChatID(id)
	return nil
}

func (s *Sqlite) ChatGet(ctx context.Context, id types.ChatID) (*types.Chat, error) {
	var row chatRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM chats WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: chat get")
	}
	return row.toChat(), nil
}

func (s *Sqlite) ChatGetByGrpid(ctx context.Context, grpid string) (*types.Chat, error) {
	if grpid == "" {
		return nil, nil
	}
	var row chatRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM chats WHERE grpid = ?`, grpid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: chat get by grpid")
	}
	return row.toChat(), nil
}

func (s *Sqlite) ChatGetByListID(ctx context.Context, listID string) (*types.Chat, error) {
	var row chatRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM chats WHERE type = ? AND list_post = ?`,
		int(types.ChatTypeMailinglist), listID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: chat get by list id")
	}
	return row.toChat(), nil
}

func (s *Sqlite) ChatGetSingleWith(ctx context.Context, other types.ContactID) (*types.Chat, error) {
	var row chatRowT
	err := s.db.GetContext(ctx, &row, `
		SELECT c.* FROM chats c
		JOIN members m ON m.chat_id = c.id
		WHERE c.type = ? AND m.contact_id = ? AND m.add_timestamp > m.remove_timestamp
		LIMIT 1`, int(types.ChatTypeSingle), int64(other))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: chat get single with")
	}
	return row.toChat(), nil
}

func (s *Sqlite) ChatGetAdHocByMemberSet(ctx context.Context, members []types.ContactID) (*types.Chat, error) {
	// Ad-hoc groups are matched by exact present-member set; with no
	// native array support in SQLite, compare counts and set membership.
	if len(members) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(members)+2)
	placeholders := ""
	for i, m := range members {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, int64(m))
	}
	args = append(args, int(types.ChatTypeGroup), len(members))
	query := `
		SELECT c.* FROM chats c
		WHERE c.type = ? AND c.grpid = ''
		AND (SELECT COUNT(*) FROM members m WHERE m.chat_id = c.id AND m.add_timestamp > m.remove_timestamp) = ?
		AND NOT EXISTS (
			SELECT 1 FROM members m WHERE m.chat_id = c.id AND m.add_timestamp > m.remove_timestamp
			AND m.contact_id NOT IN (` + placeholders + `)
		)`
	// Reorder args: they were built member ids first, but the query above
	// binds type/count before the NOT IN placeholders; move those two first.
	full := append(append([]interface{}{}, args[len(args)-2:]...), args[:len(args)-2]...)
	var row chatRowT
	err := s.db.GetContext(ctx, &row, query, full...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: chat get ad-hoc by member set")
	}
	return row.toChat(), nil
}

func (s *Sqlite) HasOutgoingTo(ctx context.Context, members []types.ContactID) (bool, error) {
	if len(members) == 0 {
		return false, nil
	}
	args := make([]interface{}, 0, len(members)+1)
	args = append(args, int64(types.ContactIDSelf))
	placeholders := ""
	for i, m := range members {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, int64(m))
	}
	query := `
		SELECT 1 FROM messages msg
		JOIN members mm ON mm.chat_id = msg.chat_id AND mm.add_timestamp > mm.remove_timestamp
		WHERE msg.from_id = ? AND mm.contact_id IN (` + placeholders + `)
		LIMIT 1`
	var exists int
	err := s.db.GetContext(ctx, &exists, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "sqlitestore: has outgoing to")
	}
	return true, nil
}

func (s *Sqlite) ChatUpdate(ctx context.Context, id types.ChatID, update map[string]interface{}) error {
	if len(update) == 0 {
		return nil
	}
	set := ""
	args := make([]interface{}, 0, len(update)+1)
	for k, v := range update {
		if set != "" {
			set += ", "
		}
		set += k + " = ?"
		args = append(args, v)
	}
	set += ", updated_at = ?"
	args = append(args, types.TimeNow(), int64(id))
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET `+set+` WHERE id = ?`, args...)
	return errors.Wrap(err, "sqlitestore: chat update")
}

// --- Membership ---

func (s *Sqlite) MemberUpsert(ctx context.Context, m *types.ChatMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (chat_id, contact_id, add_timestamp, remove_timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, contact_id) DO UPDATE SET
			add_timestamp=excluded.add_timestamp, remove_timestamp=excluded.remove_timestamp`,
		int64(m.ChatID), int64(m.ContactID), m.AddTimestamp, m.RemoveTimestamp)
	return errors.Wrap(err, "sqlitestore: member upsert")
}

func (s *Sqlite) MemberGet(ctx context.Context, chatID types.ChatID, contactID types.ContactID) (*types.ChatMember, error) {
	var row memberRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM members WHERE chat_id = ? AND contact_id = ?`,
		int64(chatID), int64(contactID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: member get")
	}
	return row.toMember(), nil
}

func (s *Sqlite) MembersForChat(ctx context.Context, chatID types.ChatID) ([]types.ChatMember, error) {
	var rows []memberRowT
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM members WHERE chat_id = ?`, int64(chatID)); err != nil {
		return nil, errors.Wrap(err, "sqlitestore: members for chat")
	}
	out := make([]types.ChatMember, len(rows))
	for i, r := range rows {
		out[i] = *r.toMember()
	}
	return out, nil
}

// --- Messages ---

func (s *Sqlite) MessageSave(ctx context.Context, m *types.Message) error {
	m.InitTimes()
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (rfc724_mid, chat_id, from_id, state, timestamp_sort, timestamp_sent,
			timestamp_rcvd, text, subject, viewtype, file_ref, error, download_state, hop_info,
			parent_rfc724_mid, is_dc_message, is_bot, show_padlock, is_edited, created_at, updated_at)
		VALUES (:rfc724_mid, :chat_id, :from_id, :state, :timestamp_sort, :timestamp_sent,
			:timestamp_rcvd, :text, :subject, :viewtype, :file_ref, :error, :download_state, :hop_info,
			:parent_rfc724_mid, :is_dc_message, :is_bot, :show_padlock, :is_edited, :created_at, :updated_at)`,
		messageRow(m))
	if err != nil {
		return errors.Wrap(err, "sqlitestore: message save")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "sqlitestore: message save id")
	}
	m.ID = id
	return nil
}

func (s *Sqlite) MessageGetByRfc724Mid(ctx context.Context, mid string) (*types.Message, error) {
	var row messageRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE rfc724_mid = ?`, mid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: message get by mid")
	}
	return row.toMessage(), nil
}

func (s *Sqlite) MessageGet(ctx context.Context, id int64) (*types.Message, error) {
	var row messageRowT
	err := s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: message get")
	}
	return row.toMessage(), nil
}

func (s *Sqlite) MessageUpdate(ctx context.Context, id int64, update map[string]interface{}) error {
	if len(update) == 0 {
		return nil
	}
	set := ""
	args := make([]interface{}, 0, len(update)+1)
	for k, v := range update {
		if set != "" {
			set += ", "
		}
		set += k + " = ?"
		args = append(args, v)
	}
	set += ", updated_at = ?"
	args = append(args, types.TimeNow(), id)
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET `+set+` WHERE id = ?`, args...)
	return errors.Wrap(err, "sqlitestore: message update")
}

func (s *Sqlite) MessagesForChat(ctx context.Context, chatID types.ChatID, since time.Time, limit int) ([]types.Message, error) {
	var rows []messageRowT
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM messages WHERE chat_id = ? AND created_at >= ?
		ORDER BY timestamp_sort ASC LIMIT ?`, int64(chatID), since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: messages for chat")
	}
	out := make([]types.Message, len(rows))
	for i, r := range rows {
		out[i] = *r.toMessage()
	}
	return out, nil
}

// --- Config ---

func (s *Sqlite) ConfigSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kvmeta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrap(err, "sqlitestore: config set")
}

func (s *Sqlite) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kvmeta WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "sqlitestore: config get")
	}
	return value, true, nil
}
