// Package mysqlstore is the alternate Adapter backend, mirroring teacher's
// pluggable multi-backend design (tinode/chat historically shipped mysql,
// rethinkdb and mongodb adapters behind the same Adapter interface; this
// core keeps sqlite as the default single-account backend and mysql as the
// shared-server alternative for multi-account deployments) over
// github.com/go-sql-driver/mysql, teacher's own driver choice.
package mysqlstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS kvmeta (
	k VARCHAR(255) PRIMARY KEY, v TEXT NOT NULL
) ENGINE=InnoDB CHARACTER SET utf8mb4;

CREATE TABLE IF NOT EXISTS contacts (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	primary_addr VARCHAR(320) NOT NULL UNIQUE,
	name VARCHAR(255) NOT NULL DEFAULT '',
	authname VARCHAR(255) NOT NULL DEFAULT '',
	origin INT NOT NULL DEFAULT 0,
	blocked TINYINT NOT NULL DEFAULT 0,
	profile_image MEDIUMBLOB,
	is_bot TINYINT NOT NULL DEFAULT 0,
	created_at DATETIME(3), updated_at DATETIME(3)
) ENGINE=InnoDB AUTO_INCREMENT=10 CHARACTER SET utf8mb4;

CREATE TABLE IF NOT EXISTS peerstates (
	addr VARCHAR(320) PRIMARY KEY,
	last_seen DATETIME(3), last_seen_autocrypt DATETIME(3),
	prefer_encrypt INT NOT NULL DEFAULT 0,
	public_key MEDIUMBLOB, public_key_fingerprint VARCHAR(64) NOT NULL DEFAULT '',
	gossip_key MEDIUMBLOB, gossip_timestamp DATETIME(3),
	verified_key MEDIUMBLOB, verified_key_fingerprint VARCHAR(64) NOT NULL DEFAULT '',
	verifier_addr VARCHAR(320) NOT NULL DEFAULT '',
	changed TINYINT NOT NULL DEFAULT 0
) ENGINE=InnoDB CHARACTER SET utf8mb4;

CREATE TABLE IF NOT EXISTS chats (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	type INT NOT NULL, name VARCHAR(255) NOT NULL DEFAULT '',
	grpid VARCHAR(64) NOT NULL DEFAULT '',
	protection INT NOT NULL DEFAULT 0, visibility INT NOT NULL DEFAULT 0,
	blocked INT NOT NULL DEFAULT 0, list_post VARCHAR(320) NOT NULL DEFAULT '',
	member_list_timestamp DATETIME(3),
	created_at DATETIME(3), updated_at DATETIME(3),
	UNIQUE KEY idx_grpid (grpid)
) ENGINE=InnoDB AUTO_INCREMENT=10 CHARACTER SET utf8mb4;

CREATE TABLE IF NOT EXISTS members (
	chat_id BIGINT NOT NULL, contact_id BIGINT NOT NULL,
	add_timestamp BIGINT NOT NULL DEFAULT 0, remove_timestamp BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, contact_id)
) ENGINE=InnoDB CHARACTER SET utf8mb4;

CREATE TABLE IF NOT EXISTS messages (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	rfc724_mid VARCHAR(998) NOT NULL, chat_id BIGINT NOT NULL, from_id BIGINT NOT NULL,
	state INT NOT NULL DEFAULT 0, timestamp_sort BIGINT NOT NULL,
	timestamp_sent BIGINT NOT NULL, timestamp_rcvd BIGINT NOT NULL,
	text MEDIUMTEXT, subject VARCHAR(998) NOT NULL DEFAULT '',
	viewtype INT NOT NULL DEFAULT 0, file_ref VARCHAR(255) NOT NULL DEFAULT '',
	error TEXT, download_state INT NOT NULL DEFAULT 0, hop_info TEXT,
	parent_rfc724_mid VARCHAR(998) NOT NULL DEFAULT '',
	is_dc_message TINYINT NOT NULL DEFAULT 0, is_bot TINYINT NOT NULL DEFAULT 0,
	show_padlock TINYINT NOT NULL DEFAULT 0, is_edited TINYINT NOT NULL DEFAULT 0,
	created_at DATETIME(3), updated_at DATETIME(3),
	UNIQUE KEY idx_mid (rfc724_mid(255)),
	KEY idx_chat (chat_id, timestamp_sort)
) ENGINE=InnoDB CHARACTER SET utf8mb4;
`

// MySQL is the go-sql-driver/mysql-backed Adapter implementation, intended
// for deployments hosting many accounts against one shared database server
// (spec.md §5: "A process may host many accounts").
type MySQL struct {
	mu sync.RWMutex
	db *sqlx.DB
}

func init() {
	adapter.Register("mysql", &MySQL{})
}

func (m *MySQL) Name() string { return "mysql" }

func (m *MySQL) Open(config string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return errors.New("mysqlstore: already open")
	}
	db, err := sqlx.Open("mysql", config)
	if err != nil {
		return errors.Wrap(err, "mysqlstore: open")
	}
	m.db = db
	return nil
}

func (m *MySQL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *MySQL) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db != nil
}

func (m *MySQL) CreateSchema(ctx context.Context, reset bool) error {
	if reset {
		if _, err := m.db.ExecContext(ctx, `DROP TABLE IF EXISTS messages, members, chats, peerstates, contacts, kvmeta`); err != nil {
			return errors.Wrap(err, "mysqlstore: drop")
		}
	}
	for _, stmt := range splitStatements(schema) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "mysqlstore: create schema")
		}
	}
	return m.ConfigSet(ctx, "schema_version", "1")
}

func (m *MySQL) CheckSchemaVersion(ctx context.Context) error {
	v, ok, err := m.ConfigGet(ctx, "schema_version")
	if err != nil {
		return err
	}
	if !ok || v != "1" {
		return errors.New("mysqlstore: schema not initialized or mismatched")
	}
	return nil
}

func (m *MySQL) ContactUpsert(ctx context.Context, c *types.Contact) error {
	c.InitTimes()
	res, err := m.db.NamedExecContext(ctx, `
		INSERT INTO contacts (primary_addr, name, authname, origin, blocked, profile_image, is_bot, created_at, updated_at)
		VALUES (:primary_addr, :name, :authname, :origin, :blocked, :profile_image, :is_bot, :created_at, :updated_at)
		ON DUPLICATE KEY UPDATE name=VALUES(name), authname=VALUES(authname), origin=VALUES(origin),
			blocked=VALUES(blocked), is_bot=VALUES(is_bot), updated_at=VALUES(updated_at)`,
		map[string]interface{}{
			"primary_addr": c.PrimaryAddr, "name": c.Name, "authname": c.Authname,
			"origin": int(c.Origin), "blocked": c.Blocked, "profile_image": c.ProfileImage,
			"is_bot": c.IsBot, "created_at": c.CreatedAt, "updated_at": c.UpdatedAt,
		})
	if err != nil {
		return errors.Wrap(err, "mysqlstore: contact upsert")
	}
	if c.ID.IsZero() {
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			c.ID = types.ContactID(id)
		}
	}
	return nil
}

func (m *MySQL) ContactGetByAddr(ctx context.Context, addr string) (*types.Contact, error) {
	var row contactRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM contacts WHERE primary_addr = ?`, types.NormalizeAddr(addr))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: contact get by addr")
	}
	return row.toContact(), nil
}

func (m *MySQL) ContactGet(ctx context.Context, id types.ContactID) (*types.Contact, error) {
	var row contactRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM contacts WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: contact get")
	}
	return row.toContact(), nil
}

func (m *MySQL) ContactGetAll(ctx context.Context, ids ...types.ContactID) ([]types.Contact, error) {
	out := make([]types.Contact, 0, len(ids))
	for _, id := range ids {
		c, err := m.ContactGet(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MySQL) ContactSetBlocked(ctx context.Context, id types.ContactID, blocked bool) error {
	_, err := m.db.ExecContext(ctx, `UPDATE contacts SET blocked = ?, updated_at = ? WHERE id = ?`,
		blocked, types.TimeNow(), int64(id))
	return errors.Wrap(err, "mysqlstore: contact set blocked")
}

func (m *MySQL) PeerstateGet(ctx context.Context, addr string) (*types.Peerstate, error) {
	var row peerstateRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM peerstates WHERE addr = ?`, types.NormalizeAddr(addr))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: peerstate get")
	}
	return row.toPeerstate(), nil
}

func (m *MySQL) PeerstateUpsert(ctx context.Context, p *types.Peerstate) error {
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO peerstates (addr, last_seen, last_seen_autocrypt, prefer_encrypt, public_key,
			public_key_fingerprint, gossip_key, gossip_timestamp, verified_key, verified_key_fingerprint,
			verifier_addr, changed)
		VALUES (:addr, :last_seen, :last_seen_autocrypt, :prefer_encrypt, :public_key,
			:public_key_fingerprint, :gossip_key, :gossip_timestamp, :verified_key, :verified_key_fingerprint,
			:verifier_addr, :changed)
		ON DUPLICATE KEY UPDATE last_seen=VALUES(last_seen), last_seen_autocrypt=VALUES(last_seen_autocrypt),
			prefer_encrypt=VALUES(prefer_encrypt), public_key=VALUES(public_key),
			public_key_fingerprint=VALUES(public_key_fingerprint), gossip_key=VALUES(gossip_key),
			gossip_timestamp=VALUES(gossip_timestamp), verified_key=VALUES(verified_key),
			verified_key_fingerprint=VALUES(verified_key_fingerprint), verifier_addr=VALUES(verifier_addr),
			changed=VALUES(changed)`, peerstateRow(p))
	return errors.Wrap(err, "mysqlstore: peerstate upsert")
}

func (m *MySQL) ChatCreate(ctx context.Context, c *types.Chat) error {
	c.InitTimes()
	res, err := m.db.NamedExecContext(ctx, `
		INSERT INTO chats (type, name, grpid, protection, visibility, blocked, list_post,
			member_list_timestamp, created_at, updated_at)
		VALUES (:type, :name, :grpid, :protection, :visibility, :blocked, :list_post,
			:member_list_timestamp, :created_at, :updated_at)`, chatRow(c))
	if err != nil {
		return errors.Wrap(err, "mysqlstore: chat create")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "mysqlstore: chat create id")
	}
	c.ID = types.ChatID(id)
	return nil
}

func (m *MySQL) ChatGet(ctx context.Context, id types.ChatID) (*types.Chat, error) {
	var row chatRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM chats WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: chat get")
	}
	return row.toChat(), nil
}

func (m *MySQL) ChatGetByGrpid(ctx context.Context, grpid string) (*types.Chat, error) {
	if grpid == "" {
		return nil, nil
	}
	var row chatRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM chats WHERE grpid = ?`, grpid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: chat get by grpid")
	}
	return row.toChat(), nil
}

func (m *MySQL) ChatGetByListID(ctx context.Context, listID string) (*types.Chat, error) {
	var row chatRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM chats WHERE type = ? AND list_post = ?`,
		int(types.ChatTypeMailinglist), listID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: chat get by list id")
	}
	return row.toChat(), nil
}

func (m *MySQL) ChatGetSingleWith(ctx context.Context, other types.ContactID) (*types.Chat, error) {
	var row chatRowT
	err := m.db.GetContext(ctx, &row, `
		SELECT c.* FROM chats c JOIN members mm ON mm.chat_id = c.id
		WHERE c.type = ? AND mm.contact_id = ? AND mm.add_timestamp > mm.remove_timestamp
		LIMIT 1`, int(types.ChatTypeSingle), int64(other))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: chat get single with")
	}
	return row.toChat(), nil
}

func (m *MySQL) ChatGetAdHocByMemberSet(ctx context.Context, members []types.ContactID) (*types.Chat, error) {
	if len(members) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(members))
	for i, mid := range members {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, int64(mid))
	}
	query := `
		SELECT c.* FROM chats c
		WHERE c.type = ? AND c.grpid = ''
		AND (SELECT COUNT(*) FROM members mm WHERE mm.chat_id = c.id AND mm.add_timestamp > mm.remove_timestamp) = ?
		AND NOT EXISTS (
			SELECT 1 FROM members mm WHERE mm.chat_id = c.id AND mm.add_timestamp > mm.remove_timestamp
			AND mm.contact_id NOT IN (` + placeholders + `)
		)`
	full := append([]interface{}{int(types.ChatTypeGroup), len(members)}, args...)
	var row chatRowT
	err := m.db.GetContext(ctx, &row, query, full...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: chat get ad-hoc by member set")
	}
	return row.toChat(), nil
}

func (m *MySQL) HasOutgoingTo(ctx context.Context, members []types.ContactID) (bool, error) {
	if len(members) == 0 {
		return false, nil
	}
	args := make([]interface{}, 0, len(members)+1)
	args = append(args, int64(types.ContactIDSelf))
	placeholders := ""
	for i, mid := range members {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, int64(mid))
	}
	query := `
		SELECT 1 FROM messages msg
		JOIN members mm ON mm.chat_id = msg.chat_id AND mm.add_timestamp > mm.remove_timestamp
		WHERE msg.from_id = ? AND mm.contact_id IN (` + placeholders + `)
		LIMIT 1`
	var exists int
	err := m.db.GetContext(ctx, &exists, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "mysqlstore: has outgoing to")
	}
	return true, nil
}

func (m *MySQL) ChatUpdate(ctx context.Context, id types.ChatID, update map[string]interface{}) error {
	if len(update) == 0 {
		return nil
	}
	set := ""
	args := make([]interface{}, 0, len(update)+2)
	for k, v := range update {
		if set != "" {
			set += ", "
		}
		set += k + " = ?"
		args = append(args, v)
	}
	set += ", updated_at = ?"
	args = append(args, types.TimeNow(), int64(id))
	_, err := m.db.ExecContext(ctx, `UPDATE chats SET `+set+` WHERE id = ?`, args...)
	return errors.Wrap(err, "mysqlstore: chat update")
}

func (m *MySQL) MemberUpsert(ctx context.Context, mem *types.ChatMember) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO members (chat_id, contact_id, add_timestamp, remove_timestamp)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE add_timestamp=VALUES(add_timestamp), remove_timestamp=VALUES(remove_timestamp)`,
		int64(mem.ChatID), int64(mem.ContactID), mem.AddTimestamp, mem.RemoveTimestamp)
	return errors.Wrap(err, "mysqlstore: member upsert")
}

func (m *MySQL) MemberGet(ctx context.Context, chatID types.ChatID, contactID types.ContactID) (*types.ChatMember, error) {
	var row memberRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM members WHERE chat_id = ? AND contact_id = ?`,
		int64(chatID), int64(contactID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: member get")
	}
	return row.toMember(), nil
}

func (m *MySQL) MembersForChat(ctx context.Context, chatID types.ChatID) ([]types.ChatMember, error) {
	var rows []memberRowT
	if err := m.db.SelectContext(ctx, &rows, `SELECT * FROM members WHERE chat_id = ?`, int64(chatID)); err != nil {
		return nil, errors.Wrap(err, "mysqlstore: members for chat")
	}
	out := make([]types.ChatMember, len(rows))
	for i, r := range rows {
		out[i] = *r.toMember()
	}
	return out, nil
}

func (m *MySQL) MessageSave(ctx context.Context, msg *types.Message) error {
	msg.InitTimes()
	res, err := m.db.NamedExecContext(ctx, `
		INSERT INTO messages (rfc724_mid, chat_id, from_id, state, timestamp_sort, timestamp_sent,
			timestamp_rcvd, text, subject, viewtype, file_ref, error, download_state, hop_info,
			parent_rfc724_mid, is_dc_message, is_bot, show_padlock, is_edited, created_at, updated_at)
		VALUES (:rfc724_mid, :chat_id, :from_id, :state, :timestamp_sort, :timestamp_sent,
			:timestamp_rcvd, :text, :subject, :viewtype, :file_ref, :error, :download_state, :hop_info,
			:parent_rfc724_mid, :is_dc_message, :is_bot, :show_padlock, :is_edited, :created_at, :updated_at)`,
		messageRow(msg))
	if err != nil {
		return errors.Wrap(err, "mysqlstore: message save")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "mysqlstore: message save id")
	}
	msg.ID = id
	return nil
}

func (m *MySQL) MessageGetByRfc724Mid(ctx context.Context, mid string) (*types.Message, error) {
	var row messageRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE rfc724_mid = ?`, mid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: message get by mid")
	}
	return row.toMessage(), nil
}

func (m *MySQL) MessageGet(ctx context.Context, id int64) (*types.Message, error) {
	var row messageRowT
	err := m.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: message get")
	}
	return row.toMessage(), nil
}

func (m *MySQL) MessageUpdate(ctx context.Context, id int64, update map[string]interface{}) error {
	if len(update) == 0 {
		return nil
	}
	set := ""
	args := make([]interface{}, 0, len(update)+2)
	for k, v := range update {
		if set != "" {
			set += ", "
		}
		set += k + " = ?"
		args = append(args, v)
	}
	set += ", updated_at = ?"
	args = append(args, types.TimeNow(), id)
	_, err := m.db.ExecContext(ctx, `UPDATE messages SET `+set+` WHERE id = ?`, args...)
	return errors.Wrap(err, "mysqlstore: message update")
}

func (m *MySQL) MessagesForChat(ctx context.Context, chatID types.ChatID, since time.Time, limit int) ([]types.Message, error) {
	var rows []messageRowT
	err := m.db.SelectContext(ctx, &rows, `
		SELECT * FROM messages WHERE chat_id = ? AND created_at >= ?
		ORDER BY timestamp_sort ASC LIMIT ?`, int64(chatID), since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "mysqlstore: messages for chat")
	}
	out := make([]types.Message, len(rows))
	for i, r := range rows {
		out[i] = *r.toMessage()
	}
	return out, nil
}

func (m *MySQL) ConfigSet(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO kvmeta (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)`, key, value)
	return errors.Wrap(err, "mysqlstore: config set")
}

func (m *MySQL) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := m.db.GetContext(ctx, &value, `SELECT v FROM kvmeta WHERE k = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "mysqlstore: config get")
	}
	return value, true, nil
}

// splitStatements splits a ";"-terminated multi-statement schema string,
// since go-sql-driver/mysql (unlike modernc.org/sqlite) does not execute
// multiple statements in one ExecContext call by default.
func splitStatements(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			stmt := trim(s[start:i])
			if stmt != "" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	return out
}

func trim(s string) string {
	for len(s) > 0 && (s[0] == '\n' || s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
