// Package config loads the daemon's JSON-with-comments configuration file,
// the same way teacher's tinode-db/main.go and server/main.go do: wrap the
// file reader in DisposaBoy/JsonConfigReader (teacher's jsonco is a thin
// fork of the same library) before handing it to encoding/json.
package config

import (
	"encoding/json"
	"io"
	"os"
	"time"

	jcr "github.com/DisposaBoy/JsonConfigReader"
)

// Config is the top-level daemon configuration, mirroring the shape of
// teacher's configType in tinode-db/main.go: one block per subsystem.
type Config struct {
	Account   AccountConfig   `json:"account"`
	Store     StoreConfig     `json:"store"`
	Log       LogConfig       `json:"log"`
	Transport TransportConfig `json:"transport"`
	Ingest    IngestConfig    `json:"ingest"`
}

// AccountConfig identifies the single local account this process ingests
// for (spec.md §5: one process may host many accounts, each with its own
// Orchestrator and config block in a multi-account deployment).
type AccountConfig struct {
	Addr  string `json:"addr"`
	IsBot bool   `json:"is_bot"`
}

// StoreConfig selects and configures the Adapter (spec.md §6).
type StoreConfig struct {
	// Adapter names a registered backend, e.g. "sqlite" or "mysql".
	Adapter string `json:"adapter"`
	// DSN is passed verbatim to Adapter.Open.
	DSN string `json:"dsn"`
}

// LogConfig controls zerolog's level and format.
type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// TransportConfig holds the IMAP/SMTP endpoints used to fetch and send mail.
type TransportConfig struct {
	IMAPAddr     string `json:"imap_addr"`
	IMAPUser     string `json:"imap_user"`
	IMAPPassword string `json:"imap_password"`
	SMTPAddr     string `json:"smtp_addr"`
	SMTPUser     string `json:"smtp_user"`
	SMTPPassword string `json:"smtp_password"`

	// PrivateKeyPath is an armored OpenPGP private key file used to decrypt
	// incoming Autocrypt payloads; empty disables decryption (mail is still
	// ingested, just never marked Decrypted).
	PrivateKeyPath string `json:"private_key_path"`
	PrivateKeyPassphrase string `json:"private_key_passphrase"`

	// Mailbox is the IMAP folder polled for new mail.
	Mailbox string `json:"mailbox"`
}

// IngestConfig tunes the ingest scheduler (spec.md §5, §9).
type IngestConfig struct {
	// PollInterval is how often an idle account checks its mailbox.
	PollInterval time.Duration `json:"poll_interval"`
	// EventQueueDepth bounds the per-account event channel (§9 Design Notes).
	EventQueueDepth int `json:"event_queue_depth"`
	// StaleGroupAfter is decoded from the config file but not read by any
	// component; GroupStateMachine uses its own fixed 60-day staleness
	// window (§4.5).
	StaleGroupAfter time.Duration `json:"stale_group_after"`
}

// Default returns the configuration used when no file is given, tuned for
// a single local account against the bundled sqlite backend.
func Default() Config {
	return Config{
		Store:     StoreConfig{Adapter: "sqlite", DSN: "veilmail.db"},
		Log:       LogConfig{Level: "info", Pretty: true},
		Transport: TransportConfig{Mailbox: "INBOX"},
		Ingest: IngestConfig{
			PollInterval:    30 * time.Second,
			EventQueueDepth: 256,
			StaleGroupAfter: 60 * 24 * time.Hour,
		},
	}
}

// Load reads and decodes a JSON-with-comments config file at path, applying
// defaults for anything the file doesn't set.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	return cfg, decode(f, &cfg)
}

func decode(r io.Reader, cfg *Config) error {
	return json.NewDecoder(jcr.New(r)).Decode(cfg)
}
