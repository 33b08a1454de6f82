// Package transport implements the IMAP/SMTP/OpenPGP collaborators that sit
// outside the core pipeline (spec.md §9 "Design Notes"): fetching raw
// message bytes, sending outgoing mail, and decrypting OpenPGP payloads.
// Adapted from the credential/connection bookkeeping shape of teacher's
// server/auth/token/auth_token.go (Init(config) error, then small serialized
// operations) generalized to three narrow network collaborators instead of
// one token authenticator.
package transport

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/veilmail/core/internal/logging"
)

// IMAPFetcher pulls raw message bytes from one IMAP mailbox, handing them to
// the ingest orchestrator in arrival order. It holds one connection at a
// time; callers that need concurrent mailboxes run one IMAPFetcher each.
type IMAPFetcher struct {
	addr     string
	user     string
	password string

	client *imapclient.Client
}

// NewIMAPFetcher configures (but does not connect) a fetcher for addr,
// mirroring teacher's Init(config)-then-use pattern for authenticators.
func NewIMAPFetcher(addr, user, password string) *IMAPFetcher {
	return &IMAPFetcher{addr: addr, user: user, password: password}
}

// Connect dials addr over implicit TLS and authenticates via LOGIN.
func (f *IMAPFetcher) Connect(ctx context.Context) error {
	c, err := imapclient.DialTLS(f.addr, nil)
	if err != nil {
		return fmt.Errorf("imap dial %s: %w", f.addr, err)
	}
	if err := c.Login(f.user, f.password).Wait(); err != nil {
		_ = c.Close()
		return fmt.Errorf("imap login: %w", err)
	}
	f.client = c
	return nil
}

func (f *IMAPFetcher) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

// FetchNewRaw selects mailbox, then returns the raw RFC 5322 bytes of every
// message with UID greater than sinceUID, in ascending UID order, plus the
// highest UID seen (for the caller's next poll cursor).
func (f *IMAPFetcher) FetchNewRaw(ctx context.Context, mailbox string, sinceUID uint32) ([][]byte, uint32, error) {
	if f.client == nil {
		return nil, sinceUID, fmt.Errorf("imap: not connected")
	}
	if _, err := f.client.Select(mailbox, nil).Wait(); err != nil {
		return nil, sinceUID, fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	uidSet := imap.UIDSetNum(imap.UID(sinceUID + 1))
	if sinceUID == 0 {
		uidSet = imap.UIDSetNum(imap.UID(1))
	}
	uidSet[0].Stop = 0 // 0 means "no upper bound" in UIDSet ranges.

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	cmd := f.client.Fetch(uidSet, fetchOpts)
	defer cmd.Close()

	var raws [][]byte
	highest := sinceUID
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, uid, err := readFetchMessage(msg)
		if err != nil {
			logging.For("transport.imap").Warn().Err(err).Msg("skipping unreadable message")
			continue
		}
		if uid <= sinceUID {
			continue
		}
		raws = append(raws, buf)
		if uint32(uid) > highest {
			highest = uint32(uid)
		}
	}
	if err := cmd.Close(); err != nil {
		return raws, highest, fmt.Errorf("imap fetch: %w", err)
	}
	return raws, highest, nil
}

func readFetchMessage(msg *imapclient.FetchMessageBuffer) ([]byte, imap.UID, error) {
	for _, section := range msg.BodySection {
		if section.Bytes != nil {
			return section.Bytes, msg.UID, nil
		}
	}
	return nil, msg.UID, fmt.Errorf("imap: fetch response had no body section")
}
