package mimeparser

import (
	"bytes"
	"context"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/veilmail/core/internal/types"
)

// Parser parses raw RFC 5322 bytes into a ParsedMessage (spec.md §4.1).
type Parser struct {
	SelfAddr  string
	Decryptor Decryptor
	// ChatProtected, when non-nil, reports whether the chat this message
	// resolves into is Protected. The mailing-list footer trim refuses to
	// touch a Protected chat's signed plaintext body.
	ChatProtected func(msgID string) bool
}

// New builds a Parser. A nil decryptor disables decryption (every
// multipart/encrypted body is reported as DecryptFailed).
func New(selfAddr string, dec Decryptor) *Parser {
	if dec == nil {
		dec = noopDecryptor{}
	}
	return &Parser{SelfAddr: selfAddr, Decryptor: dec}
}

// Parse implements the MimeParser contract of spec.md §4.1.
func (p *Parser) Parse(ctx context.Context, raw []byte) (*ParsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	pm := &ParsedMessage{SignerFingerprints: map[string]bool{}}
	p.readHeaders(entity.Header, pm)

	ct, ctParams, _ := entity.Header.ContentType()
	switch {
	case ct == "multipart/encrypted":
		p.handleEncrypted(ctx, entity, pm)
	case ct == "multipart/report" && strings.EqualFold(ctParams["report-type"], "disposition-notification"):
		p.handleMDN(entity, pm)
	default:
		p.walkBody(entity, pm, false)
	}

	if pm.From == "" {
		if pm.MessageID == "" {
			// Unauthenticatable in any way: dropped by the caller, not here.
			return pm, errMissingFrom
		}
	} else if pm.MessageID == "" {
		pm.MessageID = types.DeterministicMessageID(pm.From, pm.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700"), pm.Subject)
	}

	p.applyForgedFromRule(pm)
	p.dropMailinglistFooter(pm)
	p.squashParts(pm)

	return pm, nil
}

var errMissingFrom = missingFromError{}

type missingFromError struct{}

func (missingFromError) Error() string { return "mimeparser: message has neither From nor Message-ID" }

// IsMissingFrom reports whether err is the "drop without even a TRASH
// entry" case from spec.md §4.1.
func IsMissingFrom(err error) bool {
	_, ok := err.(missingFromError)
	return ok
}

func (p *Parser) readHeaders(h message.Header, pm *ParsedMessage) {
	mh := mail.Header{Header: h}
	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
		pm.From = types.NormalizeAddr(addrs[0].Address)
	}
	if addrs, err := mh.AddressList("Sender"); err == nil && len(addrs) > 0 {
		pm.Sender = types.NormalizeAddr(addrs[0].Address)
	}
	if addrs, err := mh.AddressList("To"); err == nil {
		pm.To = addrListStrings(addrs)
	}
	if addrs, err := mh.AddressList("Cc"); err == nil {
		pm.Cc = addrListStrings(addrs)
	}
	if addrs, err := mh.AddressList("Bcc"); err == nil {
		pm.Bcc = addrListStrings(addrs)
	}
	pm.Date = parseDate(h.Get("Date"))
	if subj, err := mh.Subject(); err == nil {
		pm.Subject = subj
	} else {
		pm.Subject = h.Get("Subject")
	}
	pm.MessageID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	pm.InReplyTo = strings.Trim(strings.TrimSpace(h.Get("In-Reply-To")), "<>")
	if refs := strings.TrimSpace(h.Get("References")); refs != "" {
		for _, r := range strings.Fields(refs) {
			pm.References = append(pm.References, strings.Trim(r, "<>"))
		}
	}

	pm.ListID = parseListID(h.Get("List-Id"))
	pm.ChatVersion = strings.TrimSpace(h.Get("Chat-Version")) != ""
	pm.ContentHint = strings.TrimSpace(h.Get("Chat-Content"))
	pm.DispositionNotificationTo = strings.TrimSpace(h.Get("Chat-Disposition-Notification-To"))
	pm.SecureJoin = strings.TrimSpace(h.Get("Secure-Join"))
	pm.Group = parseGroupHeaders(mh)
	if ac := h.Get("Autocrypt"); ac != "" {
		pm.Autocrypt = parseAutocrypt(ac)
	}
	pm.Gossip = parseGossip(h.Values("Autocrypt-Gossip"))

	switch {
	case pm.Group.NameChangedFrom != "":
		pm.SystemKind = SystemGroupNameChanged
	case pm.Group.MemberAdded != "":
		pm.SystemKind = SystemMemberAdded
	case pm.Group.MemberRemoved != "":
		pm.SystemKind = SystemMemberRemoved
	case pm.SecureJoin != "":
		pm.SystemKind = SystemSecureJoin
	}
}

func (p *Parser) handleEncrypted(ctx context.Context, entity *message.Entity, pm *ParsedMessage) {
	var buf bytes.Buffer
	if entity.Body != nil {
		_, _ = io.Copy(&buf, entity.Body)
	}
	plain, signers, err := p.Decryptor.Decrypt(ctx, buf.Bytes())
	if err != nil || plain == nil {
		pm.Decrypt = DecryptFailed
		return
	}
	for _, fpr := range signers {
		pm.SignerFingerprints[fpr] = true
	}
	pm.Decrypt = Decrypted

	inner, err := message.Read(bytes.NewReader(plain))
	if err != nil {
		pm.Decrypt = DecryptFailed
		return
	}
	// Protected headers (RFC 1847 / memoryhole): inner headers override
	// outer ones, spec.md §4.1.
	innerPM := &ParsedMessage{SignerFingerprints: pm.SignerFingerprints}
	p.readHeaders(inner.Header, innerPM)
	innerPM.Decrypt = pm.Decrypt
	*pm = *innerPM
	p.walkBody(inner, pm, true)
}

func (p *Parser) handleMDN(entity *message.Entity, pm *ParsedMessage) {
	mr := entity.MultipartReader()
	if mr == nil {
		return
	}
	isDSN := false
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct, params, _ := part.Header.ContentType()
		switch ct {
		case "message/disposition-notification":
			pm.IsMDN = true
			var buf bytes.Buffer
			_, _ = io.Copy(&buf, part.Body)
			pm.MDNOriginalMessageID = extractOriginalMessageID(buf.String())
		case "text/plain":
			if strings.EqualFold(params["action"], "failed") || strings.Contains(strings.ToLower(ct), "failed") {
				isDSN = true
			}
		}
	}
	if isDSN {
		pm.IsDSN = true
		pm.DSNFailed = true
	}
}

func extractOriginalMessageID(report string) string {
	for _, line := range strings.Split(report, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(line), "original-message-id:") {
			v := strings.TrimSpace(line[len("original-message-id:"):])
			return strings.Trim(v, "<>")
		}
	}
	return ""
}

// walkBody recursively collects text/html parts and attachments.
// fromSignedPart is true when walking the decrypted inner entity; FromIsSigned
// is then set if any signer fingerprint was reported, whichever key it
// belongs to (MessageIngest replaces it with the From-address key check).
func (p *Parser) walkBody(entity *message.Entity, pm *ParsedMessage, fromSignedPart bool) {
	mr := entity.MultipartReader()
	if mr == nil {
		p.collectLeaf(entity, pm)
		if fromSignedPart {
			pm.FromIsSigned = len(pm.SignerFingerprints) > 0
		}
		return
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		p.walkBody(part, pm, fromSignedPart)
	}
}

func (p *Parser) collectLeaf(entity *message.Entity, pm *ParsedMessage) {
	ct, params, _ := entity.Header.ContentType()
	var buf bytes.Buffer
	if entity.Body != nil {
		_, _ = io.Copy(&buf, entity.Body)
	}
	data := buf.Bytes()

	disp, dispParams, _ := entity.Header.ContentDisposition()
	filename := dispParams["filename"]
	if filename == "" {
		filename = params["name"]
	}
	if filename != "" {
		filename = decodeWord(filename)
	}

	switch {
	case ct == "text/plain" && disp != "attachment":
		if pm.TextBody == "" {
			pm.TextBody = string(data)
		}
	case ct == "text/html" && disp != "attachment":
		if pm.HTMLBody == "" {
			pm.HTMLBody = string(data)
		}
	default:
		pm.Attachments = append(pm.Attachments, Attachment{
			Filename:    sanitizeFilename(filename, data),
			ContentType: ct,
			Data:        data,
			Inline:      disp == "inline",
		})
	}
}

func decodeWord(s string) string {
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}

// applyForgedFromRule covers the half of spec.md §4.1's Forged-From rule
// mimeparser can decide on its own: an unencrypted message is never
// authenticated, signed or not. Whether a present signature actually
// matches the From address's known key requires the peerstate lookup this
// package deliberately has no handle to; MessageIngest overwrites
// FromIsSigned with that fuller check before it's used for TRASH-routing or
// show_padlock.
func (p *Parser) applyForgedFromRule(pm *ParsedMessage) {
	if pm.Decrypt != Decrypted {
		pm.FromIsSigned = false
	}
}

// dropMailinglistFooter implements the best-effort mailing-list footer
// heuristic from spec.md §4.1: a trailing plain-text part is dropped when
// the primary part is HTML and the plain-text part looks like list-manager
// boilerplate. Never applied to a signed message, nor when ChatProtected
// reports the resolved chat as Protected, since a signed body must not be
// mutated.
func (p *Parser) dropMailinglistFooter(pm *ParsedMessage) {
	if pm.HTMLBody == "" || pm.TextBody == "" {
		return
	}
	if len(pm.SignerFingerprints) > 0 {
		return
	}
	if p.ChatProtected != nil && p.ChatProtected(pm.MessageID) {
		return
	}
	if looksLikeListFooter(pm.TextBody) {
		pm.TextBody = ""
	}
}

func looksLikeListFooter(text string) bool {
	lower := strings.ToLower(text)
	markers := []string{"unsubscribe", "mailing list", "list-unsubscribe", "you are receiving this"}
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// squashParts implements spec.md §4.1's "squashed parts" rule: when dozens
// of embedded images arrive in one message, only the first meaningful image
// becomes user-visible; the rest move to Stashed.
func (p *Parser) squashParts(pm *ParsedMessage) {
	const squashThreshold = 4
	imageCount := 0
	for _, a := range pm.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			imageCount++
		}
	}
	if imageCount <= squashThreshold {
		return
	}
	kept := make([]Attachment, 0, len(pm.Attachments))
	seenImage := false
	for _, a := range pm.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			if !seenImage {
				kept = append(kept, a)
				seenImage = true
				continue
			}
			pm.Stashed = append(pm.Stashed, a)
			continue
		}
		kept = append(kept, a)
	}
	pm.Attachments = kept
}
