// Package ingest implements MessageIngest (spec.md §4.7), the orchestrator
// that threads one raw message through MimeParser, ContactStore, Peerstate,
// ChatResolver, GroupStateMachine and VerifiedTrust, then persists and
// emits events. Adapted from the per-topic serialized message handling in
// teacher's server/topic.go (one actor goroutine per unit of concurrency,
// messages handled one at a time in arrival order) generalized from
// per-topic to per-account serialization (spec.md §5).
package ingest

import (
	"context"
	"time"

	"github.com/veilmail/core/internal/chatresolver"
	"github.com/veilmail/core/internal/contactstore"
	"github.com/veilmail/core/internal/events"
	"github.com/veilmail/core/internal/groupstate"
	"github.com/veilmail/core/internal/ingesterr"
	"github.com/veilmail/core/internal/logging"
	"github.com/veilmail/core/internal/mimeparser"
	"github.com/veilmail/core/internal/peerstate"
	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/types"
	"github.com/veilmail/core/internal/verifiedtrust"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veilmail_ingest_messages_total",
		Help: "Messages processed by MessageIngest, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(ingestedTotal)
}

// Orchestrator runs MessageIngest for one account. Not safe for concurrent
// use by design: spec.md §5 requires strictly serial ingest per account, so
// callers run one Orchestrator per account behind a single goroutine.
type Orchestrator struct {
	db        adapter.Adapter
	parser    *mimeparser.Parser
	contacts  *contactstore.Store
	peers     *peerstate.Store
	resolver  *chatresolver.Resolver
	groups    *groupstate.Machine
	trust     *verifiedtrust.Checker
	bus       *events.Bus
	selfAddr  string
}

func New(db adapter.Adapter, selfAddr string, isBot bool, dec mimeparser.Decryptor, bus *events.Bus) *Orchestrator {
	peers := peerstate.New(db)
	return &Orchestrator{
		db:       db,
		parser:   mimeparser.New(selfAddr, dec),
		contacts: contactstore.New(db, selfAddr),
		peers:    peers,
		resolver: chatresolver.New(db, selfAddr, isBot),
		groups:   groupstate.New(db, peers),
		trust:    verifiedtrust.New(db, peers),
		bus:      bus,
		selfAddr: selfAddr,
	}
}

// Ingest implements the 9-step pipeline of spec.md §4.7 for one raw
// message.
func (o *Orchestrator) Ingest(ctx context.Context, raw []byte) error {
	logger := logging.For("ingest")

	// 1. Parse.
	pm, err := o.parser.Parse(ctx, raw)
	if err != nil {
		if mimeparser.IsMissingFrom(err) {
			ingestedTotal.WithLabelValues("drop").Inc()
			return nil
		}
		ingestedTotal.WithLabelValues("drop").Inc()
		return nil
	}

	// Delivery receipts never create chats or contacts (spec.md §4.7).
	if pm.IsDSN {
		return o.applyDSN(ctx, pm)
	}
	if pm.IsMDN {
		return o.applyMDN(ctx, pm)
	}

	// 2. Dedupe by rfc724_mid.
	existing, err := o.db.MessageGetByRfc724Mid(ctx, pm.MessageID)
	if err != nil {
		ingestedTotal.WithLabelValues("retry").Inc()
		return ingesterr.New(ingesterr.KindRetryable, "dedupe", err)
	}
	if existing != nil {
		ingestedTotal.WithLabelValues("idempotent").Inc()
		return nil
	}

	dir := chatresolver.Inbound
	if pm.From == o.selfAddr {
		dir = chatresolver.Outbound
	}

	// 3. Upsert sender Contact. isSignedFrom per spec.md §4.1 requires the
	// signer's fingerprint to match the peerstate's key already on file for
	// From, not merely that some signature validated during decryption.
	priorPeer, err := o.peers.Peek(ctx, pm.From)
	if err != nil {
		ingestedTotal.WithLabelValues("retry").Inc()
		return ingesterr.New(ingesterr.KindRetryable, "peerstate peek", err)
	}
	origin := types.OriginIncomingTo
	if dir == chatresolver.Outbound {
		origin = types.OriginOutgoingTo
	}
	sender, err := o.contacts.Upsert(ctx, pm.From, pm.From, origin, signerMatchesPeerKey(pm.SignerFingerprints, priorPeer))
	if err != nil {
		ingestedTotal.WithLabelValues("retry").Inc()
		return ingesterr.New(ingesterr.KindRetryable, "contact upsert", err)
	}
	resolveContact := func(addr string) types.ContactID {
		c, err := o.contacts.Upsert(ctx, addr, addr, types.OriginIncomingCc, false)
		if err != nil || c == nil {
			return 0
		}
		return c.ID
	}

	// 4. Update Peerstate from Autocrypt/gossip.
	if pm.Autocrypt != nil {
		if _, err := o.peers.ApplyHeader(ctx, pm.From, &peerstate.Header{
			Addr: pm.Autocrypt.Addr, KeyData: pm.Autocrypt.KeyData, Fingerprint: fingerprintOf(pm.Autocrypt.KeyData),
			PreferEncrypt: pm.Autocrypt.PreferEncrypt,
		}, pm.SignerFingerprints, pm.Date); err != nil {
			ingestedTotal.WithLabelValues("retry").Inc()
			return ingesterr.New(ingesterr.KindRetryable, "peerstate apply_header", err)
		}
	}
	for _, g := range pm.Gossip {
		if _, err := o.peers.ApplyGossip(ctx, &peerstate.GossipHeader{
			Addr: g.Addr, KeyData: g.KeyData, Fingerprint: fingerprintOf(g.KeyData),
		}, pm.SignerFingerprints, pm.Date); err != nil {
			ingestedTotal.WithLabelValues("retry").Inc()
			return ingesterr.New(ingesterr.KindRetryable, "peerstate apply_gossip", err)
		}
	}

	// Forged-From rule (spec.md §4.1): re-check against the peerstate key
	// now that step 4 may have just recorded it, and make the result
	// authoritative over mimeparser's "signed by something" guess — a
	// signature that doesn't match the From address's own key on file must
	// not authenticate it.
	peer, err := o.peers.Peek(ctx, pm.From)
	if err != nil {
		ingestedTotal.WithLabelValues("retry").Inc()
		return ingesterr.New(ingesterr.KindRetryable, "peerstate peek", err)
	}
	pm.FromIsSigned = signerMatchesPeerKey(pm.SignerFingerprints, peer)
	if pm.Decrypt == mimeparser.Decrypted && !pm.FromIsSigned {
		return o.persistToTrash(ctx, pm, sender.ID)
	}

	// 5. Resolve chat.
	result, err := o.resolver.Resolve(ctx, pm, dir, resolveContact)
	if err != nil {
		ingestedTotal.WithLabelValues("retry").Inc()
		return ingesterr.New(ingesterr.KindRetryable, "chat resolve", err)
	}
	if result == nil || result.Chat == nil {
		ingestedTotal.WithLabelValues("drop").Inc()
		return nil
	}
	chat := result.Chat

	// 6. Apply GroupStateMachine deltas.
	var delta *groupstate.Delta
	if chat.Type == types.ChatTypeGroup {
		recipientIDs := make([]types.ContactID, 0, len(pm.To)+len(pm.Cc))
		for _, a := range append(append([]string{}, pm.To...), pm.Cc...) {
			if id := resolveContact(a); !id.IsZero() {
				recipientIDs = append(recipientIDs, id)
			}
		}
		var pastIDs []types.ContactID
		for _, a := range pm.Group.PastMembers {
			if id := resolveContact(a); !id.IsZero() {
				pastIDs = append(pastIDs, id)
			}
		}
		delta, err = o.groups.Apply(ctx, chat, pm, recipientIDs, pastIDs, pm.Date.Unix())
		if err != nil {
			ingestedTotal.WithLabelValues("retry").Inc()
			return ingesterr.New(ingesterr.KindRetryable, "groupstate apply", err)
		}
	}

	// 7. VerifiedTrust invariant check.
	trustOutcome, err := o.trust.CheckIncoming(ctx, chat, pm.From, pm.SignerFingerprints, len(pm.SignerFingerprints) > 0)
	if err != nil {
		ingestedTotal.WithLabelValues("retry").Inc()
		return ingesterr.New(ingesterr.KindRetryable, "verifiedtrust check", err)
	}

	// 8. Persist the Message row with clamped timestamp_sort.
	sortTs := computeTimestampSort(ctx, o.db, pm)
	msg := &types.Message{
		Rfc724Mid:       pm.MessageID,
		ChatID:          chat.ID,
		FromID:          sender.ID,
		State:           inboundOrOutboundState(dir),
		TimestampSort:   sortTs,
		TimestampSent:   pm.Date.Unix(),
		TimestampRcvd:   time.Now().Unix(),
		Text:            pm.TextBody,
		Subject:         pm.Subject,
		ParentRfc724Mid: pm.InReplyTo,
		IsDcMessage:     pm.ChatVersion,
		ShowPadlock:     pm.Decrypt == mimeparser.Decrypted && pm.FromIsSigned,
		DownloadState:   downloadStateFor(pm),
	}
	if chat.Blocked == types.BlockYes {
		msg.ChatID = types.ChatIDTrash
	}
	if err := o.db.MessageSave(ctx, msg); err != nil {
		ingestedTotal.WithLabelValues("retry").Inc()
		return ingesterr.New(ingesterr.KindRetryable, "message save", err)
	}

	// 9. Emit events.
	suppressed := chat.Blocked == types.BlockYes || msg.ChatID == types.ChatIDTrash || pm.SystemKind != mimeparser.SystemNone
	if !suppressed {
		o.bus.Publish(events.Event{Kind: events.KindIncomingMsg, ChatID: chat.ID, MsgID: msg.ID})
	}
	if delta != nil && delta.Changed {
		o.bus.Publish(events.Event{Kind: events.KindChatModified, ChatID: chat.ID})
	}
	o.bus.Publish(events.Event{Kind: events.KindContactsChanged, Contact: sender.ID})
	if trustOutcome.Transitioned && trustOutcome.InsertInfoMsg {
		if err := o.insertTrustInfoMsg(ctx, chat.ID, trustOutcome.NewProtection); err != nil {
			logger.Warn().Err(err).Msg("failed to insert verified-trust info message")
		} else {
			o.bus.Publish(events.Event{Kind: events.KindChatModified, ChatID: chat.ID})
		}
	}

	ingestedTotal.WithLabelValues("deliver").Inc()
	logger.Info().Str("rfc724_mid", pm.MessageID).Int64("chat_id", int64(chat.ID)).Msg("ingested message")
	return nil
}

// insertTrustInfoMsg records the ProtectionBroken transition as a visible
// system message from the reserved Info contact (spec.md §3, §4.6), so the
// UI has something to render without re-deriving the transition itself.
func (o *Orchestrator) insertTrustInfoMsg(ctx context.Context, chatID types.ChatID, newProtection types.Protection) error {
	text := "End-to-end encryption is broken for this chat."
	if newProtection == types.ProtectionUnprotected {
		text = "End-to-end encryption verification was reset for this chat."
	}
	msg := &types.Message{
		Rfc724Mid:     types.DeterministicMessageID("info@local", time.Now().Format(time.RFC3339Nano), text),
		ChatID:        chatID,
		FromID:        types.ContactIDInfo,
		State:         types.MsgStateInNoticed,
		TimestampSort: time.Now().Unix(),
		TimestampSent: time.Now().Unix(),
		TimestampRcvd: time.Now().Unix(),
		Text:          text,
		Viewtype:      types.ViewTypeSystem,
	}
	return o.db.MessageSave(ctx, msg)
}

func (o *Orchestrator) persistToTrash(ctx context.Context, pm *mimeparser.ParsedMessage, fromID types.ContactID) error {
	msg := &types.Message{
		Rfc724Mid:     pm.MessageID,
		ChatID:        types.ChatIDTrash,
		FromID:        fromID,
		State:         types.MsgStateInFresh,
		TimestampSort: pm.Date.Unix(),
		TimestampSent: pm.Date.Unix(),
		TimestampRcvd: time.Now().Unix(),
		Text:          pm.TextBody,
		Subject:       pm.Subject,
	}
	ingestedTotal.WithLabelValues("trash").Inc()
	return o.db.MessageSave(ctx, msg)
}

// applyDSN implements spec.md §4.7's DSN handling: a valid DSN with
// Action: failed referencing a known outgoing Message-ID transitions that
// message to OutFailed; unknown references are ignored, no contact created.
func (o *Orchestrator) applyDSN(ctx context.Context, pm *mimeparser.ParsedMessage) error {
	if pm.MDNOriginalMessageID == "" || !pm.DSNFailed {
		return nil
	}
	orig, err := o.db.MessageGetByRfc724Mid(ctx, pm.MDNOriginalMessageID)
	if err != nil {
		return ingesterr.New(ingesterr.KindRetryable, "dsn lookup", err)
	}
	if orig == nil {
		return nil
	}
	errText := orig.Error
	if errText != "" {
		errText += "\n"
	}
	errText += pm.TextBody
	return o.db.MessageUpdate(ctx, orig.ID, map[string]interface{}{
		"state": int(types.MsgStateOutFailed),
		"error": errText,
	})
}

// applyMDN implements spec.md §4.7's MDN handling: OutDelivered ->
// OutMdnRcvd; never creates chats or contacts-visible rows, and must not
// clear the bot flag on a contact.
func (o *Orchestrator) applyMDN(ctx context.Context, pm *mimeparser.ParsedMessage) error {
	if pm.MDNOriginalMessageID == "" {
		return nil
	}
	orig, err := o.db.MessageGetByRfc724Mid(ctx, pm.MDNOriginalMessageID)
	if err != nil {
		return ingesterr.New(ingesterr.KindRetryable, "mdn lookup", err)
	}
	if orig == nil || orig.State != types.MsgStateOutDelivered {
		return nil
	}
	return o.db.MessageUpdate(ctx, orig.ID, map[string]interface{}{"state": int(types.MsgStateOutMdnRcvd)})
}

// computeTimestampSort implements spec.md §4.7 step 8:
// max(parent.timestamp_sort + 1, min(claimed_sent, now + 60s)).
func computeTimestampSort(ctx context.Context, db adapter.Adapter, pm *mimeparser.ParsedMessage) int64 {
	now := time.Now().Unix()
	clamped := pm.Date.Unix()
	if clamped == 0 {
		clamped = now
	}
	if clamped > now+60 {
		clamped = now + 60
	}
	if pm.InReplyTo == "" {
		return clamped
	}
	parent, err := db.MessageGetByRfc724Mid(ctx, pm.InReplyTo)
	if err != nil || parent == nil {
		return clamped
	}
	if parent.TimestampSort+1 > clamped {
		return parent.TimestampSort + 1
	}
	return clamped
}

// signerMatchesPeerKey reports whether any of the message's signer
// fingerprints matches the known public key on file for the peer (spec.md
// §4.1: "the signer's fingerprint matches the peerstate's key for that
// address"). A peer with no recorded key, or no signature at all, never
// matches.
func signerMatchesPeerKey(signedBy map[string]bool, peer *types.Peerstate) bool {
	if peer == nil || peer.PublicKeyFingerprint == "" {
		return false
	}
	return signedBy[peer.PublicKeyFingerprint]
}

func inboundOrOutboundState(dir chatresolver.Direction) types.MsgState {
	if dir == chatresolver.Outbound {
		return types.MsgStateOutPending
	}
	return types.MsgStateInFresh
}

func downloadStateFor(pm *mimeparser.ParsedMessage) types.DownloadState {
	if pm.Decrypt == mimeparser.DecryptFailed {
		return types.DownloadUndecipherable
	}
	return types.DownloadDone
}

// fingerprintOf is a placeholder key-fingerprint deriver used until the
// real OpenPGP key parsing in internal/transport.PGPDecryptor supplies one
// directly; Autocrypt keydata is itself not a fingerprint, so callers that
// need the true fingerprint should prefer the signer-reported one where
// available.
func fingerprintOf(keydata []byte) string {
	return mimeparser.Fingerprint(keydata)
}
