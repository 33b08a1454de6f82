// Package events implements the bounded per-account event channel from
// spec.md §9 Design Notes, replacing a process-wide callback with a
// channel UI code subscribes to. Grounded on teacher's server/hub.go
// Hub.route channel (buffered at a fixed depth, non-blocking send with a
// drop-and-log fallback) generalized to two tiers — critical events block
// the publisher, non-critical events are dropped first under backpressure.
package events

import (
	"github.com/veilmail/core/internal/logging"
	"github.com/veilmail/core/internal/types"
)

// Kind enumerates the events MessageIngest emits (spec.md §4.7).
type Kind int

const (
	KindIncomingMsg Kind = iota
	KindChatModified
	KindContactsChanged
	KindMsgsNoticed
)

func (k Kind) critical() bool {
	return k == KindIncomingMsg
}

// Event is one emitted occurrence.
type Event struct {
	Kind    Kind
	ChatID  types.ChatID
	MsgID   int64
	Contact types.ContactID
}

// Bus is a single account's bounded event channel. Non-critical events
// (ChatModified, ContactsChanged, MsgsNoticed) are dropped, oldest first,
// when the channel is full; IncomingMsg always blocks the publisher until
// there is room, since losing it would mean a UI that never learns a
// message arrived.
type Bus struct {
	ch chan Event
}

// New builds a Bus with the given channel depth, mirroring the teacher's
// choice of a fixed buffered channel size for Hub.route.
func New(depth int) *Bus {
	return &Bus{ch: make(chan Event, depth)}
}

// Publish sends ev, applying the backpressure policy from spec.md §9.
func (b *Bus) Publish(ev Event) {
	if ev.Kind.critical() {
		b.ch <- ev
		return
	}
	select {
	case b.ch <- ev:
	default:
		// Channel full: drop the oldest buffered event to make room,
		// matching the "drop oldest non-critical" policy; if that race
		// loses (a concurrent subscriber just drained one), fall back to
		// simply dropping ev itself rather than blocking ingest.
		select {
		case <-b.ch:
			select {
			case b.ch <- ev:
			default:
				logging.For("events").Warn().Str("kind", "dropped").Msg("event channel full, dropping")
			}
		default:
			logging.For("events").Warn().Msg("event channel full, dropping")
		}
	}
}

// Subscribe returns the receive side of the channel for a UI consumer.
func (b *Bus) Subscribe() <-chan Event {
	return b.ch
}
