package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishNonCriticalDropsUnderBackpressure(t *testing.T) {
	b := New(1)
	b.Publish(Event{Kind: KindChatModified, ChatID: 1})
	b.Publish(Event{Kind: KindChatModified, ChatID: 2})
	// Should not deadlock or panic; at least one event is retrievable.
	select {
	case ev := <-b.Subscribe():
		assert.Equal(t, KindChatModified, ev.Kind)
	default:
		t.Fatal("expected at least one buffered event")
	}
}

func TestPublishCriticalNeverBlocksForever(t *testing.T) {
	b := New(1)
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: KindIncomingMsg, ChatID: 1})
		b.Publish(Event{Kind: KindIncomingMsg, ChatID: 2})
		close(done)
	}()
	<-b.Subscribe()
	<-b.Subscribe()
	<-done
}
