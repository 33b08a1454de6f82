package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmail/core/internal/events"
	"github.com/veilmail/core/internal/store/sqlitestore"
)

type fakeFetcher struct {
	batches [][][]byte
	calls   int
}

func (f *fakeFetcher) FetchNewRaw(ctx context.Context, mailbox string, sinceUID uint32) ([][]byte, uint32, error) {
	if f.calls >= len(f.batches) {
		return nil, sinceUID, nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch, sinceUID + uint32(len(batch)), nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	db := &sqlitestore.Sqlite{}
	require.NoError(t, db.Open(":memory:"))
	require.NoError(t, db.CreateSchema(context.Background(), true))
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "me@example.com", false, nil, events.New(16))
}

func TestSchedulerPollsAndIngests(t *testing.T) {
	orch := newTestOrchestrator(t)
	raw := []byte("From: bob@example.com\r\nTo: me@example.com\r\nSubject: hi\r\nMessage-Id: <1@example.com>\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\nhello\r\n")
	fetcher := &fakeFetcher{batches: [][][]byte{{raw}}}

	sched := NewScheduler(orch, fetcher, "INBOX", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()
	sched.Stop()

	assert.Equal(t, 1, fetcher.calls)
}
