package ingest

import (
	"context"
	"time"

	"github.com/veilmail/core/internal/logging"
)

// Fetcher abstracts the transport-layer IMAP poll, so Scheduler doesn't
// import internal/transport directly (keeping the dependency edge one-way:
// cmd/ingestd wires transport into both).
type Fetcher interface {
	FetchNewRaw(ctx context.Context, mailbox string, sinceUID uint32) (raws [][]byte, highestUID uint32, err error)
}

// Scheduler polls one account's mailbox at a fixed interval and feeds every
// new message through an Orchestrator, one at a time. Adapted from
// server/shutdown.go's signalHandler/listenAndServe shape: a stop channel
// the caller closes to request a graceful exit, and a done channel the
// Scheduler closes once its loop actually exits.
type Scheduler struct {
	orch     *Orchestrator
	fetch    Fetcher
	mailbox  string
	interval time.Duration

	lastUID uint32

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(orch *Orchestrator, fetch Fetcher, mailbox string, interval time.Duration) *Scheduler {
	return &Scheduler{
		orch:     orch,
		fetch:    fetch,
		mailbox:  mailbox,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is cancelled, polling at s.interval.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	log := logging.For("scheduler")
	raws, highest, err := s.fetch.FetchNewRaw(ctx, s.mailbox, s.lastUID)
	if err != nil {
		log.Error().Err(err).Msg("imap poll failed")
		return
	}
	for _, raw := range raws {
		if err := s.orch.Ingest(ctx, raw); err != nil {
			log.Warn().Err(err).Msg("ingest failed for message")
		}
	}
	s.lastUID = highest
}

// Stop requests a graceful shutdown and blocks until Run has returned.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}
