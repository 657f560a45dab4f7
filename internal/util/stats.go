package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide negotiation counter set.
var Stats = &stats{}

type stats struct {
	OffersSent        atomic.Int64 // local offers handed to the signaling link
	AnswersSent       atomic.Int64 // local answers handed to the signaling link
	IgnoredOffers     atomic.Int64 // inbound offers dropped by an impolite session
	Resets            atomic.Int64 // reset-and-retry runs (either trigger)
	CandidateFailures atomic.Int64 // reported candidate-add failures
	SignalsRelayed    atomic.Int64 // relay server only: signals forwarded to peers
}

func (s *stats) AddOffer()            { s.OffersSent.Add(1) }
func (s *stats) AddAnswer()           { s.AnswersSent.Add(1) }
func (s *stats) AddIgnoredOffer()     { s.IgnoredOffers.Add(1) }
func (s *stats) AddReset()            { s.Resets.Add(1) }
func (s *stats) AddCandidateFailure() { s.CandidateFailures.Add(1) }
func (s *stats) AddRelayed()          { s.SignalsRelayed.Add(1) }

// snapshot is a point-in-time copy used by the reporter.
type snapshot struct {
	offers, answers, ignored, resets, candidates, relayed int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		offers:     s.OffersSent.Load(),
		answers:    s.AnswersSent.Load(),
		ignored:    s.IgnoredOffers.Load(),
		resets:     s.Resets.Load(),
		candidates: s.CandidateFailures.Load(),
		relayed:    s.SignalsRelayed.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs negotiation statistics
// every interval, but only when something changed since the previous tick.
// It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.delta(prev)))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s snapshot) delta(prev snapshot) snapshot {
	return snapshot{
		offers:     s.offers - prev.offers,
		answers:    s.answers - prev.answers,
		ignored:    s.ignored - prev.ignored,
		resets:     s.resets - prev.resets,
		candidates: s.candidates - prev.candidates,
		relayed:    s.relayed - prev.relayed,
	}
}

// formatStats returns a one-line summary of counter deltas for the logger.
func formatStats(d snapshot) string {
	return fmt.Sprintf("Offers: %2d | Answers: %2d | Ignored: %2d | Resets: %2d | ICE errors: %2d | Relayed: %3d",
		d.offers,
		d.answers,
		d.ignored,
		d.resets,
		d.candidates,
		d.relayed,
	)
}
