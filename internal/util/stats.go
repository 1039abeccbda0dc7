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

// Stats is the process-wide channel and signaling counter.
var Stats = &stats{}

type stats struct {
	ChannelsOpened atomic.Int64 // data channels that reached open
	ChannelsClosed atomic.Int64 // data channels that finished
	BytesSent      atomic.Int64 // bytes written to data channels
	BytesRecv      atomic.Int64 // bytes read from data channels
	EnvelopesSent  atomic.Int64 // signaling envelopes emitted
	EnvelopesRecv  atomic.Int64 // signaling envelopes received
}

func (s *stats) AddChannel()     { s.ChannelsOpened.Add(1) }
func (s *stats) RemoveChannel()  { s.ChannelsClosed.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddEnvelopeOut() { s.EnvelopesSent.Add(1) }
func (s *stats) AddEnvelopeIn()  { s.EnvelopesRecv.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs channel statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.ChannelsOpened.Load()
				closed := Stats.ChannelsClosed.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := opened - prevOpened
				downC := closed - prevClosed

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed width (exactly 8 chars)
// string, for example "99.0   B", " 1.5 KiB" or "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, upC, downC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Chan: %2d↑ %2d↓ | Env: %d/%d",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		Stats.EnvelopesSent.Load(),
		Stats.EnvelopesRecv.Load(),
	)
}
