package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide stream/traffic counter.
var Stats = &stats{}

type stats struct {
	OpenedStreams atomic.Int64 // cumulative streams opened since process start
	ClosedStreams atomic.Int64 // cumulative streams torn down since process start
	FramesSent    atomic.Int64 // frames written to the mailbox
	FramesRecv    atomic.Int64 // frames delivered from the mailbox
	BytesSent     atomic.Int64 // plaintext bytes framed for sending
	BytesRecv     atomic.Int64 // plaintext bytes delivered to local endpoints
}

func (s *stats) AddStream()         { s.OpenedStreams.Add(1) }
func (s *stats) RemoveStream()      { s.ClosedStreams.Add(1) }
func (s *stats) AddFrameSent(n int) { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddFrameRecv(n int) { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }

// reportInterval is how often the reporter considers printing a summary line.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.OpenedStreams.Load()
				closed := Stats.ClosedStreams.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / reportInterval.Seconds()
				inS := float64(recv-prevRecv) / reportInterval.Seconds()
				up := opened - prevOpened
				down := closed - prevClosed

				if up > 0 || down > 0 || outS > 10 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(outS, inS, up, down))
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

// formatBytes formats a byte count into a fixed-width human-readable string.
func formatBytes(b float64) string {
	unitIdx := 0

	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted summary line for the reporter.
func formatStats(outS, inS float64, up, down int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Streams: %2d↑ %2d↓",
		formatBytes(outS),
		formatBytes(inS),
		up,
		down,
	)
}
