package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/torosent/sseswarm/internal/metrics"
)

const probeTimeout = 2 * time.Second

// Population reports live session counts.
type Population interface {
	Created() int
	Target() int
	Connected() int
}

// ConnectedProbe asks the target how many users it considers connected.
type ConnectedProbe func(ctx context.Context) (int, error)

// Live carries the gauges that are not part of the aggregator snapshot.
type Live struct {
	Created   int
	Target    int
	Connected int
	// ServerConnected is valid only when Probed is set.
	ServerConnected int
	Probed          bool
	ProbeErr        error
}

// ProgressReporter displays periodic progress updates.
type ProgressReporter struct {
	agg      *metrics.Aggregator
	pop      Population
	probe    ConnectedProbe
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(agg *metrics.Aggregator, pop Population, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		agg:      agg,
		pop:      pop,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
	}
}

// WithProbe adds the target's own connected-users count to each update.
func (p *ProgressReporter) WithProbe(probe ConnectedProbe) *ProgressReporter {
	p.probe = probe
	return p
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates. It is safe to call more than once.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			WriteProgress(p.writer, p.agg.Snapshot(), p.live())
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) live() Live {
	var live Live
	if p.pop != nil {
		live.Created = p.pop.Created()
		live.Target = p.pop.Target()
		live.Connected = p.pop.Connected()
	}
	if p.probe != nil {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		live.ServerConnected, live.ProbeErr = p.probe(ctx)
		live.Probed = live.ProbeErr == nil
	}
	return live
}

// WriteProgress renders one periodic metrics block.
func WriteProgress(w io.Writer, snap metrics.Snapshot, live Live) {
	fmt.Fprintln(w, "\nMETRICS UPDATE:")
	fmt.Fprintf(w, "Elapsed: %ds\n", int64(snap.Elapsed.Round(time.Second)/time.Second))
	fmt.Fprintf(w, "Users: %d total, %d connected\n", snap.TotalSessions, live.Connected)
	if live.Target > 0 && live.Created < live.Target {
		fmt.Fprintf(w, "Created: %d of %d\n", live.Created, live.Target)
	}
	fmt.Fprintf(w, "SSE: %d connections, %d errors\n", snap.ConnectionsOpened, snap.ConnectionErrors)
	fmt.Fprintf(w, "POST: %d total, %d success, %d errors\n", snap.WriteAttempts, snap.WriteSuccesses, snap.WriteErrors)
	fmt.Fprintf(w, "Avg Response Time: %dms", snap.AverageLatencyMs())
	if len(snap.Latencies) > 0 {
		fmt.Fprintf(w, " (p95 ~%dms, p99 ~%dms)", snap.ApproxP95Ms, snap.ApproxP99Ms)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Slow Responses (>5s): %d\n", len(snap.Slow))
	fmt.Fprintf(w, "Very Slow (>10s): %d\n", len(snap.VerySlow))
	switch {
	case live.Probed:
		fmt.Fprintf(w, "Server Connected Users: %d\n", live.ServerConnected)
	case live.ProbeErr != nil:
		fmt.Fprintf(w, "Server Connected Users: unavailable (%v)\n", live.ProbeErr)
	}
	fmt.Fprintln(w, strings.Repeat("-", 50))
}
