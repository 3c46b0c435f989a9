// Package dashboard renders a live terminal view of a running fleet.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/sseswarm/internal/metrics"
)

const (
	refreshInterval = 500 * time.Millisecond
	historySize     = 100
	maxListRows     = 10
)

// Population reports live session counts.
type Population interface {
	Created() int
	Target() int
	Connected() int
}

// RunInfo holds run parameters for display.
type RunInfo struct {
	TargetURL  string        // Base URL of the target
	Users      int           // Population size
	Stagger    time.Duration // Delay between session creations
	Observe    time.Duration // Observation window after the last creation
	RunID      string
	ConfigFile string // Path to config file if used
}

// Dashboard renders a live terminal UI for fleet metrics.
type Dashboard struct {
	agg          *metrics.Aggregator
	pop          Population
	info         RunInfo
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	// Widgets
	grid           *ui.Grid
	latencySparkle *widgets.SparklineGroup
	latencyPara    *widgets.Paragraph
	usersGauge     *widgets.Gauge
	summaryPara    *widgets.Paragraph
	metricsPara    *widgets.Paragraph
	slowList       *widgets.List
	connErrList    *widgets.List
	writeErrList   *widgets.List
	latencyHistory []float64
}

// New initializes the terminal and builds the widgets. shutdownFunc runs
// when the operator presses q or Ctrl-C.
func New(agg *metrics.Aggregator, pop Population, info RunInfo, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dashboard{
		agg:            agg,
		pop:            pop,
		info:           info,
		ctx:            ctx,
		cancel:         cancel,
		shutdownFunc:   shutdownFunc,
		latencyHistory: make([]float64, 0, historySize),
	}

	d.initWidgets()
	d.setupGrid()

	return d, nil
}

func (d *Dashboard) initWidgets() {
	line := widgets.NewSparkline()
	line.Title = "Average POST latency (ms)"
	line.LineColor = ui.ColorGreen
	line.Data = []float64{0}
	d.latencySparkle = widgets.NewSparklineGroup(line)
	d.latencySparkle.Title = "Response Time"
	d.latencySparkle.BorderStyle.Fg = ui.ColorCyan

	d.usersGauge = widgets.NewGauge()
	d.usersGauge.Title = "Connected Users"
	d.usersGauge.BarColor = ui.ColorBlue
	d.usersGauge.BorderStyle.Fg = ui.ColorCyan
	d.usersGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.latencyPara = newParagraph("Latency", "Avg: 0ms\nP95: 0ms\nP99: 0ms")
	d.summaryPara = newParagraph("Run", "Initializing...")
	d.metricsPara = newParagraph("Metrics", "Waiting for data...")

	d.slowList = newList("Slow Responses", ui.ColorYellow)
	d.connErrList = newList("SSE Errors", ui.ColorRed)
	d.writeErrList = newList("POST Errors", ui.ColorRed)
}

func newParagraph(title, text string) *widgets.Paragraph {
	p := widgets.NewParagraph()
	p.Title = title
	p.Text = text
	p.BorderStyle.Fg = ui.ColorCyan
	return p
}

func newList(title string, fg ui.Color) *widgets.List {
	l := widgets.NewList()
	l.Title = title
	l.Rows = []string{"None"}
	l.TextStyle = ui.NewStyle(fg)
	l.BorderStyle.Fg = ui.ColorCyan
	return l
}

func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)

	d.grid.Set(
		ui.NewRow(0.14,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.22,
			ui.NewCol(0.5, d.usersGauge),
			ui.NewCol(0.5, d.metricsPara),
		),
		ui.NewRow(0.26,
			ui.NewCol(0.65, d.latencySparkle),
			ui.NewCol(0.35, d.latencyPara),
		),
		ui.NewRow(0.38,
			ui.NewCol(0.3, d.slowList),
			ui.NewCol(0.35, d.connErrList),
			ui.NewCol(0.35, d.writeErrList),
		),
	)
}

// Start begins the dashboard update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop ends the update loop and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// termbox needs a moment to hand the tty back before the report prints.
	time.Sleep(100 * time.Millisecond)
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	events := ui.PollEvents()

	d.render()
	for {
		select {
		case <-d.ctx.Done():
			for len(events) > 0 {
				<-events
			}
			return
		case <-ticker.C:
			d.update()
			d.render()
		case e := <-events:
			if d.ctx.Err() != nil {
				return
			}
			d.handle(e)
		}
	}
}

// handle reacts to keyboard and resize events. Quitting only asks the fleet
// to stop; Stop tears the UI down once the run has wound down.
func (d *Dashboard) handle(e ui.Event) {
	switch e.ID {
	case "q", "<C-c>":
		if d.shutdownFunc != nil {
			d.shutdownFunc()
		}
	case "<Resize>":
		size, ok := e.Payload.(ui.Resize)
		if !ok {
			return
		}
		d.mu.Lock()
		d.grid.SetRect(0, 0, size.Width, size.Height)
		d.mu.Unlock()
		ui.Clear()
		d.render()
	}
}

func (d *Dashboard) update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := d.agg.Snapshot()
	created, target, connected := d.pop.Created(), d.pop.Target(), d.pop.Connected()

	avg := snap.AverageLatencyMs()
	if len(snap.Latencies) > 0 {
		d.latencyHistory = appendHistory(d.latencyHistory, float64(avg), historySize)
		d.latencySparkle.Sparklines[0].Data = d.latencyHistory
	}
	d.latencyPara.Text = fmt.Sprintf("Avg: %dms\nP95: ~%dms\nP99: ~%dms", avg, snap.ApproxP95Ms, snap.ApproxP99Ms)

	d.usersGauge.Percent = percentOf(connected, target)
	d.usersGauge.Label = fmt.Sprintf("%d of %d connected (%d created)", connected, target, created)

	d.summaryPara.Text = d.formatSummary(snap.Elapsed)
	d.metricsPara.Text = formatMetrics(snap)

	d.slowList.Rows = formatSlowRows(snap.VerySlow, snap.Slow)
	d.connErrList.Rows = formatConnErrorRows(snap.ConnErrors)
	d.writeErrList.Rows = formatWriteErrorRows(snap.WriteErrorDetails)
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

// formatSummary formats the run parameters for display.
func (d *Dashboard) formatSummary(elapsed time.Duration) string {
	var parts []string
	if d.info.Users > 0 {
		parts = append(parts, fmt.Sprintf("Users: %d", d.info.Users))
	}
	if d.info.Stagger > 0 {
		parts = append(parts, fmt.Sprintf("Stagger: %s", d.info.Stagger))
	}
	if d.info.Observe > 0 {
		parts = append(parts, fmt.Sprintf("Observe: %s", d.info.Observe))
	}
	if d.info.ConfigFile != "" {
		parts = append(parts, fmt.Sprintf("Config: %s", d.info.ConfigFile))
	}

	lines := []string{fmt.Sprintf("Target: %s", d.info.TargetURL)}
	if len(parts) > 0 {
		lines = append(lines, strings.Join(parts, " | "))
	}
	status := fmt.Sprintf("Elapsed: %s", elapsed.Round(time.Second))
	if d.info.RunID != "" {
		status += " | Run: " + d.info.RunID
	}
	lines = append(lines, status, "[Press q to stop](fg:yellow)")
	return strings.Join(lines, "\n")
}

func formatMetrics(snap metrics.Snapshot) string {
	return fmt.Sprintf(
		"SSE Connections:   %d\nSSE Errors:        %d\nEvents Received:   %d\nPOST Requests:     %d\nSuccessful:        %d\nFailed:            %d\nIn Flight:         %d\nSuccess Rate:      %d%%",
		snap.ConnectionsOpened,
		snap.ConnectionErrors,
		snap.EventsReceived,
		snap.WriteAttempts,
		snap.WriteSuccesses,
		snap.WriteErrors,
		snap.InFlight,
		metrics.SuccessRate(snap.WriteSuccesses, snap.WriteAttempts),
	)
}

// formatSlowRows lists the most recent slow writes, very slow ones first.
func formatSlowRows(verySlow, slow []metrics.SlowRecord) []string {
	if len(verySlow) == 0 && len(slow) == 0 {
		return []string{"[None](fg:green)"}
	}
	rows := make([]string, 0, maxListRows)
	for _, r := range tail(verySlow, maxListRows) {
		rows = append(rows, fmt.Sprintf("[%dms](fg:red) user %d #%d", r.DurationMs, r.UserID, r.PostCount))
	}
	for _, r := range tail(slow, maxListRows-len(rows)) {
		rows = append(rows, fmt.Sprintf("[%dms](fg:yellow) user %d #%d", r.DurationMs, r.UserID, r.PostCount))
	}
	return rows
}

func formatConnErrorRows(errs []metrics.ConnectionError) []string {
	if len(errs) == 0 {
		return []string{"[None](fg:green)"}
	}
	recent := tail(errs, maxListRows)
	rows := make([]string, 0, len(recent))
	for _, e := range recent {
		rows = append(rows, fmt.Sprintf("[%s](fg:red) user %d: %s", e.Type, e.UserID, e.Message))
	}
	return rows
}

func formatWriteErrorRows(errs []metrics.WriteError) []string {
	if len(errs) == 0 {
		return []string{"[None](fg:green)"}
	}
	recent := tail(errs, maxListRows)
	rows := make([]string, 0, len(recent))
	for _, e := range recent {
		rows = append(rows, fmt.Sprintf("[%s %s](fg:red) user %d #%d", e.Status, e.Code, e.UserID, e.PostCount))
	}
	return rows
}

func tail[T any](items []T, n int) []T {
	if n <= 0 {
		return nil
	}
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

func appendHistory(history []float64, v float64, limit int) []float64 {
	history = append(history, v)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

func percentOf(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	p := part * 100 / whole
	if p > 100 {
		p = 100
	}
	return p
}
