// Package dashboard renders live session snapshots in the terminal.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/session"
)

const (
	// DefaultRefreshInterval is how often snapshots are polled.
	DefaultRefreshInterval = 250 * time.Millisecond

	historySize = 40
	barWidth    = 20
)

// Source supplies the snapshots to render. *player.Manager satisfies it.
type Source interface {
	Snapshots() []session.Snapshot
}

// Options configures a dashboard.
type Options struct {
	Title           string
	RefreshInterval time.Duration
	// StableBufferTime is the buffer target the level bars are drawn
	// against.
	StableBufferTime float64
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	source    Source
	opts      Options
	startTime time.Time

	snapshots []session.Snapshot
	latency   map[string][]float64
	width     int
	quitting  bool
}

type tickMsg time.Time

type snapshotsMsg []session.Snapshot

// NewModel creates a dashboard model over source.
func NewModel(source Source, opts Options) *Model {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Title == "" {
		opts.Title = "playcore"
	}
	if opts.StableBufferTime <= 0 {
		opts.StableBufferTime = 12
	}
	return &Model{
		source:    source,
		opts:      opts,
		startTime: time.Now(),
		latency:   make(map[string][]float64),
	}
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, source Source, opts Options) error {
	p := tea.NewProgram(NewModel(source, opts), tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.poll())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		return m, tea.Batch(m.tick(), m.poll())

	case snapshotsMsg:
		m.apply(msg)
		return m, nil
	}
	return m, nil
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.opts.RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) poll() tea.Cmd {
	return func() tea.Msg {
		return snapshotsMsg(m.source.Snapshots())
	}
}

// apply stores new snapshots and extends the latency history of live
// sessions.
func (m *Model) apply(snaps []session.Snapshot) {
	sorted := append([]session.Snapshot(nil), snaps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	m.snapshots = sorted

	seen := make(map[string]bool, len(sorted))
	for _, s := range sorted {
		seen[s.ID] = true
		if !s.Dynamic {
			continue
		}
		h := append(m.latency[s.ID], s.LiveLatency)
		if len(h) > historySize {
			h = h[len(h)-historySize:]
		}
		m.latency[s.ID] = h
	}
	for id := range m.latency {
		if !seen[id] {
			delete(m.latency, id)
		}
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return "Shutting down dashboard...\n"
	}

	width := m.width
	if width == 0 {
		width = 100
	}

	header := HeaderStyle.Width(width - 2).Render(fmt.Sprintf("%s  %s  %s",
		m.opts.Title,
		MutedStyle.Render(fmt.Sprintf("%d sessions", len(m.snapshots))),
		MutedStyle.Render("up "+formatDuration(time.Since(m.startTime))),
	))

	sections := []string{header}
	if len(m.snapshots) == 0 {
		sections = append(sections, PanelStyle.Width(width-2).Render(MutedStyle.Render("No sessions running")))
	}
	for _, s := range m.snapshots {
		sections = append(sections, m.renderSession(s, width-2))
	}
	sections = append(sections, MutedStyle.Render("q quit  r refresh"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderSession(s session.Snapshot, width int) string {
	title := TitleStyle.Render(s.ID)
	if s.Dynamic {
		title += " " + LiveStyle.Render("LIVE")
	}
	if s.Paused {
		title += " " + MutedStyle.Render("paused")
	}

	lines := []string{
		title,
		field("state", StateStyle(s.State).Render(s.State)) + "  " +
			field("time", formatSeconds(s.Time)) + "  " +
			field("rate", fmt.Sprintf("%.2fx", s.PlaybackRate)),
	}
	if s.Dynamic {
		lines = append(lines,
			field("latency", formatSeconds(s.LiveLatency))+"  "+
				field("target", formatSeconds(s.LiveDelay))+"  "+
				InfoStyle.Render(renderSparkline(m.latency[s.ID], historySize)))
	} else if s.Duration > 0 {
		lines = append(lines, field("duration", formatSeconds(s.Duration))+"  "+
			renderBar(s.Time/s.Duration, barWidth, SuccessStyle))
	}

	for _, b := range s.Buffers {
		starved := b.MediaType.IsAudioOrVideo() && !b.Completed && (b.Halted || b.State == media.BufferEmpty)
		style := BufferStateStyle(b.Level, m.opts.StableBufferTime, starved)
		line := fmt.Sprintf("%-6s %s %s", b.MediaType,
			renderBar(b.Level/m.opts.StableBufferTime, barWidth, style),
			style.Render(formatSeconds(b.Level)))
		switch {
		case b.Completed:
			line += " " + InfoStyle.Render("complete")
		case b.Halted:
			line += " " + ErrorStyle.Render("halted")
		}
		lines = append(lines, line)
	}

	f := s.Fetch
	lines = append(lines, field("fetch", fmt.Sprintf("%d ok  %d failed  %d retried  %d pending",
		f.Stats.Succeeded, f.Stats.Failed, f.Stats.Retried, f.Pending.Total())))
	if s.LastError != "" {
		lines = append(lines, ErrorStyle.Render(fmt.Sprintf("%d errors, last: %s", s.Errors, truncate(s.LastError, width-24))))
	}

	return PanelStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func field(label, value string) string {
	return LabelStyle.Render(label+" ") + ValueStyle.Render(value)
}

func formatSeconds(v float64) string {
	return fmt.Sprintf("%.2fs", v)
}

func formatDuration(d time.Duration) string {
	return d.Truncate(time.Second).String()
}

// renderBar draws a fill ratio clamped to [0, 1].
func renderBar(ratio float64, width int, style lipgloss.Style) string {
	if math.IsNaN(ratio) || ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * float64(width))
	return style.Render(strings.Repeat("█", filled)) + MutedStyle.Render(strings.Repeat("░", width-filled))
}

// renderSparkline scales data onto eight block heights, one rune per
// sample, keeping the most recent width samples.
func renderSparkline(data []float64, width int) string {
	if len(data) == 0 {
		return ""
	}
	if len(data) > width {
		data = data[len(data)-width:]
	}
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	spark := []rune("▁▂▃▄▅▆▇█")
	var b strings.Builder
	for _, v := range data {
		idx := 3
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * 7)
		}
		b.WriteRune(spark[idx])
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
