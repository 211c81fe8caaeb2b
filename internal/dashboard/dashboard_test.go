package dashboard

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/session"
)

type staticSource []session.Snapshot

func (s staticSource) Snapshots() []session.Snapshot { return s }

func testSnapshots() staticSource {
	return staticSource{
		{
			ID:           "vod",
			State:        "playing",
			Time:         4,
			Duration:     10,
			PlaybackRate: 1,
			Buffers: []session.BufferSnapshot{
				{MediaType: media.Video, Level: 6, State: media.BufferLoaded},
				{MediaType: media.Audio, Level: 0, State: media.BufferEmpty, Halted: true},
			},
		},
		{
			ID:           "live",
			Dynamic:      true,
			State:        "catching_up",
			PlaybackRate: 1.2,
			LiveLatency:  9.5,
			LiveDelay:    8,
			Errors:       2,
			LastError:    "download error: 404",
		},
	}
}

func TestModelPollAndView(t *testing.T) {
	m := NewModel(testSnapshots(), Options{})

	cmd := m.poll()
	require.NotNil(t, cmd)
	model, _ := m.Update(cmd())
	m = model.(*Model)

	require.Len(t, m.snapshots, 2)
	assert.Equal(t, "live", m.snapshots[0].ID)
	assert.Equal(t, []float64{9.5}, m.latency["live"])
	assert.NotContains(t, m.latency, "vod")

	view := m.View()
	for _, want := range []string{"playcore", "2 sessions", "vod", "live", "LIVE", "catching_up", "halted", "download error: 404"} {
		assert.Contains(t, view, want)
	}
}

func TestModelLatencyHistory(t *testing.T) {
	src := testSnapshots()
	m := NewModel(src, Options{})

	for i := 0; i < historySize+5; i++ {
		src[1].LiveLatency = float64(i)
		m.apply(src)
	}
	h := m.latency["live"]
	require.Len(t, h, historySize)
	assert.Equal(t, float64(historySize+4), h[len(h)-1])

	m.apply(src[:1])
	assert.Empty(t, m.latency)
}

func TestModelKeys(t *testing.T) {
	m := NewModel(staticSource{}, Options{Title: "edge-1"})

	_, cmd := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	assert.Nil(t, cmd)
	assert.Equal(t, 80, m.width)
	assert.Contains(t, m.View(), "No sessions running")
	assert.Contains(t, m.View(), "edge-1")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	assert.IsType(t, snapshotsMsg{}, cmd())

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
	assert.Equal(t, "Shutting down dashboard...\n", m.View())

	_, cmd = m.Update(tickMsg{})
	assert.Nil(t, cmd)
}

func TestRenderBar(t *testing.T) {
	count := func(s, r string) int { return strings.Count(s, r) }

	assert.Equal(t, 5, count(renderBar(0.5, 10, SuccessStyle), "█"))
	assert.Equal(t, 10, count(renderBar(3, 10, SuccessStyle), "█"))
	assert.Equal(t, 10, count(renderBar(-1, 10, SuccessStyle), "░"))
}

func TestRenderSparkline(t *testing.T) {
	assert.Empty(t, renderSparkline(nil, 5))
	assert.Equal(t, "▄▄▄", renderSparkline([]float64{2, 2, 2}, 5))
	assert.Equal(t, "▁█", renderSparkline([]float64{1, 9}, 5))
	assert.Equal(t, "▁█", renderSparkline([]float64{100, 1, 9}, 2))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
}

func TestStateStyles(t *testing.T) {
	assert.Equal(t, SuccessStyle.Render("x"), StateStyle("playing").Render("x"))
	assert.Equal(t, WarningStyle.Render("x"), StateStyle("catching_up").Render("x"))
	assert.Equal(t, ErrorStyle.Render("x"), BufferStateStyle(10, 12, true).Render("x"))
	assert.Equal(t, WarningStyle.Render("x"), BufferStateStyle(2, 12, false).Render("x"))
}
