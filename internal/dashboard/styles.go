package dashboard

import "github.com/charmbracelet/lipgloss"

// Dark palette
var (
	Primary   = lipgloss.Color("#FF6B35")
	Secondary = lipgloss.Color("#1E88E5")
	Success   = lipgloss.Color("#4CAF50")
	Warning   = lipgloss.Color("#FFB74D")
	Error     = lipgloss.Color("#F44336")

	Text       = lipgloss.Color("#E0E0E0")
	TextBright = lipgloss.Color("#FFFFFF")
	Muted      = lipgloss.Color("#90A4AE")
	LiveRed    = lipgloss.Color("#FF1744")

	PanelBg    = lipgloss.Color("#161B26")
	HeaderBg   = lipgloss.Color("#1C2128")
	BorderDark = lipgloss.Color("#30363D")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(TextBright).
			Background(HeaderBg).
			Padding(0, 2).
			Bold(true).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderDark).
			Foreground(Text).
			Padding(0, 1)

	TitleStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	LabelStyle = lipgloss.NewStyle().
			Foreground(Muted)

	ValueStyle = lipgloss.NewStyle().
			Foreground(TextBright).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	InfoStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	LiveStyle = lipgloss.NewStyle().
			Foreground(LiveRed).
			Bold(true)
)

// StateStyle colors a playback state.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "playing":
		return SuccessStyle
	case "catching_up", "seeking", "initializing":
		return WarningStyle
	case "ended":
		return InfoStyle
	default:
		return MutedStyle
	}
}

// BufferStateStyle colors a buffer by its level against the stable target.
func BufferStateStyle(level, target float64, starved bool) lipgloss.Style {
	switch {
	case starved:
		return ErrorStyle
	case target > 0 && level < target/2:
		return WarningStyle
	default:
		return SuccessStyle
	}
}
