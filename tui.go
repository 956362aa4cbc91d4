package main

import (
	"fmt"
	"strings"
	"time"

	"hark/capture"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI message types
type statusMsg capture.Status
type levelMsg float64
type transcriptMsg capture.Transcript
type captureErrMsg struct{ Err *capture.CaptureError }
type deliveredMsg struct {
	Text   string
	Pasted bool
	Err    error
}
type noticeMsg struct{ Text string } // one-line warning under the status
type tickMsg time.Time

// controller is the part of capture.Machine the keyboard drives.
type controller interface {
	Toggle()
	Escape()
}

type tuiModel struct {
	ctl        controller
	status     capture.Status
	level      float64
	transcript capture.Transcript
	frame      int
	width      int

	hotkey     string
	deviceLine string
	modeLine   string
	notice     string

	lastText  string
	lastErr   error
	pasted    bool
	delivered int
}

const meterWidth = 32

var (
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	committedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	interimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	stateStyles = map[capture.State]lipgloss.Style{
		capture.Idle:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		capture.Processing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		capture.Listening:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		capture.Confirming: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		capture.Error:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	meterColors = []string{"28", "34", "40", "148", "184", "214", "208", "196"}
	spinner     = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
)

func newTUIModel(ctl controller, initial capture.Status, hotkey string) tuiModel {
	return tuiModel{
		ctl:        ctl,
		status:     initial,
		transcript: initial.Transcript,
		hotkey:     hotkey,
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case " ", "enter":
			m.ctl.Toggle()
		case "esc":
			m.ctl.Escape()
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case statusMsg:
		m.status = capture.Status(msg)
		m.transcript = msg.Transcript
		if msg.State != capture.Listening {
			m.level = 0
		}

	case levelMsg:
		if m.status.State == capture.Listening {
			m.level = m.level*0.6 + float64(msg)*0.4
		}

	case transcriptMsg:
		m.transcript = capture.Transcript(msg)

	case captureErrMsg:
		m.status.Err = msg.Err

	case deliveredMsg:
		m.delivered++
		m.lastText = msg.Text
		m.lastErr = msg.Err
		m.pasted = msg.Pasted

	case noticeMsg:
		m.notice = msg.Text
	}
	return m, nil
}

func renderMeter(level float64, width int) string {
	level = min(max(level, 0), 1)
	filled := int(level*float64(width) + 0.5)
	var b strings.Builder
	for i := 0; i < width; i++ {
		if i >= filled {
			b.WriteString(dimStyle.Render("░"))
			continue
		}
		c := meterColors[i*len(meterColors)/width]
		b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Render("█"))
	}
	return b.String()
}

func (m tuiModel) statusLine() string {
	st := m.status.State
	style := stateStyles[st]
	switch st {
	case capture.Listening:
		return style.Render("● LISTENING") + "  " + renderMeter(m.level, meterWidth)
	case capture.Processing:
		return style.Render(spinner[m.frame%len(spinner)] + " PROCESSING")
	case capture.Confirming:
		return style.Render("✓ CONFIRM")
	case capture.Error:
		return style.Render("✗ ERROR")
	}
	if m.status.Disabled {
		return style.Render("○ DISABLED")
	}
	return style.Render("○ STANDBY")
}

func (m tuiModel) transcriptLines(width int) []string {
	t := m.transcript
	if t.Empty() {
		if m.status.State == capture.Idle {
			return []string{dimStyle.Render(m.status.Placeholder)}
		}
		if m.status.State == capture.Listening {
			return []string{dimStyle.Render("Listening...")}
		}
		return nil
	}
	var lines []string
	for _, l := range wrapText(t.Committed, width) {
		if l != "" {
			lines = append(lines, committedStyle.Render(l))
		}
	}
	if interim := strings.TrimSpace(t.Interim); interim != "" {
		for _, l := range wrapText(interim, width) {
			lines = append(lines, interimStyle.Render(l))
		}
	}
	return lines
}

func (m tuiModel) promptLine() string {
	switch m.status.State {
	case capture.Listening:
		return keyStyle.Render("space") + helpStyle.Render(" or ") +
			keyStyle.Render("esc") + helpStyle.Render(" to stop")
	case capture.Confirming:
		return keyStyle.Render("enter") + helpStyle.Render(" to send  ") +
			keyStyle.Render("esc") + helpStyle.Render(" to discard")
	case capture.Error:
		if m.status.Retry.Pending {
			return helpStyle.Render(fmt.Sprintf("retrying in %s...  ", m.status.Retry.Delay)) +
				keyStyle.Render("esc") + helpStyle.Render(" to dismiss")
		}
		if m.status.Err != nil && m.status.Err.Recoverable {
			return keyStyle.Render("space") + helpStyle.Render(" to retry  ") +
				keyStyle.Render("esc") + helpStyle.Render(" to dismiss")
		}
		return keyStyle.Render("esc") + helpStyle.Render(" to dismiss")
	case capture.Idle:
		if m.status.Disabled {
			return ""
		}
		line := keyStyle.Render("space") + helpStyle.Render(" to speak")
		if m.hotkey != "" {
			line += helpStyle.Render(", or hold ") + keyStyle.Render(m.hotkey)
		}
		return line
	}
	return ""
}

func (m tuiModel) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}
	wrap := max(width-2, 10)

	var lines []string
	lines = append(lines, m.statusLine())
	if m.status.State == capture.Error && m.status.Err != nil {
		lines = append(lines, errStyle.Render(m.status.Err.Message))
	}
	if m.notice != "" {
		lines = append(lines, warnStyle.Render("⚠ "+m.notice))
	}
	lines = append(lines, "")
	lines = append(lines, m.transcriptLines(wrap)...)
	lines = append(lines, "")
	if p := m.promptLine(); p != "" {
		lines = append(lines, p)
	}

	if m.lastText != "" {
		lines = append(lines, "")
		lines = append(lines, dimStyle.Render(fmt.Sprintf("Last input (#%d)", m.delivered)))
		last := wrapText(m.lastText, wrap)
		for i, l := range last {
			if i == len(last)-1 {
				switch {
				case m.lastErr != nil:
					l += " " + warnStyle.Render("[delivery failed]")
				case m.pasted:
					l += " " + okStyle.Render("[✓ pasted]")
				default:
					l += " " + okStyle.Render("[✓ copied]")
				}
			}
			lines = append(lines, l)
		}
	}

	lines = append(lines, "")
	if m.modeLine != "" {
		lines = append(lines, dimStyle.Render(m.modeLine))
	}
	if m.deviceLine != "" {
		lines = append(lines, dimStyle.Render(m.deviceLine))
	}
	lines = append(lines, helpStyle.Render("hark "+version+"  ctrl+c to quit"))
	return strings.Join(lines, "\n") + "\n"
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
