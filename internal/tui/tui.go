// Package tui renders an interactive transfer view.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bigbag/coaster-loader/internal/session"
)

const (
	padding  = 2
	maxWidth = 80
)

// ProgressMsg reports chunks requested so far.
type ProgressMsg struct {
	Current int
	Total   int
}

// DoneMsg ends the view. Err is nil on a completed transfer.
type DoneMsg struct {
	Err error
}

// Model is the bubbletea model for one transfer.
type Model struct {
	target  string
	size    int
	bar     progress.Model
	seen    session.Progress
	done    bool
	err     error
	aborted bool
}

// New creates a view for an image of size bytes sent to target.
func New(target string, size int) Model {
	return Model{
		target: target,
		size:   size,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(maxWidth-padding*2)),
	}
}

// Aborted reports whether the user quit before the transfer ended.
func (m Model) Aborted() bool {
	return m.aborted
}

// Err returns the transfer result once done.
func (m Model) Err() error {
	return m.err
}

// Percent returns the fraction of chunks served.
func (m Model) Percent() float64 {
	return m.seen.Percent()
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.done {
				m.aborted = true
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-padding*2, maxWidth)
		if m.bar.Width < 10 {
			m.bar.Width = 10
		}

	case ProgressMsg:
		if current := uint32(msg.Current); current >= m.seen.Current {
			m.seen.Current = current
		}
		m.seen.Max = uint32(msg.Total)

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		if msg.Err == nil && m.seen.Max > 0 {
			m.seen.Current = m.seen.Max
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	okStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	var s strings.Builder
	pad := strings.Repeat(" ", padding)

	s.WriteString(titleStyle.Render("COASTER LOADER"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Target: %s | Image: %d bytes | Press 'q' to abort", m.target, m.size)))
	s.WriteString("\n\n")

	s.WriteString(pad)
	s.WriteString(m.bar.ViewAs(m.Percent()))
	s.WriteString("\n")
	s.WriteString(pad)
	s.WriteString(headerStyle.Render(fmt.Sprintf("chunk %d/%d", m.seen.Current, m.seen.Max)))
	s.WriteString("\n\n")

	switch {
	case m.aborted:
		s.WriteString(errorStyle.Render("Aborted"))
	case m.done && m.err != nil:
		s.WriteString(errorStyle.Render("Failed: " + m.err.Error()))
	case m.done:
		s.WriteString(okStyle.Render("✓ Transfer complete"))
	case m.seen.Max == 0:
		s.WriteString(headerStyle.Render("Waiting for device..."))
	default:
		s.WriteString(headerStyle.Render("Transferring..."))
	}
	s.WriteString("\n")

	return s.String()
}
