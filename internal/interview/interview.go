// Package interview implements the human-in-the-loop classification step: an
// interactive prompt shown once per unknown domain, and a non-interactive
// resolver for headless runs. The registry is agnostic to which one answers.
package interview

import (
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/khoward/dealdigest/internal/registry"
)

// categories offered during an interview, in display order. Internal is not
// offered: the internal domain comes from configuration.
var categories = []registry.Category{
	registry.CategoryDeal,
	registry.CategoryAgencyPartner,
	registry.CategoryTechPartner,
	registry.CategoryIgnored,
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	domainStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	contextStyle  = lipgloss.NewStyle().Faint(true)
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	helpStyle     = lipgloss.NewStyle().Faint(true).MarginTop(1)
)

// TUIResolver prompts the user in the terminal for each unknown domain.
type TUIResolver struct{}

// NewTUIResolver creates a terminal-backed resolver.
func NewTUIResolver() *TUIResolver { return &TUIResolver{} }

// ResolveUnknown runs one interview prompt. ok=false means the user skipped
// the domain for this run.
func (r *TUIResolver) ResolveUnknown(domain string, meetingTitles []string) (string, registry.Category, bool, error) {
	m := newModel(domain, meetingTitles)
	out, err := tea.NewProgram(m).Run()
	if err != nil {
		return "", "", false, fmt.Errorf("interview for %s: %w", domain, err)
	}
	final, ok := out.(model)
	if !ok {
		return "", "", false, fmt.Errorf("interview for %s: unexpected model type", domain)
	}
	if final.aborted {
		return "", "", false, fmt.Errorf("interview aborted")
	}
	if final.skipped || final.name == "" {
		return "", "", false, nil
	}
	return final.name, final.category, true, nil
}

// SkipAllResolver answers every unknown domain with "skip", leaving it
// unclassified for the run. Backs --skip-interview and non-TTY runs.
type SkipAllResolver struct{}

func (SkipAllResolver) ResolveUnknown(string, []string) (string, registry.Category, bool, error) {
	return "", "", false, nil
}

type stage int

const (
	stageCategory stage = iota
	stageName
)

type model struct {
	domain        string
	meetingTitles []string

	stage  stage
	cursor int
	input  textinput.Model

	name     string
	category registry.Category
	skipped  bool
	aborted  bool
}

func newModel(domain string, meetingTitles []string) model {
	ti := textinput.New()
	ti.Placeholder = "Account name"
	ti.CharLimit = 80
	ti.Width = 40
	return model{domain: domain, meetingTitles: meetingTitles, input: ti}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch key.String() {
	case "ctrl+c":
		m.aborted = true
		return m, tea.Quit
	case "esc":
		m.skipped = true
		return m, tea.Quit
	}

	switch m.stage {
	case stageCategory:
		switch key.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(categories)-1 {
				m.cursor++
			}
		case "enter":
			m.category = categories[m.cursor]
			if m.category == registry.CategoryIgnored {
				// Ignored accounts are named after the domain itself.
				m.name = m.domain
				return m, tea.Quit
			}
			m.stage = stageName
			m.input.Focus()
			return m, textinput.Blink
		}
		return m, nil

	case stageName:
		if key.String() == "enter" {
			m.name = m.input.Value()
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	s := titleStyle.Render("New domain found") + "\n\n"
	s += "  " + domainStyle.Render(m.domain) + "\n"
	for i, t := range m.meetingTitles {
		if i == 3 {
			s += contextStyle.Render(fmt.Sprintf("    …and %d more", len(m.meetingTitles)-i)) + "\n"
			break
		}
		s += contextStyle.Render("    seen in: "+t) + "\n"
	}
	s += "\n"

	switch m.stage {
	case stageCategory:
		s += "What kind of account is this?\n\n"
		for i, c := range categories {
			cursor := "  "
			line := string(c)
			if i == m.cursor {
				cursor = cursorStyle.Render("> ")
				line = selectedStyle.Render(line)
			}
			s += cursor + line + "\n"
		}
		s += helpStyle.Render("enter select · esc skip this run · ctrl+c abort")
	case stageName:
		s += fmt.Sprintf("Account name for %s (%s):\n\n", m.domain, m.category)
		s += m.input.View() + "\n"
		s += helpStyle.Render("enter confirm · esc skip this run")
	}
	return s + "\n"
}
