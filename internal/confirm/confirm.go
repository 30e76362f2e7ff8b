package confirm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/mongoschema/mongoschema/internal/reconcile"
)

var (
	// ErrNotConfirmed is returned when the user declines a destructive run.
	ErrNotConfirmed = errors.New("destructive import not confirmed")
	// ErrNoTerminal is returned when confirmation is needed but no terminal
	// is attached.
	ErrNoTerminal = errors.New("destructive flags require --yes when not running in a terminal")
)

// Phrase is what the user must type to confirm.
const Phrase = "yes"

// Actions describes the destructive effects of opts on the given
// databases. An empty result means no confirmation is needed.
func Actions(opts reconcile.Options, databases []string) []string {
	list := strings.Join(databases, ", ")
	var actions []string
	if opts.DropDatabaseFirst {
		actions = append(actions, fmt.Sprintf("DROP databases %s, including all documents", list))
	}
	if opts.DropCollectionFirst {
		actions = append(actions, fmt.Sprintf("DROP and recreate every snapshot collection in %s, including all documents", list))
	}
	return actions
}

// Prompter asks the user to confirm actions.
type Prompter func(actions []string) (bool, error)

// Require returns nil when the run may proceed. assumeYes skips the
// prompt; without a terminal the run is refused.
func Require(actions []string, assumeYes, interactive bool, prompt Prompter) error {
	if len(actions) == 0 || assumeYes {
		return nil
	}
	if !interactive {
		return ErrNoTerminal
	}
	ok, err := prompt(actions)
	if err != nil {
		return fmt.Errorf("confirmation prompt: %w", err)
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Model is the bubbletea confirmation screen.
type Model struct {
	actions   []string
	input     textinput.Model
	status    string
	confirmed bool
	cancelled bool
	done      bool
}

// NewModel creates a confirmation screen for actions.
func NewModel(actions []string) Model {
	ti := textinput.New()
	ti.Placeholder = Phrase
	ti.CharLimit = 16
	ti.Focus()
	return Model{actions: actions, input: ti}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "esc":
			m.done = true
			m.cancelled = true
			return m, tea.Quit
		case "enter":
			answer := strings.ToLower(strings.TrimSpace(m.input.Value()))
			switch answer {
			case Phrase:
				m.done = true
				m.confirmed = true
				return m, tea.Quit
			case "n", "no":
				m.done = true
				m.cancelled = true
				return m, tea.Quit
			}
			m.status = fmt.Sprintf("type %q to continue or press esc to abort", Phrase)
			m.input.SetValue("")
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Destructive import"))
	b.WriteString("\n\n")
	for _, a := range m.actions {
		b.WriteString(errStyle.Render("  • " + a))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(highlightStyle.Render(fmt.Sprintf("  Type %q to continue: ", Phrase)))
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(dimStyle.Render("  " + m.status))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  enter: submit  esc: abort"))
	b.WriteString("\n")
	return b.String()
}

// Done returns true when the model is finished.
func (m Model) Done() bool {
	return m.done
}

// Cancelled returns true if the user aborted.
func (m Model) Cancelled() bool {
	return m.cancelled
}

// Confirmed returns true if the user typed the confirmation phrase.
func (m Model) Confirmed() bool {
	return m.confirmed
}

// Run shows the confirmation screen on the given streams.
func Run(in io.Reader, out io.Writer) Prompter {
	return func(actions []string) (bool, error) {
		p := tea.NewProgram(NewModel(actions), tea.WithInput(in), tea.WithOutput(out))
		final, err := p.Run()
		if err != nil {
			return false, err
		}
		m, ok := final.(Model)
		return ok && m.Confirmed(), nil
	}
}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).BorderStyle(lipgloss.DoubleBorder()).BorderBottom(true).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)
