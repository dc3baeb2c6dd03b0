package cmd

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var titleStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#04B575")).
	Bold(true)

// captionEventMsg carries one stream event into the program.
type captionEventMsg struct{ ev streamEvent }

// captionDoneMsg is sent once the stream has ended.
type captionDoneMsg struct{ err error }

// captionModel shows the current server status behind a spinner while the
// request waits for the model, then grows the caption token by token.
type captionModel struct {
	name        string
	spinner     spinner.Model
	status      string
	caption     string
	failure     string
	done        bool
	interrupted bool
	err         error
}

func newCaptionModel(name string) captionModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	return captionModel{
		name:    name,
		spinner: s,
		status:  "Uploading...",
	}
}

func (m captionModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m captionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.interrupted = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case captionEventMsg:
		switch ev := msg.ev; {
		case ev.isToken():
			m.caption += ev.Token
		case strings.HasPrefix(ev.Status, "Error: "):
			m.failure = ev.Status
		default:
			m.status = ev.Status
		}

	case captionDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m captionModel) View() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("capserve") + " " + statusStyle.Render(m.name) + "\n\n")

	if !m.done && !m.interrupted {
		s.WriteString(m.spinner.View() + " " + statusStyle.Render(m.status) + "\n")
	}
	if m.caption != "" {
		s.WriteString(captionStyle.Render(m.caption) + "\n")
	}

	switch {
	case m.failure != "":
		s.WriteString(errorStyle.Render(m.failure) + "\n")
	case m.err != nil:
		s.WriteString(errorStyle.Render("Error: "+m.err.Error()) + "\n")
	case m.interrupted:
		s.WriteString(statusStyle.Render("Interrupted") + "\n")
	case m.done:
		s.WriteString(doneStyle.Render("✓ Done") + "\n")
	}
	return s.String()
}

// programSink forwards stream events to a running program.
type programSink struct{ p *tea.Program }

func (s programSink) handle(ev streamEvent) { s.p.Send(captionEventMsg{ev: ev}) }

// runCaptionTUI streams the caption of path into a live terminal view.
func runCaptionTUI(ctx context.Context, serverURL, path string, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newCaptionModel(filepath.Base(path)), tea.WithOutput(out), tea.WithContext(ctx))

	result := make(chan error, 1)
	go func() {
		_, err := streamCaption(ctx, serverURL, path, programSink{p: p})
		p.Send(captionDoneMsg{err: err})
		result <- err
	}()

	final, err := p.Run()
	cancel()
	streamErr := <-result
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	if m, ok := final.(captionModel); ok && m.interrupted {
		return context.Canceled
	}
	return streamErr
}
