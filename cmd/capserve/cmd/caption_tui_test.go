package cmd

import (
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

func feed(m captionModel, msgs ...tea.Msg) (captionModel, tea.Cmd) {
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(captionModel)
	}
	return m, cmd
}

func TestCaptionModel_FollowsStream(t *testing.T) {
	m := newCaptionModel("note.png")
	if m.Init() == nil {
		t.Fatal("Expected the spinner to start ticking")
	}

	m, _ = feed(m,
		captionEventMsg{streamEvent{Status: "Loading model..."}},
		captionEventMsg{streamEvent{Status: "Generating caption..."}},
		captionEventMsg{streamEvent{Status: "token", Token: "hello "}},
		captionEventMsg{streamEvent{Status: "token", Token: "world"}},
	)
	if m.status != "Generating caption..." {
		t.Errorf("Expected latest status, got %q", m.status)
	}
	view := m.View()
	for _, want := range []string{"note.png", "Generating caption...", "hello world"} {
		if !strings.Contains(view, want) {
			t.Errorf("View missing %q:\n%s", want, view)
		}
	}

	m, cmd := feed(m, captionEventMsg{streamEvent{Status: "Done"}}, captionDoneMsg{})
	if !m.done || cmd == nil {
		t.Fatal("Expected the program to quit once the stream ends")
	}
	view = m.View()
	if strings.Contains(view, "Generating caption...") || !strings.Contains(view, "Done") {
		t.Errorf("Finished view should drop the spinner and show Done:\n%s", view)
	}
}

func TestCaptionModel_Errors(t *testing.T) {
	tests := []struct {
		name string
		msgs []tea.Msg
		want string
	}{
		{"error status", []tea.Msg{captionEventMsg{streamEvent{Status: "Error: no image found"}}, captionDoneMsg{}}, "Error: no image found"},
		{"transport", []tea.Msg{captionDoneMsg{err: errors.New("connection refused")}}, "Error: connection refused"},
		{"interrupted", []tea.Msg{tea.KeyMsg{Type: tea.KeyCtrlC}}, "Interrupted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := feed(newCaptionModel("x.png"), tt.msgs...)
			if view := m.View(); !strings.Contains(view, tt.want) {
				t.Errorf("View missing %q:\n%s", tt.want, view)
			}
		})
	}
}

func TestCaptionModel_SpinnerStopsWhenDone(t *testing.T) {
	m, _ := feed(newCaptionModel("x.png"), captionDoneMsg{})
	if _, cmd := feed(m, spinner.TickMsg{}); cmd != nil {
		t.Error("Spinner should stop ticking after the stream ends")
	}
}
