package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/instancehub/instancehub/pkg/types"
)

// snapshotMsg carries the next snapshot from the subscription.
type snapshotMsg types.Snapshot

// closedMsg signals the subscription ended.
type closedMsg struct{}

// Model is the Bubble Tea model for the live view.
type Model struct {
	snapshots <-chan types.Snapshot
	current   types.Snapshot
	width     int
	quitting  bool
}

// NewModel creates a model that renders initial until the first snapshot
// arrives on snapshots.
func NewModel(snapshots <-chan types.Snapshot, initial types.Snapshot) Model {
	return Model{snapshots: snapshots, current: initial, width: 80}
}

// Init starts waiting for snapshots.
func (m Model) Init() tea.Cmd {
	return waitForSnapshot(m.snapshots)
}

func waitForSnapshot(ch <-chan types.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg(snap)
	}
}

// Update handles snapshots, resizes and quit keys.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.current = types.Snapshot(msg)
		return m, waitForSnapshot(m.snapshots)

	case closedMsg:
		m.quitting = true
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// View renders the current snapshot.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return RenderSnapshot(m.current, m.width) + "\n" + FooterStyle.Render("q quit") + "\n"
}

// Current returns the snapshot on screen.
func (m Model) Current() types.Snapshot { return m.current }
