package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"rdeer/pkg/protocol"
)

const (
	refreshInterval = 2 * time.Second
	fetchTimeout    = 5 * time.Second
)

// indexLister is the client call the dashboard polls.
type indexLister interface {
	List(ctx context.Context) ([]protocol.IndexInfo, error)
}

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// indexesMsg carries one poll result. err is set when the server is
// unreachable.
type indexesMsg struct {
	infos []protocol.IndexInfo
	err   error
	at    time.Time
}

// tickCmd returns a command that sends a tickMsg after refreshInterval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchIndexesCmd polls the server once.
func fetchIndexesCmd(src indexLister) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		infos, err := src.List(ctx)
		return indexesMsg{infos: infos, err: err, at: time.Now()}
	}
}

// Model is the Bubble Tea model for rdeer dash.
type Model struct {
	src    indexLister
	server string
	theme  Theme

	table   table.Model
	infos   []protocol.IndexInfo
	online  bool
	err     error
	updated time.Time
	width   int
}

// newModel creates a dashboard polling src.
func newModel(src indexLister, server string) Model {
	t := table.New(
		table.WithColumns(indexColumns(40)),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	theme := DefaultTheme()
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(theme.Primary)
	t.SetStyles(styles)

	return Model{src: src, server: server, theme: theme, table: t}
}

// indexColumns sizes the name column to the terminal width.
func indexColumns(nameWidth int) []table.Column {
	return []table.Column{
		{Title: "Index", Width: max(nameWidth, 10)},
		{Title: "Status", Width: 10},
		{Title: "Port", Width: 6},
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchIndexesCmd(m.src), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchIndexesCmd(m.src)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetColumns(indexColumns(msg.Width - 24))
		m.table.SetHeight(max(msg.Height-4, 3))
		return m, nil

	case indexesMsg:
		m.updated = msg.at
		if msg.err != nil {
			m.online = false
			m.err = msg.err
			return m, nil
		}
		m.online = true
		m.err = nil
		m.infos = msg.infos
		m.table.SetRows(indexRows(msg.infos))
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchIndexesCmd(m.src), tickCmd())
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// indexRows converts infos to table rows.
func indexRows(infos []protocol.IndexInfo) []table.Row {
	rows := make([]table.Row, 0, len(infos))
	for _, info := range infos {
		port := "-"
		if info.Port > 0 {
			port = strconv.Itoa(info.Port)
		}
		rows = append(rows, table.Row{info.Name, string(info.Status), port})
	}
	return rows
}

// counts tallies infos per status.
func counts(infos []protocol.IndexInfo) map[protocol.Status]int {
	out := make(map[protocol.Status]int, 4)
	for _, info := range infos {
		out[info.Status]++
	}
	return out
}

// View implements tea.Model.
func (m Model) View() string {
	help := lipgloss.NewStyle().Foreground(m.theme.Muted).Render("↑/↓ move • r refresh • q quit")
	return lipgloss.JoinVertical(lipgloss.Left, m.renderStatusBar(), m.table.View(), help)
}

// renderStatusBar shows server reachability and per-status counts.
func (m Model) renderStatusBar() string {
	if !m.online {
		msg := "server " + m.server + ": offline"
		if m.err != nil {
			msg += " (" + m.err.Error() + ")"
		}
		return lipgloss.NewStyle().Foreground(m.theme.Error).Render(msg)
	}

	c := counts(m.infos)
	parts := []string{
		lipgloss.NewStyle().Foreground(m.theme.Success).Render("server " + m.server + ": online"),
	}
	for _, st := range []protocol.Status{
		protocol.StatusRunning,
		protocol.StatusLoading,
		protocol.StatusError,
		protocol.StatusAvailable,
	} {
		parts = append(parts,
			" | "+string(st)+": ",
			lipgloss.NewStyle().Foreground(m.theme.StatusColor(st)).Render(fmt.Sprintf("%d", c[st])),
		)
	}
	parts = append(parts, lipgloss.NewStyle().Foreground(m.theme.Muted).Render(" | "+m.updated.Format("15:04:05")))
	return lipgloss.JoinHorizontal(lipgloss.Left, parts...)
}
