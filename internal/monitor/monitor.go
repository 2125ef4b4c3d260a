// Package monitor provides a live terminal view of the mutation queue:
// connectivity state, queue counts, the pending and failed mutations, and
// manual flush/retry controls.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"offsync/store"
	"offsync/syncer"
)

// refreshInterval is how often the queue view re-reads engine state.
const refreshInterval = 2 * time.Second

// Engine is the subset of the sync manager the monitor needs. Satisfied by
// *syncer.Manager.
type Engine interface {
	GetPendingMutations(ctx context.Context) ([]store.Mutation, error)
	GetFailedMutations(ctx context.Context) ([]store.Mutation, error)
	GetMutationStats(ctx context.Context) (syncer.Stats, error)
	SyncPendingMutations(ctx context.Context) syncer.Result
	RetryFailedMutations(ctx context.Context) (syncer.Result, error)
	Monitor() *syncer.Monitor
}

// Model represents the monitor TUI state
type Model struct {
	engine Engine
	ctx    context.Context

	stats     syncer.Stats
	pending   []store.Mutation
	failed    []store.Mutation
	online    bool
	mode      syncer.Mode
	lastFlush syncer.Result
	flushedAt time.Time
	flushing  bool
	loadErr   error

	spinner spinner.Model
	width   int
	height  int

	titleStyle   lipgloss.Style
	onlineStyle  lipgloss.Style
	offlineStyle lipgloss.Style
	pendingStyle lipgloss.Style
	failedStyle  lipgloss.Style
	dimStyle     lipgloss.Style
	barStyle     lipgloss.Style
}

type refreshMsg struct {
	stats   syncer.Stats
	pending []store.Mutation
	failed  []store.Mutation
	online  bool
	mode    syncer.Mode
	err     error
}

type flushDoneMsg struct {
	result syncer.Result
}

type tickMsg time.Time

// New creates a monitor model over the given engine.
func New(e Engine) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		engine:  e,
		ctx:     context.Background(),
		spinner: sp,
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		onlineStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")),
		offlineStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")),
		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("220")),
		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")),
		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		barStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
	}
}

// Init starts the refresh loop.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m *Model) refresh() tea.Cmd {
	return func() tea.Msg {
		msg := refreshMsg{
			online: m.engine.Monitor().Online(),
			mode:   m.engine.Monitor().Mode(),
		}

		stats, err := m.engine.GetMutationStats(m.ctx)
		if err != nil {
			msg.err = err
			return msg
		}
		msg.stats = stats

		if msg.pending, err = m.engine.GetPendingMutations(m.ctx); err != nil {
			msg.err = err
			return msg
		}
		if msg.failed, err = m.engine.GetFailedMutations(m.ctx); err != nil {
			msg.err = err
		}
		return msg
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) flush() tea.Cmd {
	return func() tea.Msg {
		return flushDoneMsg{result: m.engine.SyncPendingMutations(m.ctx)}
	}
}

func (m *Model) retryFailed() tea.Cmd {
	return func() tea.Msg {
		res, _ := m.engine.RetryFailedMutations(m.ctx)
		return flushDoneMsg{result: res}
	}
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case refreshMsg:
		m.stats = msg.stats
		m.pending = msg.pending
		m.failed = msg.failed
		m.online = msg.online
		m.mode = msg.mode
		m.loadErr = msg.err
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case flushDoneMsg:
		m.flushing = false
		m.lastFlush = msg.result
		m.flushedAt = time.Now()
		return m, m.refresh()

	case spinner.TickMsg:
		if !m.flushing {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "f":
			if m.flushing {
				return m, nil
			}
			m.flushing = true
			return m, tea.Batch(m.flush(), m.spinner.Tick)

		case "r":
			if m.flushing {
				return m, nil
			}
			m.flushing = true
			return m, tea.Batch(m.retryFailed(), m.spinner.Tick)
		}
	}

	return m, nil
}

// View renders the monitor
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		m.width = 80
		m.height = 24
	}

	var b strings.Builder

	b.WriteString(m.titleStyle.Render("offsync queue"))
	b.WriteString("  ")
	if m.online {
		b.WriteString(m.onlineStyle.Render("● online"))
	} else {
		b.WriteString(m.offlineStyle.Render("● offline"))
	}
	if m.mode != syncer.ModeAuto {
		b.WriteString(m.dimStyle.Render(fmt.Sprintf(" (forced %s)", m.mode)))
	}
	if m.flushing {
		b.WriteString("  " + m.spinner.View() + " flushing")
	}
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%s pending   %s failed\n\n",
		m.pendingStyle.Render(fmt.Sprintf("%d", m.stats.Pending)),
		m.failedStyle.Render(fmt.Sprintf("%d", m.stats.Failed))))

	if m.loadErr != nil {
		b.WriteString(m.failedStyle.Render("error: "+m.loadErr.Error()) + "\n\n")
	}

	b.WriteString(m.renderQueue())

	if !m.flushedAt.IsZero() {
		b.WriteString(m.dimStyle.Render(fmt.Sprintf(
			"last flush: %d ok, %d failed (%s)\n",
			m.lastFlush.Success, m.lastFlush.Failed, m.flushedAt.Format("15:04:05"))))
	}

	b.WriteString("\n")
	b.WriteString(m.barStyle.Width(m.width).Render("f:flush  r:retry failed  q:quit"))

	return b.String()
}

func (m *Model) renderQueue() string {
	var b strings.Builder

	if len(m.pending) == 0 && len(m.failed) == 0 {
		b.WriteString(m.dimStyle.Render("queue empty") + "\n\n")
		return b.String()
	}

	for _, mut := range m.pending {
		b.WriteString(m.renderMutation(mut, m.pendingStyle))
	}
	for _, mut := range m.failed {
		b.WriteString(m.renderMutation(mut, m.failedStyle))
	}
	b.WriteString("\n")

	return b.String()
}

func (m *Model) renderMutation(mut store.Mutation, style lipgloss.Style) string {
	line := fmt.Sprintf("%s %-6s %s %s/%s", shortID(mut.ID), mut.Kind, mut.Method, mut.EntityType, mut.EntityID)
	if mut.RetryCount > 0 {
		line += fmt.Sprintf("  retries:%d", mut.RetryCount)
	}
	out := style.Render(line)
	if mut.LastError != "" {
		out += "\n" + m.dimStyle.Render("         "+truncate(mut.LastError, m.width-12))
	}
	return out + "\n"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
