// Package tui is the terminal chat console for a single agent session.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/alexsjones/sympozium-dashboard/internal/console"
	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

// ── Styles ──────────────────────────────────────────────────────────────────

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#E94560")).
			Background(lipgloss.Color("#0F0F23")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E94560")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#89DCEB")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F5C2E7")).
			Bold(true)

	bodyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CDD6F4"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#585B70"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F38BA8")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6E3A1")).
			Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9E2AF"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#BAC2DE")).
			Background(lipgloss.Color("#181825"))
)

// ── Messages ────────────────────────────────────────────────────────────────

type snapshotMsg console.Session
type streamClosedMsg struct{}

// Model is the bubbletea model of the chat console.
type Model struct {
	console *console.Console
	updates <-chan console.Session
	title   string

	session console.Session
	input   textinput.Model
	width   int
	height  int
	closed  bool
}

// New creates the chat model. updates is a subscription to the console's
// session, typically from Store.Subscribe.
func New(c *console.Console, updates <-chan console.Session) Model {
	ti := textinput.New()
	ti.Placeholder = "Message the agent, or /help"
	ti.CharLimit = 4096
	ti.Prompt = "❯ "
	ti.PromptStyle = promptStyle
	ti.TextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	ti.Focus()

	return Model{
		console: c,
		updates: updates,
		title:   c.Key(),
		session: c.Snapshot(),
		input:   ti,
		width:   80,
		height:  24,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForSnapshot(), m.connect())
}

func (m Model) waitForSnapshot() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-m.updates
		if !ok {
			return streamClosedMsg{}
		}
		return snapshotMsg(s)
	}
}

func (m Model) connect() tea.Cmd {
	return func() tea.Msg {
		m.console.Connect()
		return nil
	}
}

func (m Model) disconnect() tea.Cmd {
	return func() tea.Msg {
		m.console.Disconnect()
		return nil
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			line := m.input.Value()
			m.input.Reset()
			return m.submit(line)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case snapshotMsg:
		m.session = console.Session(msg)
		return m, m.waitForSnapshot()

	case streamClosedMsg:
		m.closed = true
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles a line typed by the user: slash commands drive the
// console, anything else is sent to the agent.
func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	switch strings.TrimSpace(line) {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/clear":
		m.console.ClearMessages()
		return m, nil
	case "/connect":
		return m, m.connect()
	case "/disconnect":
		return m, m.disconnect()
	case "/help":
		m.session.Messages = append(m.session.Messages, console.Message{
			Role:    console.RoleSystem,
			Content: "Commands: /connect /disconnect /clear /quit",
		})
		return m, nil
	}
	m.console.SendMessage(line, nil)
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	header := bannerStyle.Render("Sympozium console") + " " + dimStyle.Render(m.title) + "  " + statusBadge(m.session.Status)
	b.WriteString(header + "\n")

	// Reserve header, input and status bar lines.
	avail := max(m.height-4, 1)
	lines := renderTranscript(m.session.Messages, max(m.width-2, 20))
	if len(lines) > avail {
		lines = lines[len(lines)-avail:]
	}
	b.WriteString(strings.Join(lines, "\n"))
	for i := len(lines); i < avail; i++ {
		b.WriteString("\n")
	}
	b.WriteString("\n" + m.input.View() + "\n")
	b.WriteString(m.statusBar())
	return b.String()
}

func (m Model) statusBar() string {
	left := fmt.Sprintf(" %d messages", len(m.session.Messages))
	if m.session.SessionID != nil {
		left += " · session " + *m.session.SessionID
	}
	if m.session.Error != "" {
		left += " · " + m.session.Error
	}
	if m.closed {
		left += " · stream closed"
	}
	return statusBarStyle.Width(m.width).Render(left + "  (esc to quit)")
}

func statusBadge(s transport.Status) string {
	switch s {
	case transport.StatusConnected:
		return successStyle.Render("● connected")
	case transport.StatusConnecting:
		return pendingStyle.Render("◌ connecting")
	case transport.StatusError:
		return errorStyle.Render("✗ error")
	default:
		return dimStyle.Render("○ disconnected")
	}
}

// renderTranscript lays out messages as terminal lines wrapped to width.
func renderTranscript(msgs []console.Message, width int) []string {
	wrap := lipgloss.NewStyle().Width(width)
	var lines []string
	for _, msg := range msgs {
		switch msg.Role {
		case console.RoleUser:
			lines = append(lines, userStyle.Render("you"))
		case console.RoleAssistant:
			label := "agent"
			if msg.IsStreaming {
				label += " …"
			}
			lines = append(lines, assistantStyle.Render(label))
		case console.RoleSystem:
			lines = append(lines, strings.Split(wrap.Render(dimStyle.Render("— "+msg.Content)), "\n")...)
			lines = append(lines, "")
			continue
		}

		if msg.Content != "" {
			lines = append(lines, strings.Split(wrap.Render(bodyStyle.Render(msg.Content)), "\n")...)
		}
		for _, tc := range msg.ToolCalls {
			lines = append(lines, "  "+toolLine(tc))
		}
		for _, a := range msg.Attachments {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("  📎 %s (%s, %d bytes)", a.Name, a.Type, a.Size)))
		}
		lines = append(lines, "")
	}
	return lines
}

func toolLine(tc console.ToolCall) string {
	switch tc.Status {
	case console.ToolCallSuccess:
		return successStyle.Render("✓ "+tc.Name) + dimStyle.Render(" → "+truncate(tc.Result, 60))
	case console.ToolCallError:
		return errorStyle.Render("✗ "+tc.Name) + dimStyle.Render(" → "+truncate(tc.Error, 60))
	default:
		return pendingStyle.Render("⋯ " + tc.Name)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
