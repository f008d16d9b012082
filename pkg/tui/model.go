// Package tui is the terminal chat front-end.
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/session"
)

const (
	defaultWidth  = 80
	defaultHeight = 24

	// header, blank line, input and help
	chromeHeight = 6

	typingText = "Assistant is typing..."
	emptyText  = "Say hello to start the conversation."
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	subtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("#007bff")).
			Padding(0, 1).
			MarginTop(1)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("#000000")).
			Padding(0, 1).
			MarginTop(1)
)

// scrollKeys leaves letter keys to the input line.
var scrollKeys = viewport.KeyMap{
	PageUp:   key.NewBinding(key.WithKeys("pgup")),
	PageDown: key.NewBinding(key.WithKeys("pgdown")),
	Up:       key.NewBinding(key.WithKeys("up")),
	Down:     key.NewBinding(key.WithKeys("down")),
}

// StateMsg carries a new snapshot of a session into the program.
type StateMsg struct {
	SessionID string
	State     conversation.State
}

type errMsg struct {
	err error
}

// Forward returns a session listener that feeds changes into p.
func Forward(p *tea.Program) session.Listener {
	return func(sessionID string, state conversation.State) {
		p.Send(StateMsg{SessionID: sessionID, State: state})
	}
}

// Options configures a Model.
type Options struct {
	Manager   *session.Manager
	SessionID string

	Title    string
	Subtitle string

	// NewRenderer defaults to NewMarkdownRenderer.
	NewRenderer RendererFactory
}

// Model is the bubbletea model of one chat session.
type Model struct {
	ctx       context.Context
	manager   *session.Manager
	sessionID string
	title     string
	subtitle  string

	newRenderer RendererFactory
	render      Renderer

	state   conversation.State
	err     error
	width   int
	height  int
	ready   bool
	input   textinput.Model
	spinner spinner.Model
	view    viewport.Model
}

// New creates a Model. ctx bounds the flow calls it makes.
func New(ctx context.Context, opts Options) Model {
	input := textinput.New()
	input.Placeholder = "Type your message here..."
	input.Prompt = "> "
	input.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	newRenderer := opts.NewRenderer
	if newRenderer == nil {
		newRenderer = NewMarkdownRenderer
	}

	m := Model{
		ctx:         ctx,
		manager:     opts.Manager,
		sessionID:   opts.SessionID,
		title:       opts.Title,
		subtitle:    opts.Subtitle,
		newRenderer: newRenderer,
		state:       conversation.New(),
		input:       input,
		spinner:     sp,
	}
	m.resize(defaultWidth, defaultHeight)
	return m
}

// Init loads the stored conversation.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.load())
}

// Update handles a message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlR:
			if m.Pending() {
				return m, nil
			}
			return m, m.reset()
		case tea.KeyEnter:
			return m.submit()
		}

	case StateMsg:
		if msg.SessionID != m.sessionID {
			return m, nil
		}
		wasPending := m.Pending()
		m.state = msg.State
		m.err = nil
		m.refresh()
		if m.Pending() && !wasPending {
			return m, m.spinner.Tick
		}
		return m, nil

	case errMsg:
		m.err = msg.err
		// Drop the optimistic user turn. A pending turn that did reach the
		// store is resumed by the next send.
		if m.Pending() {
			m.state = rollback(m.state)
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.Pending() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refresh()
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.view, cmd = m.view.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// View renders the screen.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render(m.subtitle))
	b.WriteString("\n")
	b.WriteString(m.view.View())
	b.WriteString("\n\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter send · ctrl+r new conversation · esc quit"))

	return b.String()
}

// State returns the conversation as currently displayed.
func (m Model) State() conversation.State {
	return m.state.Clone()
}

// Pending reports whether a bot response is on its way.
func (m Model) Pending() bool {
	return m.state.Stage == conversation.StageAwaitingBotResponse
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	input := m.input.Value()
	next, ok := conversation.Submit(m.state, input)
	if !ok {
		return m, nil
	}

	m.input.Reset()
	m.state = next
	m.err = nil
	m.refresh()
	return m, tea.Batch(m.spinner.Tick, m.send(input))
}

func (m Model) send(input string) tea.Cmd {
	manager, ctx, id := m.manager, m.ctx, m.sessionID
	return func() tea.Msg {
		state, err := manager.Send(ctx, id, input)
		if err != nil {
			return errMsg{err: err}
		}
		return StateMsg{SessionID: id, State: state}
	}
}

func (m Model) load() tea.Cmd {
	manager, ctx, id := m.manager, m.ctx, m.sessionID
	return func() tea.Msg {
		state, err := manager.Get(ctx, id)
		if err != nil {
			return errMsg{err: err}
		}
		return StateMsg{SessionID: id, State: state}
	}
}

func (m Model) reset() tea.Cmd {
	manager, ctx, id := m.manager, m.ctx, m.sessionID
	return func() tea.Msg {
		if err := manager.Reset(ctx, id); err != nil {
			return errMsg{err: err}
		}
		return StateMsg{SessionID: id, State: conversation.New()}
	}
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	viewHeight := height - chromeHeight
	if viewHeight < 1 {
		viewHeight = 1
	}
	if !m.ready {
		m.view = viewport.New(width, viewHeight)
		m.view.KeyMap = scrollKeys
		m.ready = true
	} else {
		m.view.Width = width
		m.view.Height = viewHeight
	}
	m.input.Width = width - lipgloss.Width(m.input.Prompt) - 1

	m.render = m.newRenderer(m.bubbleWidth())
	m.refresh()
}

func (m *Model) refresh() {
	m.view.SetContent(m.renderTurns())
	m.view.GotoBottom()
}

// bubbleWidth leaves a fifth of the line free so the sides stay apart.
func (m Model) bubbleWidth() int {
	w := m.width*4/5 - userStyle.GetHorizontalFrameSize()
	if w < 10 {
		w = 10
	}
	return w
}

func (m Model) renderTurns() string {
	if len(m.state.Turns) == 0 {
		return helpStyle.Render(emptyText)
	}

	var blocks []string
	for _, t := range m.state.Turns {
		blocks = append(blocks, m.renderTurn(t))
	}
	if m.Pending() {
		blocks = append(blocks, "\n"+m.spinner.View()+" "+typingText)
	}
	return strings.Join(blocks, "\n")
}

func (m Model) renderTurn(t conversation.Turn) string {
	if t.Role == conversation.RoleUser {
		bubble := userStyle.Render(ansi.Wrap(t.Content, m.bubbleWidth(), ""))
		return lipgloss.PlaceHorizontal(m.width, lipgloss.Right, bubble)
	}

	content, err := m.render(t.Content)
	if err != nil {
		content = ansi.Wrap(t.Content, m.bubbleWidth(), "")
	}
	return botStyle.Render(content)
}

// rollback drops a user turn that never reached the store.
func rollback(s conversation.State) conversation.State {
	last, ok := s.LastTurn()
	if !ok || last.Role != conversation.RoleUser {
		return s
	}
	next := s.Clone()
	next.Turns = next.Turns[:len(next.Turns)-1]
	next.Stage = conversation.StageAwaitingUserInput
	return next
}
