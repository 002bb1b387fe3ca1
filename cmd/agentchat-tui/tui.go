package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"agentchat/internal/agent"
	"agentchat/internal/chat"
	"agentchat/internal/dispatch"
)

const (
	timelineMaxLines = 14
	timelineMaxChars = 2400
	previewMaxLines  = 4
	eventBuffer      = 256
)

type tabID int

const (
	tabChat tabID = iota
	tabHelp
)

// logGrewMsg means the chat log has messages the view has not rendered.
type logGrewMsg struct{}

type previewMsg struct {
	text string
}

type stateMsg struct {
	state dispatch.State
}

// dispatcherDoneMsg carries a fatal dispatcher error into the UI.
type dispatcherDoneMsg struct {
	err error
}

// eventHub forwards dispatcher callbacks to the program without ever
// blocking the dispatcher goroutine.
type eventHub struct {
	ch chan tea.Msg
}

func newEventHub() *eventHub {
	return &eventHub{ch: make(chan tea.Msg, eventBuffer)}
}

func (h *eventHub) send(msg tea.Msg) {
	select {
	case h.ch <- msg:
	default:
	}
}

func (h *eventHub) preview(text string) { h.send(previewMsg{text: text}) }
func (h *eventHub) state(state dispatch.State) { h.send(stateMsg{state: state}) }

func waitEvent(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func waitLogSignal(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return logGrewMsg{}
	}
}

type model struct {
	sess      *session
	names     agent.Names
	events    <-chan tea.Msg
	logSignal <-chan struct{}
	markdown  bool

	messages    []chat.Message
	lastSeq     int64
	state       dispatch.State
	preview     string
	statusLine  string
	logs        []string
	activeTab   tabID
	quitConfirm bool
	fatalErr    error
	commands    int
	failures    int

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	sidebar  viewport.Model
	spinner  spinner.Model

	theme         uiTheme
	renderer      *glamour.TermRenderer
	rendererWidth int
	rendered      map[int64]string
}

type uiTheme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	tabActive   lipgloss.Style
	tabInactive lipgloss.Style
	badge       lipgloss.Style
	badgeBusy   lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	inputPanel  lipgloss.Style
	role        map[chat.Role]lipgloss.Style
	command     lipgloss.Style
	exitOK      lipgloss.Style
	exitFailed  lipgloss.Style
	helpText    lipgloss.Style
	modalFrame  lipgloss.Style
	modalAccent lipgloss.Style
	modalPick   lipgloss.Style
}

// newTheme builds the palette. Role colors come from the agents' identities.
func newTheme(identities []agent.Identity) uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	bg := lipgloss.Color("#120924")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")

	roles := map[chat.Role]lipgloss.Style{}
	for _, role := range chat.Roles {
		roles[role] = lipgloss.NewStyle().Foreground(lipgloss.Color(agent.DefaultColor(role))).Bold(true)
	}
	for _, id := range identities {
		if strings.TrimSpace(id.Color) != "" {
			roles[id.Role] = lipgloss.NewStyle().Foreground(lipgloss.Color(id.Color)).Bold(true)
		}
	}

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(bg).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(pink).
			Foreground(lipgloss.Color("#22062f")).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(muted).
			Padding(0, 1),
		badge: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true).
			Padding(0, 1),
		badgeBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffd166")).
			Bold(true).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		role:       roles,
		command:    lipgloss.NewStyle().Foreground(mint),
		exitOK:     lipgloss.NewStyle().Foreground(muted),
		exitFailed: lipgloss.NewStyle().Foreground(pink).Bold(true),
		helpText:   lipgloss.NewStyle().Foreground(muted),
		modalFrame: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		modalAccent: lipgloss.NewStyle().Foreground(mint).Bold(true),
		modalPick:   lipgloss.NewStyle().Foreground(pink).Bold(true),
	}
}

func newModel(sess *session, hub *eventHub, logSignal <-chan struct{}) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Ask for something. The chatbot can run shell commands. /help for commands."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4
	sidebar := viewport.New(0, 0)

	m := model{
		sess:       sess,
		names:      sess.names(),
		logSignal:  logSignal,
		markdown:   sess.cfg.UI.Markdown,
		state:      sess.disp.State(),
		statusLine: "ready",
		logs:       []string{},
		activeTab:  tabChat,
		input:      input,
		timeline:   timeline,
		sidebar:    sidebar,
		spinner:    sp,
		theme:      newTheme(sess.identities()),
		rendered:   map[int64]string{},
	}
	if hub != nil {
		m.events = hub.ch
	}
	m.absorb(sess.log.Snapshot())
	if sess.restored > 0 {
		m.appendLog(fmt.Sprintf("resumed %d messages from %s", sess.restored, sess.cfg.History.XMLPath))
		m.statusLine = fmt.Sprintf("resumed %d messages", sess.restored)
	}
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		waitEvent(m.events),
		waitLogSignal(m.logSignal),
	)
}

// absorb appends newly logged messages to the view model.
func (m *model) absorb(msgs []chat.Message) bool {
	changed := false
	for _, msg := range msgs {
		if msg.Sequence <= m.lastSeq {
			continue
		}
		m.messages = append(m.messages, msg)
		m.lastSeq = msg.Sequence
		changed = true
		if msg.Kind == chat.KindCommandResult {
			m.commands++
			if result, err := chat.DecodeCommandResult(msg.Body); err == nil && result.Failed() {
				m.failures++
			}
		}
		if msg.Sender == chat.RoleChatbot {
			m.preview = ""
		}
	}
	return changed
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case logGrewMsg:
		if m.absorb(m.sess.log.TailSince(m.lastSeq)) {
			m.renderPanes()
		}
		cmds = append(cmds, waitLogSignal(m.logSignal))
	case previewMsg:
		m.preview = msg.text
		m.renderPanes()
		cmds = append(cmds, waitEvent(m.events))
	case stateMsg:
		m.state = m.sess.disp.State()
		switch msg.state {
		case dispatch.StateWaitingForUser:
			m.preview = ""
			if !strings.Contains(m.statusLine, "cancel") {
				m.statusLine = "ready"
			}
		case dispatch.StateChatbotThinking:
			m.statusLine = m.names.Chatbot + " is thinking..."
		case dispatch.StateTerminalExecuting:
			m.statusLine = m.names.Terminal + " is running a command..."
		}
		m.renderPanes()
		cmds = append(cmds, waitEvent(m.events))
	case dispatcherDoneMsg:
		if msg.err != nil {
			m.fatalErr = msg.err
			m.logError(msg.err)
		}
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		if m.quitConfirm || m.activeTab != tabChat {
			break
		}
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "ctrl+x":
			m.cancelTurn()
			return m, tea.Batch(cmds...)
		}
		if m.quitConfirm {
			switch msg.String() {
			case "y", "Y", "enter":
				return m, tea.Quit
			case "n", "N", "esc":
				m.quitConfirm = false
				m.statusLine = "quit canceled"
			}
			return m, tea.Batch(cmds...)
		}
		switch msg.String() {
		case "esc":
			if m.activeTab == tabChat {
				m.beginQuitConfirm()
			} else {
				m.switchTab(tabChat)
			}
			return m, tea.Batch(cmds...)
		case "tab", "shift+tab":
			m.switchTab((m.activeTab + 1) % 2)
			return m, tea.Batch(cmds...)
		}
		if m.activeTab != tabChat {
			return m, tea.Batch(cmds...)
		}
		switch msg.String() {
		case "enter":
			raw := strings.TrimSpace(m.input.Value())
			if raw == "" {
				return m, tea.Batch(cmds...)
			}
			if strings.HasPrefix(raw, "/") {
				m.input.SetValue("")
				if cmd := m.handleSlash(raw); cmd != nil {
					cmds = append(cmds, cmd)
				}
				return m, tea.Batch(cmds...)
			}
			if m.state != dispatch.StateWaitingForUser {
				m.statusLine = "busy: wait for the reply or press Ctrl+X to cancel"
				return m, tea.Batch(cmds...)
			}
			if err := m.sess.user.Submit(raw); err != nil {
				m.logError(err)
				return m, tea.Batch(cmds...)
			}
			m.input.SetValue("")
			m.statusLine = "sent"
			m.timeline.GotoBottom()
			return m, tea.Batch(cmds...)
		case "pgup", "ctrl+b":
			m.timeline.LineUp(8)
			return m, tea.Batch(cmds...)
		case "pgdown", "ctrl+f":
			m.timeline.LineDown(8)
			return m, tea.Batch(cmds...)
		case "up":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineUp(4)
				return m, tea.Batch(cmds...)
			}
		case "down":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineDown(4)
				return m, tea.Batch(cmds...)
			}
		case "home":
			m.timeline.GotoTop()
			return m, tea.Batch(cmds...)
		case "end":
			m.timeline.GotoBottom()
			return m, tea.Batch(cmds...)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *model) cancelTurn() {
	if m.sess.disp.CancelTurn() {
		m.statusLine = "cancel requested"
		m.appendLog("turn cancel requested")
		return
	}
	m.statusLine = "nothing to cancel"
}

func (m *model) switchTab(tab tabID) {
	m.activeTab = tab
	if tab == tabChat {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	m.renderPanes()
}

func (m *model) beginQuitConfirm() {
	m.quitConfirm = true
	m.statusLine = "quit?"
}

func (m *model) handleSlash(raw string) tea.Cmd {
	parts := strings.Fields(strings.TrimSpace(raw))
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	switch cmd {
	case "/help":
		m.switchTab(tabHelp)
	case "/quit", "/exit":
		return tea.Quit
	case "/cancel":
		m.cancelTurn()
	case "/status":
		m.statusLine = fmt.Sprintf("state=%s · messages=%d · commands=%d · session=%s",
			m.state, len(m.messages), m.commands, shortID(m.sess.id))
	case "/markdown":
		m.markdown = !m.markdown
		m.rendered = map[int64]string{}
		m.statusLine = "markdown " + onOff(m.markdown)
		m.renderPanes()
	default:
		m.statusLine = "unknown command: " + cmd
	}
	return nil
}

func (m model) View() string {
	if m.quitConfirm {
		return m.theme.root.Render(m.renderQuitModal())
	}
	header := m.renderHeader()
	content := m.renderContent()
	input := m.renderInput()
	footer := m.renderFooter()
	return m.theme.root.Render(lipgloss.JoinVertical(lipgloss.Left, header, content, input, footer))
}

func (m *model) renderHeader() string {
	tabs := []struct {
		id    tabID
		label string
	}{
		{tabChat, "Chat"},
		{tabHelp, "Help"},
	}
	segments := make([]string, 0, len(tabs)+2)
	for _, tab := range tabs {
		style := m.theme.tabInactive
		if tab.id == m.activeTab {
			style = m.theme.tabActive
		}
		segments = append(segments, style.Render(tab.label))
	}
	badge := m.theme.badge
	if m.state != dispatch.StateWaitingForUser {
		badge = m.theme.badgeBusy
	}
	segments = append(segments, badge.Render(stateLabel(m.state)))
	meta := fmt.Sprintf("%s · %s", m.sess.cfg.Model.Provider, m.sess.cfg.Model.Name)
	segments = append(segments, m.theme.helpText.Render(meta))
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(maxInt(20, m.width-4)).Render(joined)
}

func stateLabel(state dispatch.State) string {
	switch state {
	case dispatch.StateWaitingForUser:
		return "● waiting for you"
	case dispatch.StateChatbotThinking:
		return "◐ thinking"
	case dispatch.StateAwaitingTerminal, dispatch.StateTerminalExecuting:
		return "◑ running command"
	case dispatch.StatePlainReplyDone:
		return "● replied"
	default:
		return state.String()
	}
}

func (m *model) renderContent() string {
	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)

	if m.activeTab == tabHelp {
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Help") + "\n" + m.renderHelp())
	}
	leftWidth, rightWidth := splitWidths(contentWidth)
	left := m.theme.panel.Width(leftWidth).Height(contentHeight).Render(
		m.theme.panelTitle.Render("Conversation") + "\n" + m.timeline.View(),
	)
	right := m.theme.panel.Width(rightWidth).Height(contentHeight).Render(
		m.theme.panelTitle.Render("Session") + "\n" + m.sidebar.View(),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

func splitWidths(contentWidth int) (int, int) {
	leftWidth := int(float64(contentWidth) * 0.72)
	rightWidth := contentWidth - leftWidth - 1
	if rightWidth < 28 {
		rightWidth = 28
		leftWidth = contentWidth - rightWidth - 1
	}
	return leftWidth, rightWidth
}

func (m *model) renderInput() string {
	contentWidth := maxInt(40, m.width-4)
	if m.activeTab != tabChat {
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Input disabled outside Chat. Press Tab or Esc to return."))
	}
	inputView := m.input.View()
	if m.state != dispatch.StateWaitingForUser {
		inputView = m.spinner.View() + " " + stateLabel(m.state) + "  " + inputView
	}
	return m.theme.inputPanel.Width(contentWidth).Render(inputView)
}

func (m *model) renderFooter() string {
	contentWidth := maxInt(40, m.width-4)
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	hints := m.theme.helpText.Render("Keys: Enter send · Ctrl+X cancel turn · PgUp/PgDn or Up/Down (input empty) scroll · Tab help · Esc quit prompt · Ctrl+C quit")
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + hints)
}

func (m *model) renderQuitModal() string {
	canvasWidth := maxInt(40, m.width-4)
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.5), 32, 72)

	body := strings.Join([]string{
		m.theme.errorStatus.Render("Quit agentchat?"),
		"",
		m.theme.helpText.Render("The conversation is already saved to " + nullCoalesce(m.sess.cfg.History.XMLPath, "(no history file)") + "."),
		"",
		m.theme.modalPick.Render("[Y / Enter] Quit") + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	panel := m.theme.modalFrame.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(lipgloss.Color("#120924")),
	)
}

func (m *model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-6)
}

func (m *model) renderPanes() {
	prevYOffset := m.timeline.YOffset
	prevAtBottom := m.timeline.AtBottom()

	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)
	leftWidth, rightWidth := splitWidths(contentWidth)

	m.timeline.Width = maxInt(20, leftWidth-4)
	m.timeline.Height = maxInt(5, contentHeight-3)
	m.sidebar.Width = maxInt(20, rightWidth-4)
	m.sidebar.Height = maxInt(5, contentHeight-3)

	m.timeline.SetContent(m.renderTimeline())
	if prevAtBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevYOffset)
	}
	m.sidebar.SetContent(m.renderSidebar())
}

func (m *model) renderTimeline() string {
	if len(m.messages) == 0 && m.preview == "" {
		return m.theme.helpText.Render("No messages yet. Ask " + m.names.Chatbot + " to do something.")
	}
	width := maxInt(24, m.timeline.Width-2)
	var b strings.Builder
	for _, msg := range m.messages {
		b.WriteString(m.renderEntry(msg, width))
		b.WriteString("\n\n")
	}
	if m.preview != "" {
		style := m.theme.role[chat.RoleChatbot]
		b.WriteString(style.Render(fmt.Sprintf("%s %s (typing)", m.spinner.View(), m.names.Chatbot)))
		b.WriteString("\n")
		b.WriteString(m.theme.helpText.Render(wrapText(tailLines(m.preview, previewMaxLines), width)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderEntry renders one message. Rendered chatbot markdown is cached by
// sequence since it never changes.
func (m *model) renderEntry(msg chat.Message, width int) string {
	style, ok := m.theme.role[msg.Sender]
	if !ok {
		style = m.theme.helpText
	}
	name := m.names.Of(msg.Sender)
	stamp := ""
	if !msg.CreatedAt.IsZero() {
		stamp = msg.CreatedAt.Local().Format("15:04:05") + " "
	}

	switch msg.Kind {
	case chat.KindCommandRequest:
		header := style.Render(fmt.Sprintf("%s#%d %s → %s", stamp, msg.Sequence, name, m.names.Terminal))
		return header + "\n" + m.theme.command.Render(wrapText("$ "+msg.Body, width))
	case chat.KindCommandResult:
		result, err := chat.DecodeCommandResult(msg.Body)
		if err != nil {
			return style.Render(fmt.Sprintf("%s#%d %s", stamp, msg.Sequence, name)) + "\n" + wrapText(msg.Body, width)
		}
		statusStyle := m.theme.exitOK
		if result.Failed() {
			statusStyle = m.theme.exitFailed
		}
		header := style.Render(fmt.Sprintf("%s#%d %s", stamp, msg.Sequence, name)) + " " + statusStyle.Render(describeResult(result))
		output := compactTimelineMessage(result.Output, timelineMaxLines, timelineMaxChars)
		if output == "" {
			output = "(no output)"
		}
		return header + "\n" + wrapText(output, width)
	default:
		header := style.Render(fmt.Sprintf("%s#%d %s", stamp, msg.Sequence, name))
		body := compactTimelineMessage(msg.Body, 0, timelineMaxChars*2)
		if msg.Sender == chat.RoleChatbot && m.markdown {
			if rendered, ok := m.renderMarkdown(msg.Sequence, body, width); ok {
				return header + "\n" + rendered
			}
		}
		return header + "\n" + wrapText(body, width)
	}
}

func (m *model) renderMarkdown(seq int64, body string, width int) (string, bool) {
	if m.renderer == nil || m.rendererWidth != width {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithStylePath("dark"),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			m.appendLog("markdown renderer unavailable: " + err.Error())
			m.markdown = false
			return "", false
		}
		m.renderer = renderer
		m.rendererWidth = width
		m.rendered = map[int64]string{}
	}
	if cached, ok := m.rendered[seq]; ok {
		return cached, true
	}
	out, err := m.renderer.Render(body)
	if err != nil {
		return "", false
	}
	out = strings.Trim(out, "\n")
	m.rendered[seq] = out
	return out, true
}

func describeResult(result chat.CommandResult) string {
	switch {
	case result.SpawnError != "":
		return "[failed to start]"
	case result.TimedOut:
		return "[timed out]"
	case result.Cancelled:
		return "[cancelled]"
	default:
		return fmt.Sprintf("[exit %d]", result.ExitStatus)
	}
}

func (m *model) renderSidebar() string {
	cfg := m.sess.cfg
	lines := []string{
		m.theme.role[chat.RoleUser].Render(m.names.User) + " · " +
			m.theme.role[chat.RoleChatbot].Render(m.names.Chatbot) + " · " +
			m.theme.role[chat.RoleTerminal].Render(m.names.Terminal),
		"",
		fmt.Sprintf("state     %s", m.state),
		fmt.Sprintf("model     %s", compactSingleLine(cfg.Model.Name, 24)),
		fmt.Sprintf("messages  %d", len(m.messages)),
		fmt.Sprintf("commands  %d (%d failed)", m.commands, m.failures),
		fmt.Sprintf("chain cap %d", m.sess.disp.MaxChainedDirectives()),
		fmt.Sprintf("timeout   %s", cfg.CommandTimeout()),
		fmt.Sprintf("session   %s", shortID(m.sess.id)),
		fmt.Sprintf("history   %s", nullCoalesce(cfg.History.XMLPath, "off")),
	}
	if cfg.History.SQLitePath != "" {
		lines = append(lines, fmt.Sprintf("sqlite    %s", cfg.History.SQLitePath))
	}
	if len(m.logs) > 0 {
		lines = append(lines, "", m.theme.panelTitle.Render("Events"))
		start := maxInt(0, len(m.logs)-8)
		for _, line := range m.logs[start:] {
			lines = append(lines, m.theme.helpText.Render(wrapText(line, maxInt(16, m.sidebar.Width-1))))
		}
	}
	return strings.Join(lines, "\n")
}

func (m *model) renderHelp() string {
	lines := []string{
		"Keys",
		"- Enter: send a message to " + m.names.Chatbot,
		"- Ctrl+X: cancel the running model call or command",
		"- PgUp/PgDn, Up/Down (input empty), Home/End: scroll the conversation",
		"- Tab: switch between Chat and Help",
		"- Esc: quit prompt (Chat) or back to Chat",
		"- Ctrl+C: quit",
		"",
		"How it works",
		"- " + m.names.Chatbot + " runs a command by replying with <command>...</command>.",
		"- " + m.names.Terminal + " runs it and posts the exit status and output.",
		"- The turn ends when " + m.names.Chatbot + " answers in plain text, or after " +
			fmt.Sprintf("%d chained commands.", m.sess.disp.MaxChainedDirectives()),
		"",
		"Slash Commands",
		"- /cancel",
		"- /status",
		"- /markdown",
		"- /help",
		"- /quit",
	}
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > 50 {
		m.logs = m.logs[len(m.logs)-50:]
	}
}

func (m *model) logError(err error) {
	if err == nil {
		return
	}
	m.appendLog("error: " + err.Error())
	m.statusLine = "error: " + compactSingleLine(err.Error(), 160)
}
