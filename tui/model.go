package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/session-guard/reauth"
)

// state represents the current phase of the demo.
type state int

const (
	stateInit      state = iota
	statePrompt          // collecting credentials
	stateWorking         // running protected calls
	stateSuccess         // all done
	stateSignedOut       // session purged
	stateError           // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// maxStatusLines keeps the log from scrolling the panel off screen.
const maxStatusLines = 12

// Model is the BubbleTea model for the session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	input   textinput.Model
	width   int
	height  int

	identity  string
	auth      Authenticator
	interrupt func()

	// Open credential prompt, if any
	prompt     *reauth.Prompt
	submitting bool
	promptErr  string

	calls int

	// Success / error display
	tokenPreview string
	tokenType    string
	expiresIn    time.Duration
	errMsg       string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	stylePromptBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model. auth signs identity in with the
// password typed into the prompt; interrupt is called on ctrl+c.
func NewModel(identity string, auth Authenticator, interrupt func()) Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	in := textinput.New()
	in.Placeholder = "password"
	in.EchoMode = textinput.EchoPassword
	in.CharLimit = 256

	return Model{
		state:     stateInit,
		spinner:   s,
		input:     in,
		identity:  identity,
		auth:      auth,
		interrupt: interrupt,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionFound:
		m.addStatus(statusOK, fmt.Sprintf(
			"Found stored session (%s..., expires in %s)", msg.Preview, formatDuration(msg.ExpiresIn),
		))
		return m, nil

	case MsgNoSession:
		m.addStatus(statusInfo, "No stored session")
		return m, nil

	case MsgCredentialsRequired:
		return m.openPrompt(msg.Prompt)

	case authResultMsg:
		if msg.prompt != m.prompt {
			return m, nil
		}
		m.submitting = false
		if msg.err != nil {
			if errors.Is(msg.err, reauth.ErrSettled) {
				return m, nil
			}
			m.promptErr = msg.err.Error()
			m.input.SetValue("")
			return m, nil
		}
		return m, nil

	case promptSettledMsg:
		if msg.prompt != m.prompt {
			return m, nil
		}
		switch msg.prompt.Outcome() {
		case reauth.Resolved:
			m.addStatus(statusOK, "Signed in")
		case reauth.Cancelled:
			m.addStatus(statusWarn, "Sign-in cancelled")
		case reauth.Dismissed:
			m.addStatus(statusInfo, "Session restored elsewhere, prompt closed")
		}
		m.closePrompt()
		return m, nil

	case MsgSignedIn:
		m.addStatus(statusOK, "Signed in as "+msg.Identity)
		if m.state == stateInit {
			m.state = stateWorking
		}
		return m, nil

	case MsgCallOK:
		m.calls++
		m.addStatus(statusOK, fmt.Sprintf("%s: %d (%s)", msg.Name, msg.Status, msg.Elapsed.Round(time.Millisecond)))
		return m, nil

	case MsgCallFailed:
		m.calls++
		m.addStatus(statusWarn, fmt.Sprintf("%s failed: %v", msg.Name, msg.Err))
		return m, nil

	case MsgLog:
		kind := statusInfo
		if msg.Warn {
			kind = statusWarn
		}
		m.addStatus(kind, msg.Text)
		return m, nil

	case MsgSignedOut:
		m.closePrompt()
		m.state = stateSignedOut
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.tokenType = msg.TokenType
		m.expiresIn = msg.ExpiresIn
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	if m.state == statePrompt {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if m.prompt != nil {
			m.prompt.Cancel()
		}
		if m.interrupt != nil {
			m.interrupt()
		}
		return m, tea.Quit
	}
	if m.state != statePrompt || m.prompt == nil {
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.prompt.Cancel()
		return m, nil
	case "enter":
		secret := m.input.Value()
		if secret == "" || m.submitting {
			return m, nil
		}
		m.submitting = true
		m.promptErr = ""
		return m, m.submit(m.prompt, secret)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) openPrompt(p *reauth.Prompt) (tea.Model, tea.Cmd) {
	if p.Outcome() != reauth.Pending {
		return m, nil
	}
	m.prompt = p
	m.submitting = false
	m.promptErr = ""
	m.state = statePrompt
	m.input.SetValue("")
	m.addStatus(statusWarn, "Sign-in required")
	return m, tea.Batch(m.input.Focus(), waitSettled(p))
}

func (m *Model) closePrompt() {
	m.prompt = nil
	m.submitting = false
	m.promptErr = ""
	m.input.SetValue("")
	m.input.Blur()
	if m.state == statePrompt {
		m.state = stateWorking
	}
}

// submit signs in off the update loop and resolves p with the result.
func (m Model) submit(p *reauth.Prompt, secret string) tea.Cmd {
	auth := m.auth
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), signInTimeout)
		defer cancel()
		tok, err := auth(ctx, secret)
		if err == nil {
			err = p.Resolve(ctx, tok)
		}
		return authResultMsg{prompt: p, err: err}
	}
}

func waitSettled(p *reauth.Prompt) tea.Cmd {
	return func() tea.Msg {
		<-p.Done()
		return promptSettledMsg{prompt: p}
	}
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	case stateSignedOut:
		return tea.NewView(m.viewSignedOut())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while signing in and running calls.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Session Guard  "))
	b.WriteString("\n\n")

	switch m.state {
	case statePrompt:
		var p strings.Builder
		p.WriteString(styleBold.Render("Sign in as " + m.identity))
		p.WriteString("\n")
		if m.prompt != nil && m.prompt.Cause != nil {
			p.WriteString(styleDim.Render(m.prompt.Cause.Error()))
			p.WriteString("\n")
		}
		p.WriteString("\n")
		p.WriteString(m.input.View())
		if m.promptErr != "" {
			p.WriteString("\n")
			p.WriteString(styleErr.Render(m.promptErr))
		}
		b.WriteString(stylePromptBox.Render(p.String()))
		b.WriteString("\n")
		if m.submitting {
			b.WriteString(m.spinner.View())
			b.WriteString(" Signing in...\n")
		} else {
			b.WriteString(styleDim.Render("enter to sign in · esc to cancel"))
			b.WriteString("\n")
		}

	case stateWorking:
		b.WriteString(m.spinner.View())
		fmt.Fprintf(&b, " Running protected calls... (%d done)\n", m.calls)

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the demo finished.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Session active"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Access Token: "))
	b.WriteString(m.tokenPreview + "...\n")

	b.WriteString(styleBold.Render("Token Type:   "))
	b.WriteString(m.tokenType + "\n")

	b.WriteString(styleBold.Render("Expires In:   "))
	b.WriteString(formatDuration(m.expiresIn) + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSignedOut is the unauthenticated entry point.
func (m Model) viewSignedOut() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleWarn.Render("  You have been signed out"))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if len(m.statusLines) > maxStatusLines {
		m.statusLines = m.statusLines[len(m.statusLines)-maxStatusLines:]
	}
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
