package tui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/playtrace/pkg/render"
	"github.com/ormasoftchile/playtrace/pkg/status"
)

// --- Tea messages ---

// updateMsg carries one aggregator notification.
type updateMsg status.Update

// finishedMsg signals that the supervised process is gone.
type finishedMsg struct{ err error }

// cancelledMsg reports the result of a cancel request.
type cancelledMsg struct{ err error }

// --- Model ---

// Model is the Bubble Tea model for the live run view.
type Model struct {
	spinner  spinner.Model
	viewport viewport.Model
	help     help.Model
	ready    bool

	title   string
	targets bool
	cancel  func() error

	// State
	snap       status.Snapshot
	cancelling bool
	finished   bool
	runErr     error
	fatalErr   string

	// Layout
	width  int
	height int
}

// Config holds the parameters needed to launch the TUI.
type Config struct {
	// Title labels the header. Defaults to the run name.
	Title string
	// Targets starts with per-target lines expanded.
	Targets bool
	// Cancel requests a cooperative stop of the run. Nil disables the key.
	Cancel func() error
	// Done is closed when the run has finished.
	Done <-chan struct{}
	// Err reports the run's error once Done is closed.
	Err func() error
}

// Source is what the view observes.
type Source interface {
	Snapshot() status.Snapshot
	Subscribe(fn status.Subscriber) (unsubscribe func())
}

// NewModel builds the view model.
func NewModel(cfg Config) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	return Model{
		spinner: sp,
		help:    help.New(),
		title:   cfg.Title,
		targets: cfg.Targets,
		cancel:  cfg.Cancel,
	}
}

// Run shows the live view until the user quits or ctx ends.
func Run(ctx context.Context, src Source, cfg Config) error {
	m := NewModel(cfg)
	m.snap = src.Snapshot()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	// Stream aggregator updates into the program.
	unsubscribe := src.Subscribe(func(u status.Update) {
		p.Send(updateMsg(u))
	})
	defer unsubscribe()

	if cfg.Done != nil {
		go func() {
			select {
			case <-cfg.Done:
				var err error
				if cfg.Err != nil {
					err = cfg.Err()
				}
				p.Send(finishedMsg{err: err})
			case <-ctx.Done():
			}
		}()
	}

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case updateMsg:
		// Updates from a superseded run are ignored.
		if msg.Epoch < m.snap.Epoch {
			return m, nil
		}
		m.snap = msg.Snapshot
		m.refresh()

	case finishedMsg:
		m.finished = true
		m.cancelling = false
		m.runErr = msg.err
		m.refresh()

	case cancelledMsg:
		if msg.err != nil {
			m.fatalErr = msg.err.Error()
			m.cancelling = false
		}

	default:
		if m.ready {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Cancel):
		if m.cancel == nil || m.cancelling || m.finished {
			return m, nil
		}
		m.cancelling = true
		cancel := m.cancel
		return m, func() tea.Msg {
			return cancelledMsg{err: cancel()}
		}

	case key.Matches(msg, keys.Targets):
		m.targets = !m.targets
		m.refresh()

	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.layout()

	case key.Matches(msg, keys.Up):
		m.viewport.ScrollUp(1)
	case key.Matches(msg, keys.Down):
		m.viewport.ScrollDown(1)
	case key.Matches(msg, keys.PgUp):
		m.viewport.HalfViewUp()
	case key.Matches(msg, keys.PgDown):
		m.viewport.HalfViewDown()
	}
	return m, nil
}

// layout sizes the viewport to the window, leaving room for the header
// and help lines.
func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	w := m.width - 2
	h := m.height - 4 - lipgloss.Height(m.help.View(keys))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if !m.ready {
		m.viewport = viewport.New(w, h)
		m.ready = true
	} else {
		m.viewport.Width = w
		m.viewport.Height = h
	}
	m.help.Width = m.width
	m.refresh()
}

// refresh re-renders the tree into the viewport.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.treeText())
}

func (m Model) treeText() string {
	var buf bytes.Buffer
	render.Tree(&buf, m.snap.Run, render.Options{Color: true, Targets: m.targets})
	return strings.TrimRight(buf.String(), "\n")
}

// View renders the header, the tree and the key help.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if m.ready {
		b.WriteString(panelBorder.Render(m.viewport.View()))
	} else {
		b.WriteString(m.treeText())
	}
	b.WriteString("\n")

	if m.fatalErr != "" {
		b.WriteString(errorStyle.Render("  " + m.fatalErr))
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(keys))
	return b.String()
}

// renderHeader builds the top header line.
func (m Model) renderHeader() string {
	title := headerStyle.Render("playtrace")

	name := m.title
	if name == "" && m.snap.Run != nil {
		name = m.snap.Run.Name
	}

	return title + " " + nameStyle.Render(name) + "  " + m.stateText()
}

func (m Model) stateText() string {
	run := m.snap.Run
	switch {
	case m.finished && run != nil && run.Completed():
		style := outcomeOKStyle
		if run.Status == status.Failed || run.Outcome != status.OutcomeCompleted {
			style = outcomeFailedStyle
		}
		text := fmt.Sprintf("%s %s (%s)", render.Glyph(run.Status), run.Outcome, run.Status)
		if m.runErr != nil {
			text += ": " + m.runErr.Error()
		}
		return style.Render(text)
	case m.finished:
		text := "finished without a run"
		if m.runErr != nil {
			text = m.runErr.Error()
		}
		return outcomeFailedStyle.Render(text)
	case m.cancelling:
		return m.spinner.View() + " " + cancellingStyle.Render("cancelling")
	case run == nil:
		return m.spinner.View() + " " + stateStyle.Render("waiting for events")
	case run.Completed():
		return stateStyle.Render(fmt.Sprintf("%s, waiting for exit", run.Outcome))
	}
	return m.spinner.View() + " " + stateStyle.Render("running")
}
