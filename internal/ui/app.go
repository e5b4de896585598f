package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"duocall/native/internal/call"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	pion "github.com/pion/webrtc/v4"
)

// Controller is the part of call.Call driven by the UI.
type Controller interface {
	StartCall(ctx context.Context, roomID string) error
	Leave()
	Summary() call.Summary
}

type screen int

const (
	screenJoin screen = iota
	screenCall
)

// EventMsg carries a call event into the bubbletea loop.
type EventMsg call.Event

type startedMsg struct {
	roomID string
	err    error
}

// Model is the interactive call page: a join form and the in-call view.
type Model struct {
	ctx     context.Context
	ctrl    Controller
	events  chan call.Event
	input   textinput.Model
	spinner spinner.Model

	screen   screen
	roomID   string
	joining  bool
	state    pion.PeerConnectionState
	local    []string
	remote   []call.TrackInfo
	peerName string
	peerLeft bool
	err      error
	summary  string
	quitting bool
}

func NewModel(ctx context.Context, ctrl Controller) *Model {
	ti := textinput.New()
	ti.Placeholder = "room id"
	ti.Prompt = IconRoom + " "
	ti.CharLimit = 128
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &Model{
		ctx:     ctx,
		ctrl:    ctrl,
		events:  make(chan call.Event, 64),
		input:   ti,
		spinner: s,
	}
}

// Notify queues a call event for the UI. It never blocks; events are
// dropped when the UI falls behind.
func (m *Model) Notify(e call.Event) {
	select {
	case m.events <- e:
	default:
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.listenForEvents())
}

func (m *Model) listenForEvents() tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-m.events:
			return EventMsg(e)
		case <-m.ctx.Done():
			return tea.Quit()
		}
	}
}

func (m *Model) startCall(roomID string) tea.Cmd {
	return func() tea.Msg {
		return startedMsg{roomID: roomID, err: m.ctrl.StartCall(m.ctx, roomID)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case startedMsg:
		if m.screen != screenCall || msg.roomID != m.roomID || errors.Is(msg.err, call.ErrSuperseded) {
			return m, nil
		}
		m.joining = false
		m.err = msg.err
		return m, nil

	case EventMsg:
		m.apply(call.Event(msg))
		return m, m.listenForEvents()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.screen == screenJoin {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m.quit()
	}

	if m.screen == screenCall {
		switch msg.String() {
		case "l", "esc":
			m.leave()
		case "q":
			return m.quit()
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		return m.quit()
	case "enter":
		roomID := strings.TrimSpace(m.input.Value())
		if roomID == "" {
			m.err = call.ErrEmptyRoomID
			return m, nil
		}
		m.err = nil
		m.summary = ""
		m.resetCall(roomID)
		m.screen = screenCall
		m.joining = true
		m.input.Blur()
		return m, m.startCall(roomID)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) resetCall(roomID string) {
	m.roomID = roomID
	m.state = pion.PeerConnectionStateNew
	m.local = nil
	m.remote = nil
	m.peerName = ""
	m.peerLeft = false
}

func (m *Model) leave() {
	m.ctrl.Leave()
	m.summary = SummaryView(m.ctrl.Summary())
	m.screen = screenJoin
	m.joining = false
	m.input.Focus()
}

func (m *Model) quit() (tea.Model, tea.Cmd) {
	if m.screen == screenCall {
		m.ctrl.Leave()
	}
	m.quitting = true
	return m, tea.Quit
}

func (m *Model) apply(e call.Event) {
	if e.RoomID != "" && e.RoomID != m.roomID {
		return
	}
	switch e.Kind {
	case call.EventLocalStream:
		m.local = nil
		for _, tr := range e.Stream.Tracks() {
			m.local = append(m.local, tr.Kind().String())
		}
	case call.EventRemoteTrack:
		m.remote = append(m.remote, e.Track)
	case call.EventConnectionState:
		m.state = e.State
	case call.EventPeerHello:
		m.peerName = e.Control.Name
		if e.Control.Version != "" {
			m.peerName += " " + e.Control.Version
		}
		m.peerLeft = false
	case call.EventPeerBye:
		m.peerLeft = true
	}
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if m.screen == screenCall {
		return m.callView()
	}
	return m.joinView()
}

func (m *Model) joinView() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("duocall"))
	b.WriteString("\n")
	b.WriteString("Enter a room id and press enter to join.\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString("\n" + FormatError(m.err) + "\n")
	}
	if m.summary != "" {
		b.WriteString("\n" + m.summary + "\n")
	}
	b.WriteString(FooterStyle.Render("enter join • esc quit"))
	return b.String()
}

func (m *Model) callView() string {
	var rows []string
	row := func(label, value string) {
		rows = append(rows, LabelStyle.Render(label)+value)
	}

	row(IconRoom+" Room", BoldStyle.Render(m.roomID))

	local := MutedStyle.Render("none")
	if len(m.local) > 0 {
		local = strings.Join(m.local, ", ")
	}
	row(IconCamera+" Local", local)

	state := m.stateText()
	if m.joining {
		state = m.spinner.View() + " joining"
	}
	row(IconConnect+" State", state)

	switch {
	case m.peerLeft:
		row(IconPeer+" Peer", MutedStyle.Render("left the call"))
	case m.peerName != "":
		row(IconPeer+" Peer", m.peerName)
	default:
		row(IconPeer+" Peer", m.spinner.View()+" waiting")
	}

	if len(m.remote) == 0 {
		row(IconMic+" Remote", MutedStyle.Render("no media yet"))
	}
	for _, tr := range m.remote {
		row(IconMic+" Remote", fmt.Sprintf("%s %s", tr.Kind, codecName(tr.Codec)))
	}

	var b strings.Builder
	b.WriteString(CallBoxStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(FormatError(m.err) + "\n")
	}
	b.WriteString(FooterStyle.Render("l leave • q quit"))
	return b.String()
}

func (m *Model) stateText() string {
	switch m.state {
	case pion.PeerConnectionStateConnected:
		return SuccessStyle.Render(m.state.String())
	case pion.PeerConnectionStateFailed, pion.PeerConnectionStateDisconnected:
		return ErrorStyle.Render(m.state.String())
	case pion.PeerConnectionStateUnknown:
		return MutedStyle.Render("new")
	default:
		return m.state.String()
	}
}
