package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Avicted/parley/internal/audio"
	"github.com/Avicted/parley/internal/banner"
	"github.com/Avicted/parley/internal/media"
	"github.com/Avicted/parley/internal/message"
	"github.com/Avicted/parley/internal/outbox"
	"github.com/Avicted/parley/internal/securelog"
	"github.com/Avicted/parley/internal/session"
)

const maxVoiceNoteBytes = 16 << 20

func newChatCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open the conversation in an interactive terminal UI",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logFile := opts.LogFile
			if logFile == "" {
				logFile = defaultLogFile()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logFile)
			if err != nil {
				return err
			}
			defer a.Close()
			a.serveMetrics(ctx)
			return runChat(ctx, a)
		},
	}
}

func runChat(ctx context.Context, a *app) error {
	channelURL, err := a.channelURL()
	if err != nil {
		return err
	}

	scr := newScreen()
	notices := banner.New(scr, a.cfg.BannerTimeout)
	defer notices.Stop()

	ctrl, err := session.New(session.Options{
		ChannelURL: channelURL,
		LocalID:    a.cfg.UserID,
		Link:       a.newLink(),
		Outbox:     a.outbox,
		Renderer:   scr,
		Notifier:   notices,
		Status:     scr.setStatus,
		Logger:     a.logger.Named("session"),
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}

	pipeline := media.NewPipeline(a.cfg.ChannelID, a.newUploader(), nil, notices, a.logger.Named("media"))
	defer pipeline.Close()
	pipeline.Attach.OnChange(scr.setAttachIcon)
	pipeline.Voice.OnChange(scr.setVoiceIcon)

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Stop()

	if a.cfg.RecordHotkey != "" {
		go runRecordHotkey(ctx, a.cfg.RecordHotkey, pipeline, a.logger)
	}

	model := newChatModel(chatDeps{
		ctrl:     ctrl,
		pipeline: pipeline,
		outbox:   a.outbox,
		screen:   scr,
		localID:  a.cfg.UserID,
		channel:  a.cfg.ChannelID,
		play:     newVoicePlayer(a.cfg.ServerURL, a.logger.Named("playback")),
	}, 80, 24)
	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func runRecordHotkey(ctx context.Context, binding string, pipeline *media.Pipeline, logger *zap.Logger) {
	key, err := newHoldKey(binding)
	if err != nil {
		securelog.Error(logger, "record hotkey", err)
		return
	}
	err = key.Run(ctx,
		func() {
			if err := pipeline.PressRecord(context.Background()); err != nil && !errors.Is(err, media.ErrBusy) {
				securelog.Error(logger, "record press", err)
			}
		},
		func() {
			if err := pipeline.ReleaseRecord(context.Background()); err != nil {
				securelog.Error(logger, "record release", err)
			}
		},
	)
	if err != nil {
		securelog.Error(logger, "record hotkey", err)
	}
}

// voicePlayer fetches a voice note and plays it on the default output.
type voicePlayer func(ctx context.Context, rawURL string) (string, error)

func newVoicePlayer(serverURL string, logger *zap.Logger) voicePlayer {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, rawURL string) (string, error) {
		target, err := resolveMediaURL(serverURL, rawURL)
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch voice note: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetch voice note: status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceNoteBytes))
		if err != nil {
			return "", fmt.Errorf("read voice note: %w", err)
		}
		samples, err := audio.DecodeVoiceNote(data)
		if err != nil {
			return "", err
		}
		size := humanize.Bytes(uint64(len(data)))
		logger.Info("voice_note_playing", zap.String("size", size), zap.Duration("length", audio.Duration(len(samples))))
		if err := audio.Play(ctx, samples); err != nil {
			return "", err
		}
		return fmt.Sprintf("played %s (%s)", audio.Duration(len(samples)).Round(time.Second), size), nil
	}
}

func resolveMediaURL(serverURL, raw string) (string, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("media url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

type chatDeps struct {
	ctrl     *session.Controller
	pipeline *media.Pipeline
	outbox   *outbox.Outbox
	screen   *screen
	localID  string
	channel  string
	play     voicePlayer
}

type chatModel struct {
	deps     chatDeps
	view     screenView
	notes    []string
	viewport viewport.Model
	input    textinput.Model
	errMsg   string
	width    int
	height   int
	now      func() time.Time
}

type screenChangedMsg struct{}

type actionDoneMsg struct {
	note string
	err  error
}

func newChatModel(deps chatDeps, width, height int) chatModel {
	input := textinput.New()
	input.Placeholder = "type a message, /help for commands"
	input.CharLimit = 4096
	input.Width = clampMin(width-8, 20)
	input.Focus()

	vp := viewport.New(clampMin(width-4, 10), clampMin(height-7, 1))

	m := chatModel{
		deps:     deps,
		viewport: vp,
		input:    input,
		width:    width,
		height:   height,
		now:      time.Now,
	}
	m.view = deps.screen.view()
	return m
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForChange(m.deps.screen.changed))
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return screenChangedMsg{}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()
		m.refreshViewport()
		return m, nil

	case screenChangedMsg:
		m.view = m.deps.screen.view()
		m.refreshViewport()
		return m, waitForChange(m.deps.screen.changed)

	case actionDoneMsg:
		if msg.err != nil {
			m.errMsg = msg.err.Error()
		} else {
			m.errMsg = ""
		}
		if msg.note != "" {
			m.appendNote(msg.note)
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit
		case "ctrl+r":
			return m, m.toggleRecording()
		case "enter":
			raw := m.input.Value()
			m.input.Reset()
			if strings.HasPrefix(strings.TrimSpace(raw), "/") {
				return m.handleCommand(strings.TrimSpace(raw))
			}
			return m, m.sendText(raw)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// sendText hands the text to the session off the UI goroutine.
func (m chatModel) sendText(text string) tea.Cmd {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ctrl := m.deps.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctrl.Send(ctx, text); err != nil {
			return actionDoneMsg{err: fmt.Errorf("message not saved: %w", err)}
		}
		return actionDoneMsg{}
	}
}

func (m chatModel) toggleRecording() tea.Cmd {
	pipeline := m.deps.pipeline
	if pipeline.Voice.State() == media.Recording {
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), media.DefaultUploadTimeout)
			defer cancel()
			if err := pipeline.ReleaseRecord(ctx); err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{note: "voice note sent"}
		}
	}
	return func() tea.Msg {
		if err := pipeline.PressRecord(context.Background()); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{note: "recording, ctrl+r to send"}
	}
}

func (m chatModel) handleCommand(raw string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(raw)
	name := strings.ToLower(fields[0])
	arg := strings.TrimSpace(strings.TrimPrefix(raw, fields[0]))

	switch name {
	case "/help":
		m.appendNote("commands: /image <path>, /play <n>, /outbox, /quit; ctrl+r records a voice note")
		return m, nil
	case "/quit":
		return m, tea.Quit
	case "/image":
		if arg == "" {
			m.errMsg = "usage: /image <path>"
			return m, nil
		}
		pipeline := m.deps.pipeline
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), media.DefaultUploadTimeout)
			defer cancel()
			if err := pipeline.SendImage(ctx, arg); err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{note: "image sent"}
		}
	case "/play":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			m.errMsg = "usage: /play <n>"
			return m, nil
		}
		target, ok := voiceNoteURL(m.view.rows, n)
		if !ok {
			m.errMsg = fmt.Sprintf("no voice note #%d", n)
			return m, nil
		}
		play := m.deps.play
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			note, err := play(ctx, target)
			return actionDoneMsg{note: note, err: err}
		}
	case "/outbox":
		ob := m.deps.outbox
		return m, func() tea.Msg {
			n, err := ob.Len(context.Background())
			if err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{note: fmt.Sprintf("%d message(s) waiting in the outbox", n)}
		}
	default:
		m.errMsg = "unknown command " + name
		return m, nil
	}
}

// voiceNoteURL returns the URL of the n-th voice note, counted from the
// top of the timeline as labelled in the view.
func voiceNoteURL(rows []message.Message, n int) (string, bool) {
	seen := 0
	for _, row := range rows {
		if row.Content.Kind != message.KindAudio {
			continue
		}
		seen++
		if seen == n {
			return row.Content.URL, row.Content.URL != ""
		}
	}
	return "", false
}

func (m *chatModel) appendNote(text string) {
	m.notes = append(m.notes, text)
	if len(m.notes) > 3 {
		m.notes = m.notes[len(m.notes)-3:]
	}
	m.refreshViewport()
}

func (m *chatModel) refreshViewport() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *chatModel) updateLayout() {
	m.viewport.Width = clampMin(m.width-4, 10)
	m.viewport.Height = clampMin(m.height-7, 1)
	m.input.Width = clampMin(m.width-8, 20)
}

func (m *chatModel) renderMessages() string {
	now := m.now()
	width := m.viewport.Width
	var lines []string
	voice := 0
	for _, row := range m.view.rows {
		outgoing := row.Outgoing(m.deps.localID)
		sender := row.SenderID
		if outgoing {
			sender = "you"
		}
		var body string
		switch row.Content.Kind {
		case message.KindImage:
			body = "[image] " + message.DisplayURL(row.Content.URL, now)
		case message.KindAudio:
			voice++
			body = fmt.Sprintf("[voice #%d] %s", voice, row.DisplayText(m.deps.localID))
		default:
			body = row.DisplayText(m.deps.localID)
		}
		if outgoing {
			body += " " + deliveryMark(row.Delivery)
		}

		style := recvMsgStyle
		switch {
		case outgoing && row.Delivery == message.Pending:
			style = pendingMsgStyle
		case outgoing:
			style = sentMsgStyle
		}
		for _, line := range formatMessageLines(message.FormatTimestamp(row.Timestamp), sender, body, width) {
			lines = append(lines, style.Render(line))
		}
	}
	for _, note := range m.notes {
		lines = append(lines, systemMsgStyle.Render("  * "+note))
	}
	return strings.Join(lines, "\n")
}

func deliveryMark(s message.DeliveryState) string {
	switch s {
	case message.Pending:
		return "○"
	case message.Read:
		return "✓✓"
	default:
		return "✓"
	}
}

func formatMessageLines(ts, sender, body string, width int) []string {
	prefix := fmt.Sprintf("  [%s] %s: ", ts, sender)
	if ts == "" {
		prefix = fmt.Sprintf("  %s: ", sender)
	}
	contPrefix := strings.Repeat(" ", lipgloss.Width(prefix))
	available := clampMin(width-lipgloss.Width(prefix), 10)

	var out []string
	for i, line := range strings.Split(body, "\n") {
		for j, part := range wrapText(line, available) {
			if i == 0 && j == 0 {
				out = append(out, prefix+part)
				continue
			}
			out = append(out, contPrefix+part)
		}
	}
	return out
}

func (m chatModel) View() string {
	var b strings.Builder

	header := fmt.Sprintf(
		"  %s  %s  %s  %s %s",
		appNameStyle.Render("* parley"),
		headerStyle.Render(m.deps.localID),
		labelStyle.Render("#"+m.deps.channel),
		m.view.attachIcon,
		m.view.voiceIcon,
	)
	status := statusLabel(m.view.status)
	gap := max(1, m.width-lipgloss.Width(header)-lipgloss.Width(status)-2)
	b.WriteString(header + strings.Repeat(" ", gap) + status)
	b.WriteString("\n")

	if m.view.banner != "" {
		b.WriteString(bannerStyle.Render("  " + m.view.banner))
	} else {
		b.WriteString(separator(m.width))
	}
	b.WriteString("\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(separator(m.width))
	b.WriteString("\n")

	b.WriteString(activeInputStyle.Render("  > ") + m.input.View())
	b.WriteString("\n")

	if m.errMsg != "" {
		b.WriteString(errorStyle.Render("  x " + m.errMsg))
	} else {
		b.WriteString(helpStyle.Render("  enter: send - ctrl+r: record - /image <path> - /play <n> - pgup/pgdn: scroll - ctrl+q: quit"))
	}
	return b.String()
}

func statusLabel(s session.State) string {
	switch s {
	case session.Connected:
		return connectedStyle.Render("online")
	case session.Connecting:
		return connectingStyle.Render("connecting")
	default:
		return disconnectedStyle.Render("offline")
	}
}
