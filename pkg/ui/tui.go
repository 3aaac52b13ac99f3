package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/rescp17/swarmshare/internal/style"
	"github.com/rescp17/swarmshare/pkg/download"
	"github.com/rescp17/swarmshare/pkg/transfer"
)

const maxBarWidth = 60

// UpdateMsg carries a scheduler update into the program.
type UpdateMsg download.Update

// DoneMsg ends the program with the outcome of the download.
type DoneMsg struct {
	Written int64
	Err     error
}

type KeyMap struct {
	Cancel key.Binding
}

var DefaultKeyMap = KeyMap{
	Cancel: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "cancel")),
}

// DownloadModel shows the progress of one download. Messages arrive on
// events; the producer must finish with a DoneMsg.
type DownloadModel struct {
	desc    *transfer.FileDescriptor
	events  <-chan tea.Msg
	cancel  func()
	spinner spinner.Model
	bar     progress.Model

	started    time.Time
	update     download.Update
	cancelling bool
	done       bool
	written    int64
	err        error
}

func NewDownloadModel(desc *transfer.FileDescriptor, events <-chan tea.Msg, cancel func()) DownloadModel {
	return DownloadModel{
		desc:    desc,
		events:  events,
		cancel:  cancel,
		spinner: style.NewSpinner(),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(maxBarWidth)),
		started: time.Now(),
		update:  download.Update{Status: download.StatusRequesting, Total: desc.TotalChunks},
	}
}

// listenForAppMessages waits for the next message from the download.
func (m DownloadModel) listenForAppMessages() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

func (m DownloadModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForAppMessages())
}

func (m DownloadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, DefaultKeyMap.Cancel) && !m.done && !m.cancelling {
			m.cancelling = true
			if m.cancel != nil {
				m.cancel()
			}
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.bar.Width = min(maxBarWidth, max(msg.Width-20, 10))
		return m, nil
	case UpdateMsg:
		m.update = download.Update(msg)
		return m, m.listenForAppMessages()
	case DoneMsg:
		m.done = true
		m.written = msg.Written
		m.err = msg.Err
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// Done reports whether the download has reported its outcome.
func (m DownloadModel) Done() bool { return m.done }

// Err is the outcome of the download once the program has ended.
func (m DownloadModel) Err() error { return m.err }

func (m DownloadModel) Written() int64 { return m.written }

func (m DownloadModel) receivedBytes() int64 {
	return min(int64(m.update.Received)*int64(m.desc.ChunkSize), m.desc.FileSize)
}

func (m DownloadModel) View() string {
	name := style.HighlightFontStyle.Render(m.desc.FileName)
	if m.done {
		if m.err != nil {
			return fmt.Sprintf("\n%s %s\n", style.ErrorStyle.Render("Download failed:"), m.err)
		}
		return fmt.Sprintf("\n%s %s (%s)\n", style.SuccessStyle.Render("Downloaded"), name, humanize.Bytes(uint64(m.written)))
	}

	var b strings.Builder
	switch m.update.Status {
	case download.StatusRequesting:
		fmt.Fprintf(&b, "\n %s Requesting %s from peers...\n", m.spinner.View(), name)
	default:
		received := m.receivedBytes()
		rate := float64(received) / max(time.Since(m.started).Seconds(), 0.001)
		fmt.Fprintf(&b, "\n %s Downloading %s\n\n", m.spinner.View(), name)
		fmt.Fprintf(&b, " %s\n", m.bar.ViewAs(m.update.Progress))
		fmt.Fprintf(&b, " %s\n", style.FileStyle.Render(fmt.Sprintf("%s / %s  %d/%d chunks  %s/s",
			humanize.Bytes(uint64(received)), humanize.Bytes(uint64(m.desc.FileSize)),
			m.update.Received, m.update.Total, humanize.Bytes(uint64(rate)))))
	}
	if m.cancelling {
		b.WriteString("\n" + style.HelpStyle.Render(" cancelling...") + "\n")
	} else {
		help := DefaultKeyMap.Cancel.Help()
		b.WriteString("\n" + style.HelpStyle.Render(fmt.Sprintf(" %s %s", help.Key, help.Desc)) + "\n")
	}
	return b.String()
}
