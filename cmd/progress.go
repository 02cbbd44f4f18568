package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// progressModel renders the run. The pipeline itself runs in a separate
// goroutine (started on setProgramMsg) and reports through messages, so the
// model never touches S3 or the filesystem.
type progressModel struct {
	command         string
	total           int
	completed       int
	currentStage    string
	currentBytes    int64
	totalBytes      int64
	active          map[int]string
	results         []ShardResult
	messages        []string
	currentProgress progress.Model
	overallProgress progress.Model
	spinner         spinner.Model
	startTime       time.Time
	width           int
	height          int
	done            bool
	cancelling      bool
	started         bool
	config          *Config
	run             func(context.Context, *tea.Program) error
	errChan         chan<- error
	ctx             context.Context
	cancel          context.CancelFunc
	taskInfo        *TaskInfo
}

// setProgramMsg hands the running tea.Program to the model so the pipeline
// goroutine can send messages back into it
type setProgramMsg struct {
	program *tea.Program
}

type messageMsg string

type progressMsg struct {
	stage   string
	current int64
	total   int64
}

type shardStartMsg struct {
	index int
	total int
	id    string
	month string
}

type shardCompleteMsg struct {
	index  int
	result ShardResult
}

type runDoneMsg struct {
	err error
}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFAA00")).
			Bold(true).
			Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

// addMessage appends a line to the TUI log
func addMessage(text string) tea.Msg {
	return messageMsg(text)
}

// updateProgress reports the current stage, with optional byte progress
func updateProgress(stage string, current, total int64) tea.Msg {
	return progressMsg{
		stage:   stage,
		current: current,
		total:   total,
	}
}

// shardStart marks a shard as in flight
func shardStart(index, total int, id, month string) tea.Msg {
	return shardStartMsg{
		index: index,
		total: total,
		id:    id,
		month: month,
	}
}

// completeShard records a finished shard
func completeShard(index int, result ShardResult) tea.Msg {
	return shardCompleteMsg{
		index:  index,
		result: result,
	}
}

func newProgressModel(ctx context.Context, cancel context.CancelFunc, config *Config, command string, run func(context.Context, *tea.Program) error, errChan chan<- error, taskInfo *TaskInfo) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	currentProg := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(60),
	)

	overallProg := progress.New(
		progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
		progress.WithWidth(60),
	)

	return progressModel{
		command:         command,
		currentStage:    "Starting up...",
		active:          make(map[int]string),
		results:         make([]ShardResult, 0),
		messages:        make([]string, 0),
		currentProgress: currentProg,
		overallProgress: overallProg,
		spinner:         s,
		startTime:       time.Now(),
		config:          config,
		run:             run,
		errChan:         errChan,
		ctx:             ctx,
		cancel:          cancel,
		taskInfo:        taskInfo,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		return m.handleSpinnerTickMsg(msg)
	case progress.FrameMsg:
		return m.handleProgressFrameMsg(msg)
	case setProgramMsg:
		return m.handleSetProgramMsg(msg)
	case messageMsg:
		return m.handleMessageMsg(msg)
	case progressMsg:
		return m.handleProgressMsg(msg)
	case shardStartMsg:
		return m.handleShardStartMsg(msg)
	case shardCompleteMsg:
		return m.handleShardCompleteMsg(msg)
	case runDoneMsg:
		return m.handleRunDoneMsg(msg)
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		// Second press quits without waiting for the pipeline
		if m.cancelling {
			m.done = true
			return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
		}

		// Cancel the pipeline and wait for runDoneMsg so workers stop
		// cleanly and partial results still reach the summary
		if m.cancel != nil {
			m.cancel()
		}
		m.cancelling = true
		return m, nil
	}
	return m, nil
}

func (m progressModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	m.currentProgress.Width = msg.Width - 10
	m.overallProgress.Width = msg.Width - 10
	return m, nil
}

func (m progressModel) handleSpinnerTickMsg(msg spinner.TickMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m progressModel) handleProgressFrameMsg(msg progress.FrameMsg) (tea.Model, tea.Cmd) {
	currentModel, cmd := m.currentProgress.Update(msg)
	if cm, ok := currentModel.(progress.Model); ok {
		m.currentProgress = cm
	}

	overallModel, cmd2 := m.overallProgress.Update(msg)
	if om, ok := overallModel.(progress.Model); ok {
		m.overallProgress = om
	}

	return m, tea.Batch(cmd, cmd2)
}

func (m progressModel) handleSetProgramMsg(msg setProgramMsg) (tea.Model, tea.Cmd) {
	if m.started || msg.program == nil {
		return m, nil
	}
	m.started = true
	m.currentStage = "Reading shard IDs..."

	run := m.run
	ctx := m.ctx
	errChan := m.errChan
	program := msg.program
	go func() {
		err := run(ctx, program)
		// errChan is buffered, so this never blocks even if the UI quit first
		errChan <- err
		program.Send(runDoneMsg{err: err})
	}()
	return m, nil
}

func (m progressModel) handleMessageMsg(msg messageMsg) (tea.Model, tea.Cmd) {
	m.messages = append(m.messages, string(msg))
	if len(m.messages) > 10 {
		m.messages = m.messages[len(m.messages)-10:]
	}
	return m, nil
}

func (m progressModel) handleProgressMsg(msg progressMsg) (tea.Model, tea.Cmd) {
	m.currentStage = msg.stage
	m.currentBytes = msg.current
	m.totalBytes = msg.total

	if msg.total > 0 {
		percent := float64(msg.current) / float64(msg.total)
		return m, m.currentProgress.SetPercent(percent)
	}
	return m, nil
}

func (m progressModel) handleShardStartMsg(msg shardStartMsg) (tea.Model, tea.Cmd) {
	m.total = msg.total

	label := msg.id
	if msg.month != "" {
		label = fmt.Sprintf("%s (%s)", msg.id, msg.month)
	}
	m.active[msg.index] = label
	return m, nil
}

func (m progressModel) handleShardCompleteMsg(msg shardCompleteMsg) (tea.Model, tea.Cmd) {
	delete(m.active, msg.index)
	m.results = append(m.results, msg.result)
	m.completed = len(m.results)
	m.currentStage = ""
	m.currentBytes = 0
	m.totalBytes = 0

	if m.total > 0 {
		overallPercent := float64(m.completed) / float64(m.total)
		return m, m.overallProgress.SetPercent(overallPercent)
	}
	return m, nil
}

func (m progressModel) handleRunDoneMsg(_ runDoneMsg) (tea.Model, tea.Cmd) {
	m.done = true
	return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
}

// renderBanner renders the framed startup banner
func (m progressModel) renderBanner() []string {
	var sections []string

	titleStyle1 := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	titleStyle2 := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDFF8C")).Bold(true)
	authorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))

	const boxWidth = 66
	const indent = "   "

	makeLine := func(content string) string {
		visibleWidth := lipgloss.Width(content)
		targetWidth := boxWidth - 4
		padding := targetWidth - visibleWidth
		if padding < 0 {
			padding = 0
		}
		return fmt.Sprintf("%s║  %s%s║", indent, content, strings.Repeat(" ", padding))
	}

	topBorder := indent + "╔" + strings.Repeat("═", boxWidth-2) + "╗"
	bottomBorder := indent + "╚" + strings.Repeat("═", boxWidth-2) + "╝"

	mode := "month buckets"
	if m.command == "shards" && m.config != nil {
		mode = fmt.Sprintf("per-shard, %d workers", m.config.Workers)
	}

	sections = append(sections, "")
	sections = append(sections, topBorder)
	sections = append(sections, makeLine(""))
	sections = append(sections, makeLine("              "+titleStyle1.Render("arXiv TeX Extractor")+" "+titleStyle2.Render("v"+Version)))
	sections = append(sections, makeLine(""))
	sections = append(sections, makeLine(titleStyle2.Render("Builds a TeX-only dataset from arXiv source shards")))
	sections = append(sections, makeLine(authorStyle.Render("Mode: "+mode)))
	if m.taskInfo != nil && m.taskInfo.Repo != "" {
		sections = append(sections, makeLine(authorStyle.Render("Dataset: "+m.taskInfo.Repo)))
	}
	sections = append(sections, makeLine(""))
	sections = append(sections, makeLine("     "+authorStyle.Render("https://github.com/kaieberl/common-pile")))
	sections = append(sections, makeLine(""))
	sections = append(sections, bottomBorder)

	if versionCheckResult != nil && versionCheckResult.UpdateAvailable {
		sections = append(sections, infoStyle.Render("   💡 "+formatUpdateMessage(*versionCheckResult)))
	}

	sections = append(sections, "")
	return sections
}

// renderMessages renders the message log section
func (m progressModel) renderMessages() []string {
	var sections []string
	sections = append(sections, helpStyle.Render("   Log:"))
	if len(m.messages) == 0 {
		sections = append(sections, "     (waiting for operations...)")
	} else {
		for _, msg := range m.messages {
			sections = append(sections, "     "+msg)
		}
	}
	return sections
}

// renderSeparator renders a horizontal separator
func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

// renderProgress renders the shard progress section
func (m progressModel) renderProgress() []string {
	var sections []string

	if m.total == 0 {
		stage := m.currentStage
		if stage == "" {
			stage = "Starting up..."
		}
		sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), stage)))
		return sections
	}

	sections = append(sections, sectionStyle.Render("   Processing Shards"))
	sections = append(sections, "")

	elapsed := time.Since(m.startTime).Round(time.Second)
	overallInfo := fmt.Sprintf("   Overall: %d/%d shards (%s elapsed)", m.completed, m.total, elapsed)
	sections = append(sections, progressInfoStyle.Render(overallInfo))
	sections = append(sections, "   "+m.overallProgress.ViewAs(float64(m.completed)/float64(m.total)))

	// In-flight shards, in input order
	if len(m.active) > 0 {
		sections = append(sections, "")
		indexes := make([]int, 0, len(m.active))
		for idx := range m.active {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), m.active[idx])))
		}
	}

	if m.currentStage != "" {
		sections = append(sections, "")
		sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), m.currentStage)))
	}

	if m.currentBytes > 0 && m.totalBytes > 0 {
		byteInfo := fmt.Sprintf("   Bytes: %d/%d", m.currentBytes, m.totalBytes)
		sections = append(sections, progressInfoStyle.Render(byteInfo))
		sections = append(sections, "   "+m.currentProgress.ViewAs(float64(m.currentBytes)/float64(m.totalBytes)))
	}

	sections = append(sections, "")
	sections = append(sections, m.renderRecentResults()...)
	return sections
}

// renderRecentResults renders the last few finished shards
func (m progressModel) renderRecentResults() []string {
	var sections []string
	if len(m.results) == 0 {
		return sections
	}

	sections = append(sections, sectionStyle.Render("   Recent Results"))
	sections = append(sections, "")

	startIndex := 0
	if len(m.results) > 5 {
		startIndex = len(m.results) - 5
	}

	for _, result := range m.results[startIndex:] {
		var line string
		switch {
		case result.Skipped:
			line = fmt.Sprintf("   ⏭  %s - %s", result.Shard, result.SkipReason)
		case result.Error != nil:
			line = fmt.Sprintf("   ❌ %s - Error: %v", result.Shard, result.Error)
		default:
			line = fmt.Sprintf("   ✅ %s - %d TeX files", result.Shard, result.TexFiles)
		}
		sections = append(sections, line)
	}
	sections = append(sections, "")
	return sections
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string

	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderProgress()...)

	sections = append(sections, "")
	if m.cancelling {
		sections = append(sections, helpStyle.Render("   Cancelling, waiting for workers to stop..."))
	} else {
		sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel"))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
