package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/snapshot-pipeline/cmd/engine"
	"github.com/airframesio/snapshot-pipeline/cmd/partition"
)

// maxVisibleCategories bounds the category list drawn under the progress bar
const maxVisibleCategories = 8

type categoryState int

const (
	categoryRunning categoryState = iota
	categoryDone
	categoryDegraded
	categoryFailed
)

type categoryLine struct {
	name   string
	files  int
	state  categoryState
	result *engine.Result
}

type progressModel struct {
	profile     Profile
	step        string
	spinner     spinner.Model
	overall     progress.Model
	categories  []categoryLine
	index       map[string]int
	total       int
	completed   int
	stats       partition.Stats
	width       int
	startTime   time.Time
	done        bool
	detached    bool
	err         error
}

type stepMsg struct {
	step string
}

type categoriesFoundMsg struct {
	stats partition.Stats
}

type categoryStartedMsg struct {
	category string
	files    int
}

type categoryDoneMsg struct {
	result *engine.Result
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

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

func newProgressModel(profile Profile) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	return progressModel{
		profile:   profile,
		step:      "Starting",
		spinner:   s,
		overall:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(60)),
		index:     map[string]int{},
		startTime: time.Now(),
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		model, cmd := m.overall.Update(msg)
		if pm, ok := model.(progress.Model); ok {
			m.overall = pm
		}
		return m, cmd
	case stepMsg:
		m.step = msg.step
		return m, nil
	case categoriesFoundMsg:
		m.stats = msg.stats
		m.total = msg.stats.Categories
		return m, nil
	case categoryStartedMsg:
		return m.handleCategoryStarted(msg)
	case categoryDoneMsg:
		return m.handleCategoryDone(msg)
	case runDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Closing the view leaves the run going
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		m.detached = true
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	if msg.Width > 10 {
		m.overall.Width = msg.Width - 10
	}
	return m, nil
}

func (m progressModel) handleCategoryStarted(msg categoryStartedMsg) (tea.Model, tea.Cmd) {
	m.index[msg.category] = len(m.categories)
	m.categories = append(m.categories, categoryLine{name: msg.category, files: msg.files})
	return m, nil
}

func (m progressModel) handleCategoryDone(msg categoryDoneMsg) (tea.Model, tea.Cmd) {
	res := msg.result
	i, ok := m.index[res.Category]
	if !ok {
		// Failures before the category started (engine unavailable) arrive without a start message
		i = len(m.categories)
		m.index[res.Category] = i
		m.categories = append(m.categories, categoryLine{name: res.Category})
	}

	line := &m.categories[i]
	line.result = res
	switch {
	case res.Err != nil:
		line.state = categoryFailed
	case res.Degraded():
		line.state = categoryDegraded
	default:
		line.state = categoryDone
	}

	m.completed++
	if m.total == 0 {
		return m, nil
	}
	return m, m.overall.SetPercent(float64(m.completed) / float64(m.total))
}

func (m progressModel) renderCategory(line categoryLine) string {
	switch line.state {
	case categoryRunning:
		return fmt.Sprintf("   %s %s (%d files)", m.spinner.View(), line.name, line.files)
	case categoryFailed:
		return fmt.Sprintf("   ❌ %s - %v", line.name, line.result.Err)
	case categoryDegraded:
		return fmt.Sprintf("   ⚠️  %s - %d rows via %s, %d files skipped",
			line.name, line.result.TotalRows, line.result.Strategy, len(line.result.Skipped))
	default:
		return fmt.Sprintf("   ✅ %s - %d rows via %s in %s",
			line.name, line.result.TotalRows, line.result.Strategy, line.result.Duration.Round(time.Millisecond))
	}
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, "")
	sections = append(sections, titleStyle.Render(fmt.Sprintf("Snapshot Pipeline · %s", m.profile)))
	sections = append(sections, "")
	sections = append(sections, stageStyle.Render(fmt.Sprintf("%s %s", m.spinner.View(), m.step)))

	if m.total > 0 {
		sections = append(sections, "")
		info := fmt.Sprintf("Categories: %d/%d · %d files · %s", m.completed, m.total, m.stats.Files, formatBytes(m.stats.Bytes))
		sections = append(sections, progressInfoStyle.Render(info))
		sections = append(sections, "   "+m.overall.View())
	}

	if len(m.categories) > 0 {
		sections = append(sections, "")
		sections = append(sections, tableHeaderStyle.Render("Categories"))
		start := 0
		if len(m.categories) > maxVisibleCategories {
			start = len(m.categories) - maxVisibleCategories
		}
		for _, line := range m.categories[start:] {
			sections = append(sections, m.renderCategory(line))
		}
	}

	sections = append(sections, "")
	elapsed := time.Since(m.startTime).Round(time.Second)
	sections = append(sections, helpStyle.Render(fmt.Sprintf("Elapsed %s · press q to stop", elapsed)))

	return strings.Join(sections, "\n")
}

// formatBytes renders a size with binary units
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// runWithProgress runs the pipeline while a bubbletea program draws its
// progress. Quitting the view only stops the drawing: the run carries on,
// logging to the log file, and its report is still returned.
func runWithProgress(ctx context.Context, p *Pipeline, profile Profile, opts ...tea.ProgramOption) (*RunReport, error) {
	viewCtx, closeView := context.WithCancel(ctx)
	defer closeView()

	prog := tea.NewProgram(newProgressModel(profile), append([]tea.ProgramOption{tea.WithContext(viewCtx)}, opts...)...)
	p.SetHooks(Hooks{
		OnStep:       func(step string) { prog.Send(stepMsg{step: step}) },
		OnCategories: func(stats partition.Stats) { prog.Send(categoriesFoundMsg{stats: stats}) },
		OnCategoryStart: func(category string, files int) {
			prog.Send(categoryStartedMsg{category: category, files: files})
		},
		OnCategoryDone: func(res *engine.Result) { prog.Send(categoryDoneMsg{result: res}) },
	})

	type outcome struct {
		report *RunReport
		err    error
	}
	finished := make(chan outcome, 1)
	go func() {
		report, err := p.Run(ctx)
		finished <- outcome{report: report, err: err}
		prog.Send(runDoneMsg{err: err})
	}()

	// The run only stops on a signal; a closed or failed view just stops drawing
	final, teaErr := prog.Run()
	m, ok := final.(progressModel)
	if teaErr != nil || (ok && m.detached) {
		fmt.Fprintln(os.Stdout, infoStyle.Render("⏳ Progress view closed, waiting for the run to finish (see the log file)..."))
	}

	out := <-finished
	return out.report, out.err
}
