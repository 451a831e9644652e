// Package tui renders live workflow runs in the terminal. It follows the
// bubbletea model: lifecycle events arrive as messages, Update folds them into
// the run snapshot, and View renders the snapshot.
package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/reconflow/internal/logbook"
	"github.com/kingrea/reconflow/internal/value"
	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

const maxDiagnostics = 6

// WatchOption customizes a Watch.
type WatchOption func(*Watch)

// WithCancel sets the function invoked when the user asks to cancel the run.
func WithCancel(cancel func()) WatchOption {
	return func(w *Watch) { w.cancel = cancel }
}

// WithOrder lists task ids in display order. Unlisted tasks follow in
// definition order.
func WithOrder(ids []string) WatchOption {
	return func(w *Watch) { w.orderIDs = append([]string(nil), ids...) }
}

// WithLogbook shows the tail of the run's logbook under the task list.
func WithLogbook(book *logbook.Logbook) WatchOption {
	return func(w *Watch) { w.logbook = book }
}

// WithQuitOnFinish makes the program exit once workflow_finished arrives.
func WithQuitOnFinish(quit bool) WatchOption {
	return func(w *Watch) { w.quitOnFinish = quit }
}

// Watch follows one run. It is a tea.Model.
type Watch struct {
	run          workflow.WorkflowRun
	index        map[string]int
	order        []int
	orderIDs     []string
	events       <-chan lifecycle.Event
	cancel       func()
	logbook      *logbook.Logbook
	quitOnFinish bool

	spinner     spinner.Model
	progress    progress.Model
	counts      lifecycle.Progress
	diagnostics []string
	selection   int
	expanded    bool
	width       int

	lastSeq         int64
	finished        bool
	streamClosed    bool
	cancelRequested bool
}

type eventMsg struct {
	event lifecycle.Event
}

type streamClosedMsg struct{}

// NewWatch builds a model for run, fed by events. The run is typically the
// snapshot taken right after Start, with every task pending.
func NewWatch(run workflow.WorkflowRun, events <-chan lifecycle.Event, opts ...WatchOption) *Watch {
	w := &Watch{
		run:      run.Clone(),
		events:   events,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(labelStyleRunning)),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		counts:   lifecycle.ProgressOf(&run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.index = make(map[string]int, len(w.run.Tasks))
	for i, task := range w.run.Tasks {
		w.index[task.TaskID] = i
	}
	w.order = w.displayOrder()
	return w
}

func (w *Watch) displayOrder() []int {
	seen := make(map[int]struct{}, len(w.run.Tasks))
	order := make([]int, 0, len(w.run.Tasks))
	for _, id := range w.orderIDs {
		if i, ok := w.index[id]; ok {
			if _, dup := seen[i]; !dup {
				seen[i] = struct{}{}
				order = append(order, i)
			}
		}
	}
	for i := range w.run.Tasks {
		if _, ok := seen[i]; !ok {
			order = append(order, i)
		}
	}
	return order
}

// Run returns the latest snapshot folded from the event stream.
func (w *Watch) Run() workflow.WorkflowRun {
	return w.run.Clone()
}

// Finished reports whether workflow_finished has been received.
func (w *Watch) Finished() bool {
	return w.finished
}

// Init starts the spinner and the event reader.
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, waitForEvent(w.events))
}

func waitForEvent(events <-chan lifecycle.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: event}
	}
}

// Update folds one message into the model.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = m.Width
		w.progress.Width = max(20, min(60, m.Width-20))
		return w, nil
	case spinner.TickMsg:
		if w.finished {
			return w, nil
		}
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(m)
		return w, cmd
	case eventMsg:
		w.apply(m.event)
		if w.finished && w.quitOnFinish {
			return w, tea.Quit
		}
		return w, waitForEvent(w.events)
	case streamClosedMsg:
		w.streamClosed = true
		if w.quitOnFinish {
			return w, tea.Quit
		}
		return w, nil
	case tea.KeyMsg:
		return w, w.handleKey(m)
	}
	return w, nil
}

func (w *Watch) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		w.requestCancel()
		return tea.Quit
	case "q", "esc":
		return tea.Quit
	case "c":
		w.requestCancel()
	case "up", "k":
		if w.selection > 0 {
			w.selection--
		}
	case "down", "j":
		if w.selection < len(w.order)-1 {
			w.selection++
		}
	case "enter", " ":
		w.expanded = !w.expanded
	}
	return nil
}

func (w *Watch) requestCancel() {
	if w.finished || w.cancelRequested || w.cancel == nil {
		return
	}
	w.cancelRequested = true
	w.cancel()
}

// apply folds an event into the snapshot. Replayed events at or below the
// last sequence number are ignored.
func (w *Watch) apply(event lifecycle.Event) {
	if event.Seq > 0 && event.Seq <= w.lastSeq {
		return
	}
	if event.Seq > 0 {
		w.lastSeq = event.Seq
	}
	if event.Task != nil {
		w.applyTask(*event.Task)
	}
	if event.Progress != nil {
		w.counts = *event.Progress
	}
	switch event.Kind {
	case lifecycle.KindDiagnostic:
		w.addDiagnostic(event)
	case lifecycle.KindWorkflowFinished:
		w.finished = true
		if event.Run != nil {
			w.run.Status = event.Run.Status
			w.run.FinishedAt = event.Run.FinishedAt
		}
		w.run.Recount()
		w.counts = lifecycle.ProgressOf(&w.run)
	}
}

func (w *Watch) applyTask(snap lifecycle.TaskSnapshot) {
	i, ok := w.index[snap.TaskID]
	if !ok {
		return
	}
	task := &w.run.Tasks[i]
	task.Status = snap.Status
	task.ResolvedParameters = snap.ResolvedParameters
	task.Result = snap.Result
	task.Error = snap.Error
	task.Diagnostic = snap.Diagnostic
	task.StartedAt = snap.StartedAt
	task.FinishedAt = snap.FinishedAt
	w.run.Recount()
}

func (w *Watch) addDiagnostic(event lifecycle.Event) {
	line := event.Message
	if event.TaskID != "" {
		line = fmt.Sprintf("%s: %s", event.TaskID, line)
	}
	if event.Level != "" {
		line = fmt.Sprintf("[%s] %s", event.Level, line)
	}
	w.diagnostics = append(w.diagnostics, line)
	if len(w.diagnostics) > maxDiagnostics {
		w.diagnostics = w.diagnostics[len(w.diagnostics)-maxDiagnostics:]
	}
}

// View renders the run.
func (w *Watch) View() string {
	title := w.run.Name
	if strings.TrimSpace(title) == "" {
		title = w.run.WorkflowID
	}
	header := headerStyle.Render("⬡ RECONFLOW · " + title)

	statusLine := fmt.Sprintf("Run %s · %s", w.run.RunID, labelStyleForRun(w.run.Status).Render(titleCase(string(w.run.Status))))
	if w.run.Target != "" {
		statusLine += " · target " + w.run.Target
	}
	if w.cancelRequested && !w.finished {
		statusLine += " · " + labelStyleBlocked.Render("cancelling")
	}
	bar := fmt.Sprintf("%s %d/%d done, %d completed", w.progress.ViewAs(w.counts.Fraction()), w.counts.Done, w.counts.Total, w.counts.Completed)

	lines := []string{statusLine, bar, ""}
	for pos, i := range w.order {
		task := w.run.Tasks[i]
		lines = append(lines, w.renderTaskLine(pos, task))
		if pos == w.selection && w.expanded {
			lines = append(lines, w.renderTaskDetails(task))
		}
	}

	sections := []string{header, strings.Join(lines, "\n")}
	if panel := w.renderDiagnostics(); panel != "" {
		sections = append(sections, panel)
	}
	if panel := w.renderLogPanel(); panel != "" {
		sections = append(sections, panel)
	}
	sections = append(sections, footerStyle.Render(w.footer()))
	return strings.Join(sections, "\n")
}

func (w *Watch) footer() string {
	if w.finished {
		return fmt.Sprintf("Finished: %d completed · %d failed · %d blocked · %d cancelled    q=quit",
			w.run.Completed, w.run.Failed, w.run.Blocked, w.run.Cancelled)
	}
	return "↑/↓=select  enter=details  c=cancel run  q=stop watching"
}

func (w *Watch) renderTaskLine(pos int, task workflow.TaskRun) string {
	indicator := " "
	if pos == w.selection {
		indicator = ">"
	}
	marker := " "
	if task.Status == workflow.TaskRunning {
		marker = w.spinner.View()
	}
	name := task.Name
	if strings.TrimSpace(name) == "" {
		name = task.TaskID
	}
	label := labelStyleForTask(task.Status).Render(titleCase(string(task.Status)))
	line := fmt.Sprintf("%s %s %s · %s · [%s]", indicator, marker, name, task.Executor, label)
	if !task.StartedAt.IsZero() && !task.FinishedAt.IsZero() {
		line += " " + detailTextStyle.Render(humanizeDuration(task.FinishedAt.Sub(task.StartedAt)))
	}
	return line
}

func (w *Watch) renderTaskDetails(task workflow.TaskRun) string {
	var details []string
	if len(task.ResolvedParameters) > 0 {
		details = append(details, "Parameters: "+renderMap(task.ResolvedParameters))
	}
	if len(task.Result) > 0 {
		details = append(details, "Result: "+renderMap(task.Result))
	}
	if task.Error != "" {
		details = append(details, "Error: "+task.Error)
	}
	if task.Diagnostic != "" {
		details = append(details, "Diagnostic: "+task.Diagnostic)
	}
	if len(details) == 0 {
		return detailTextStyle.Render("    no additional details")
	}
	return detailTextStyle.Render("    " + strings.Join(details, "\n    "))
}

func renderMap(m value.Map) string {
	data, err := m.MarshalJSON()
	if err != nil {
		return err.Error()
	}
	text := string(data)
	if len(text) > 160 {
		text = text[:157] + "..."
	}
	return text
}

func (w *Watch) renderDiagnostics() string {
	if len(w.diagnostics) == 0 {
		return ""
	}
	head := panelTitleStyle.Render("DIAGNOSTICS")
	body := panelBodyStyle.Render(strings.Join(w.diagnostics, "\n"))
	return panelBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, head, body))
}

func (w *Watch) renderLogPanel() string {
	if w.logbook == nil {
		return ""
	}
	lines, _ := w.logbook.Tail(8)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(w.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := panelTitleStyle.Render("LOG · " + fileName)
	body := panelBodyStyle.Render(strings.Join(lines, "\n"))
	return panelBoxStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

// RunWatch drives w until the user quits or the program is stopped by ctx.
func RunWatch(ctx context.Context, w *Watch, opts ...tea.ProgramOption) (*Watch, error) {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(w, opts...).Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return w, fmt.Errorf("tui: %w", err)
	}
	if model, ok := final.(*Watch); ok {
		return model, nil
	}
	return w, nil
}
