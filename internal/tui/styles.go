package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/reconflow/internal/workflow"
)

var (
	labelStyleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	headerStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	panelTitleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	panelBodyStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	panelBoxStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	footerStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).MarginTop(1)
)

func labelStyleForTask(status workflow.TaskStatus) lipgloss.Style {
	switch status {
	case workflow.TaskCompleted:
		return labelStyleCompleted
	case workflow.TaskFailed:
		return labelStyleFailed
	case workflow.TaskRunning:
		return labelStyleRunning
	case workflow.TaskBlocked:
		return labelStyleBlocked
	case workflow.TaskCancelled:
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

func labelStyleForRun(status workflow.RunStatus) lipgloss.Style {
	switch status {
	case workflow.RunCompleted:
		return labelStyleCompleted
	case workflow.RunFailed:
		return labelStyleFailed
	case workflow.RunCancelled:
		return labelStyleSkipped
	default:
		return labelStyleRunning
	}
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func humanizeDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
