package tui

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/reconflow/internal/catalog"
)

// workflowOption is one catalog entry in the picker list.
type workflowOption struct {
	entry catalog.Entry
}

func (o workflowOption) Title() string {
	if o.entry.Name != "" && o.entry.Name != o.entry.ID {
		return fmt.Sprintf("%s (%s)", o.entry.Name, o.entry.ID)
	}
	return o.entry.ID
}

func (o workflowOption) Description() string {
	desc := fmt.Sprintf("%d task(s)", o.entry.Tasks)
	if o.entry.Description != "" {
		desc += " · " + o.entry.Description
	}
	return desc
}

func (o workflowOption) FilterValue() string {
	return o.entry.ID + " " + o.entry.Name
}

// Picker lets the user choose a catalog workflow.
type Picker struct {
	list   list.Model
	choice string
}

// NewPicker lists entries in the order given.
func NewPicker(entries []catalog.Entry) *Picker {
	items := make([]list.Item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, workflowOption{entry: entry})
	}
	l := list.New(items, list.NewDefaultDelegate(), 60, 20)
	l.Title = "Select a workflow"
	l.Styles.Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF")).
		Padding(0, 1)
	l.SetShowStatusBar(false)
	return &Picker{list: l}
}

// Choice is the selected workflow id, or "" when the picker was dismissed.
func (p *Picker) Choice() string {
	return p.choice
}

func (p *Picker) Init() tea.Cmd {
	return nil
}

func (p *Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		p.list.SetSize(m.Width, m.Height-2)
		return p, nil
	case tea.KeyMsg:
		if p.list.FilterState() == list.Filtering {
			break
		}
		switch m.String() {
		case "ctrl+c", "esc", "q":
			return p, tea.Quit
		case "enter":
			if item, ok := p.list.SelectedItem().(workflowOption); ok {
				p.choice = item.entry.ID
			}
			return p, tea.Quit
		}
	}
	var cmd tea.Cmd
	p.list, cmd = p.list.Update(msg)
	return p, cmd
}

func (p *Picker) View() string {
	hint := footerStyle.Render("Enter → run workflow    / → filter    Esc → cancel")
	return lipgloss.JoinVertical(lipgloss.Left, p.list.View(), hint)
}

// PickWorkflow runs the picker and returns the chosen id.
func PickWorkflow(ctx context.Context, entries []catalog.Entry, opts ...tea.ProgramOption) (string, error) {
	if len(entries) == 0 {
		return "", errors.New("tui: no workflows in catalog")
	}
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(NewPicker(entries), opts...).Run()
	if err != nil {
		return "", fmt.Errorf("tui: %w", err)
	}
	if p, ok := final.(*Picker); ok {
		return p.Choice(), nil
	}
	return "", nil
}
