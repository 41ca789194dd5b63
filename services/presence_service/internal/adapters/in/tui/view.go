package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

var (
	appTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	liveStyle       = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle      = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	menuBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 2).MarginTop(1)
	menuHotkeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	selectedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	itemStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	tabStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	activeTabStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Underline(true)
	boardBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 2).MarginTop(1)
	activeDotStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineDotStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	timestampStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func (m *Model) View() string {
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		appTitleStyle.Render("presence"),
		m.renderStatus(),
	)
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderModules(),
		"  ",
		m.renderBoard(),
	)
	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.help.View(m.keys)) + "\n"
}

func (m *Model) renderStatus() string {
	if m.err != nil {
		return errorStyle.Render("error: " + m.err.Error())
	}
	if m.status == "live" {
		return liveStyle.Render(m.status)
	}
	return statusStyle.Render(m.status)
}

func (m *Model) renderModules() string {
	lines := make([]string, 0, len(m.modules)+1)
	for i, mod := range m.modules {
		label := itemStyle.Render(mod.Name)
		if i == m.moduleIdx {
			label = selectedStyle.Render(mod.Name)
		}
		lines = append(lines, fmt.Sprintf("%s %s", menuHotkeyStyle.Render(fmt.Sprintf("[%d]", i+1)), label))
	}
	if tabs := m.modules[m.moduleIdx].Tabs; len(tabs) > 0 {
		rendered := make([]string, len(tabs))
		for i, t := range tabs {
			if i == m.tabIdx {
				rendered[i] = activeTabStyle.Render(t)
			} else {
				rendered[i] = tabStyle.Render(t)
			}
		}
		lines = append(lines, "", strings.Join(rendered, " | "))
	}
	return menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m *Model) renderBoard() string {
	if len(m.records) == 0 {
		return boardBoxStyle.Render(statusStyle.Render("nobody here yet"))
	}
	now := m.now()
	lines := make([]string, 0, len(m.records))
	for _, r := range m.records {
		dot := offlineDotStyle.Render("○")
		if r.ActivityStatus == entity.ActivityStatusActive {
			dot = activeDotStyle.Render("●")
		}
		name := r.DisplayName
		if name == "" {
			name = r.UserID
		}
		where := r.CurrentModule
		if r.CurrentTab != "" {
			where += "/" + r.CurrentTab
		}
		lines = append(lines, fmt.Sprintf("%s %-18s %-20s %-8s %s",
			dot, truncate(name, 18), truncate(where, 20), r.Device,
			timestampStyle.Render(ago(now, r.LastActivity))))
	}
	return boardBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02")
	}
}
