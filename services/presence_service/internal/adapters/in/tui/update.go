package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.emit(entity.InteractionKey)
		if m.quitting {
			return m, nil
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			m.status = "going offline"
			return m, m.offlineCmd()
		case key.Matches(msg, m.keys.Navigate):
			idx := int(msg.String()[0] - '1')
			if idx < 0 || idx >= len(m.modules) {
				return m, nil
			}
			m.moduleIdx = idx
			m.tabIdx = 0
			module, tab := m.Location()
			return m, m.locationCmd(module, tab)
		case key.Matches(msg, m.keys.NextTab):
			tabs := m.modules[m.moduleIdx].Tabs
			if len(tabs) == 0 {
				return m, nil
			}
			m.tabIdx = (m.tabIdx + 1) % len(tabs)
			module, tab := m.Location()
			return m, m.locationCmd(module, tab)
		}
		return m, nil

	case tea.MouseMsg:
		if msg.Type == tea.MouseWheelUp || msg.Type == tea.MouseWheelDown {
			m.emit(entity.InteractionScroll)
		} else {
			m.emit(entity.InteractionPointer)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case PresenceMsg:
		m.records = []*entity.PresenceRecord(msg)
		return m, nil

	case tickMsg:
		m.refresh(time.Time(msg))
		return m, tick()

	case initDoneMsg:
		m.err = msg.err
		m.status = m.tracker.State().String()
		return m, nil

	case locationDoneMsg:
		m.status = m.tracker.State().String()
		return m, nil

	case offlineDoneMsg:
		m.status = m.tracker.State().String()
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) emit(kind entity.InteractionKind) {
	if m.feed != nil {
		m.feed.Emit(kind)
	}
}

// refresh 没有新推送时状态也会随时间过期，定时按当前时间重算
func (m *Model) refresh(now time.Time) {
	if len(m.records) == 0 {
		return
	}
	next := make([]*entity.PresenceRecord, 0, len(m.records))
	for _, r := range m.records {
		next = append(next, r.WithComputedStatus(now, m.idle))
	}
	entity.SortForDashboard(next)
	m.records = next
}
