package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/interaction"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
)

const (
	refreshInterval = 5 * time.Second
	opTimeout       = 10 * time.Second
)

// Module 可导航的模块，Tabs 为空表示没有子页
type Module struct {
	Name string
	Tabs []string
}

// DefaultModules 客户端内置的模块列表
func DefaultModules() []Module {
	return []Module{
		{Name: "home"},
		{Name: "editor", Tabs: []string{"draft", "preview"}},
		{Name: "gallery", Tabs: []string{"grid", "list"}},
		{Name: "settings", Tabs: []string{"profile", "keyboard", "privacy"}},
	}
}

type keyMap struct {
	Navigate key.Binding
	NextTab  key.Binding
	Quit     key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Navigate, k.NextTab, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

func newKeyMap() keyMap {
	return keyMap{
		Navigate: key.NewBinding(
			key.WithKeys("1", "2", "3", "4", "5", "6", "7", "8", "9"),
			key.WithHelp("1-9", "open module"),
		),
		NextTab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "next tab"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "go offline and quit"),
		),
	}
}

type (
	// PresenceMsg 看板订阅推送，由 main 通过 Program.Send 投递
	PresenceMsg []*entity.PresenceRecord

	initDoneMsg     struct{ err error }
	locationDoneMsg struct{ module, tab string }
	offlineDoneMsg  struct{}
	tickMsg         time.Time
)

// Model 终端客户端：导航驱动 UpdateLocation，按键和鼠标喂给活跃检测，右侧渲染看板
type Model struct {
	tracker in.PresenceTracker
	feed    *interaction.Feed
	modules []Module
	idle    time.Duration
	now     func() time.Time

	keys keyMap
	help help.Model

	moduleIdx int
	tabIdx    int
	records   []*entity.PresenceRecord
	status    string
	err       error
	quitting  bool
	width     int
}

// NewModel modules 为空时使用 DefaultModules
func NewModel(tracker in.PresenceTracker, feed *interaction.Feed, modules []Module, idle time.Duration, now func() time.Time) *Model {
	if len(modules) == 0 {
		modules = DefaultModules()
	}
	if idle <= 0 {
		idle = entity.DefaultIdleTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Model{
		tracker: tracker,
		feed:    feed,
		modules: modules,
		idle:    idle,
		now:     now,
		keys:    newKeyMap(),
		help:    help.New(),
		status:  "connecting",
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.initCmd(), tick())
}

func (m *Model) initCmd() tea.Cmd {
	tracker := m.tracker
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return initDoneMsg{err: tracker.Initialize(ctx)}
	}
}

func (m *Model) locationCmd(module, tab string) tea.Cmd {
	tracker := m.tracker
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		tracker.UpdateLocation(ctx, module, tab)
		return locationDoneMsg{module: module, tab: tab}
	}
}

func (m *Model) offlineCmd() tea.Cmd {
	tracker := m.tracker
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		tracker.GoOffline(ctx)
		return offlineDoneMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Location 当前模块与子页
func (m *Model) Location() (string, string) {
	mod := m.modules[m.moduleIdx]
	if len(mod.Tabs) == 0 {
		return mod.Name, ""
	}
	return mod.Name, mod.Tabs[m.tabIdx]
}

// Records 当前看板数据
func (m *Model) Records() []*entity.PresenceRecord { return m.records }
