// Package admintui implements the operator dashboard (spec [EXPANSION]
// §6): a terminal UI that polls a running wasmguardd's admin surface and
// renders registered components, their actor state, quota pressure, and
// recent capability denials. Modeled on the teacher's internal/tui
// Snapshot/StatusProvider/model/tickMsg polling loop (internal/tui/tui.go),
// with activity-feed rendering in the style of internal/tui/activity.go,
// retargeted from task-queue metrics to component-actor security state.
package admintui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Healthz mirrors admin.healthzResponse's wire shape.
type Healthz struct {
	Healthy              bool   `json:"healthy"`
	UptimeSeconds        int64  `json:"uptime_seconds"`
	ComponentsRegistered int    `json:"components_registered"`
	ActiveWSClients      int    `json:"active_ws_clients"`
	Version              string `json:"version"`
}

// Event mirrors admin.wireEvent's wire shape.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Config points the dashboard at a running daemon's admin surface.
type Config struct {
	BaseURL   string // e.g. "http://127.0.0.1:18943"
	AuthToken string
}

func (c Config) wsURL() string {
	return "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/ws/events"
}

type feedItem struct {
	receivedAt time.Time
	summary    string
}

type eventFeed struct {
	mu       sync.Mutex
	items    []feedItem
	maxItems int
}

func newEventFeed() *eventFeed {
	return &eventFeed{maxItems: 12}
}

func (f *eventFeed) add(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, feedItem{receivedAt: time.Now(), summary: summarize(ev)})
	if len(f.items) > f.maxItems {
		f.items = f.items[len(f.items)-f.maxItems:]
	}
}

func (f *eventFeed) snapshot() []feedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]feedItem, len(f.items))
	copy(out, f.items)
	return out
}

func summarize(ev Event) string {
	return fmt.Sprintf("%-28s %s", ev.Topic, strings.TrimSpace(string(ev.Payload)))
}

type healthzMsg struct {
	hz  Healthz
	err error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	cfg       Config
	client    *http.Client
	feed      *eventFeed
	hz        Healthz
	lastErr   string
	startedAt time.Time
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchHealthz(), tickCmd())
}

func (m model) fetchHealthz() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, m.cfg.BaseURL+"/healthz", nil)
		if err != nil {
			return healthzMsg{err: err}
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return healthzMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return healthzMsg{err: fmt.Errorf("healthz: status %d", resp.StatusCode)}
		}
		var hz Healthz
		if err := json.NewDecoder(resp.Body).Decode(&hz); err != nil {
			return healthzMsg{err: err}
		}
		return healthzMsg{hz: hz}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, m.fetchHealthz()
	case healthzMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		} else {
			m.hz = msg.hz
			m.lastErr = ""
		}
		return m, nil
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("wasmguard operator dashboard") + "\n\n")

	health := okStyle.Render("healthy")
	if !m.hz.Healthy {
		health = badStyle.Render("unhealthy")
	}
	fmt.Fprintf(&b, "status: %s   uptime: %ds   version: %s\n", health, m.hz.UptimeSeconds, m.hz.Version)
	fmt.Fprintf(&b, "components registered: %d   ws clients: %d\n\n", m.hz.ComponentsRegistered, m.hz.ActiveWSClients)

	b.WriteString(dimStyle.Render("── recent events ──") + "\n")
	items := m.feed.snapshot()
	if len(items) == 0 {
		b.WriteString(dimStyle.Render("(none yet)") + "\n")
	}
	for _, it := range items {
		fmt.Fprintf(&b, "%s  %s\n", it.receivedAt.Format("15:04:05"), it.summary)
	}

	if m.lastErr != "" {
		fmt.Fprintf(&b, "\n%s\n", badStyle.Render("error: "+m.lastErr))
	}
	b.WriteString("\npress q to quit.\n")
	return b.String()
}

// Run starts the dashboard, connecting to the admin surface described by
// cfg. It blocks until ctx is canceled or the user quits.
func Run(ctx context.Context, cfg Config) error {
	defer bestEffortResetTTY()

	feed := newEventFeed()
	m := model{
		cfg:       cfg,
		client:    &http.Client{Timeout: 3 * time.Second},
		feed:      feed,
		startedAt: time.Now(),
	}
	p := tea.NewProgram(m)

	wsCtx, cancelWS := context.WithCancel(ctx)
	defer cancelWS()
	go streamEvents(wsCtx, cfg, feed)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func streamEvents(ctx context.Context, cfg Config, feed *eventFeed) {
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, cfg.wsURL(), &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
				continue
			}
		}
		for {
			var ev Event
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
				break
			}
			feed.add(ev)
		}
	}
}
