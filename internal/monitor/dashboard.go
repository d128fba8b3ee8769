// Package monitor is a terminal dashboard for a running ragorch server. It
// reads the server's metrics through a Prometheus-compatible query API.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	memoryMaxBytes  = 512 * 1024 * 1024
	fetchTimeout    = 5 * time.Second
)

// Model represents the BubbleTea dashboard model
type Model struct {
	queryURL   string
	interval   time.Duration
	lastUpdate time.Time
	metrics    MetricsSnapshot
	history    history
	err        error
	quitting   bool

	requestProgress progress.Model
	riskProgress    progress.Model
	memoryProgress  progress.Model
}

// MetricsSnapshot holds one round of query results.
type MetricsSnapshot struct {
	RequestRate        float64 // per minute
	LatencyP95         float64 // seconds
	GateDeclineRate    float64 // per minute
	IntentErrorPct     float64
	HighRiskPct        float64
	SideEffectFailures float64 // last 5m
	VectorOpsRate      float64 // per minute
	Entities           float64
	CacheHitPct        float64
	Uptime             int64 // seconds
	Goroutines         int
	MemoryBytes        uint64
}

type history struct {
	requestRate []float64
	latencyMS   []float64
	highRisk    []float64
	vectorOps   []float64
	peakRate    float64
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling queryURL every interval.
func NewModel(queryURL string, interval time.Duration) Model {
	return Model{
		queryURL: queryURL,
		interval: interval,
		requestProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(40),
		),
		riskProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
		memoryProgress: progress.New(
			progress.WithGradient("#00ff00", "#ffff00"),
			progress.WithWidth(40),
		),
		history: history{peakRate: 1.0},
	}
}

// Run starts the dashboard in the alternate screen and blocks until the
// user quits.
func Run(queryURL string, interval time.Duration) error {
	_, err := tea.NewProgram(NewModel(queryURL, interval), tea.WithAltScreen()).Run()
	return err
}

// thresholdBadge renders v against warn and fail limits.
func thresholdBadge(v, warn, fail float64) string {
	switch {
	case v < warn:
		return healthyStyle.Render("[✓]")
	case v < fail:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// statusBadge summarizes latency and side-effect failures.
func statusBadge(s MetricsSnapshot) string {
	latencyMS := s.LatencyP95 * 1000
	switch {
	case s.SideEffectFailures > 0 || latencyMS >= 2000:
		return errorStyle.Render("✗ DEGRADED")
	case latencyMS >= 500 || s.HighRiskPct >= 25:
		return warningStyle.Render("⚠ WARN")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

type tickMsg time.Time
type metricsMsg MetricsSnapshot
type errMsg error

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchMetrics(m.queryURL),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchMetrics(queryURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := NewMetricsClient(queryURL).Fetch(ctx, time.Now())
		if err != nil {
			return errMsg(err)
		}
		return metricsMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchMetrics(m.queryURL)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchMetrics(m.queryURL),
		)

	case metricsMsg:
		snap := MetricsSnapshot(msg)
		m.history.requestRate = appendToHistory(m.history.requestRate, snap.RequestRate)
		m.history.latencyMS = appendToHistory(m.history.latencyMS, snap.LatencyP95*1000)
		m.history.highRisk = appendToHistory(m.history.highRisk, snap.HighRiskPct)
		m.history.vectorOps = appendToHistory(m.history.vectorOps, snap.VectorOpsRate)
		if snap.RequestRate > m.history.peakRate {
			m.history.peakRate = snap.RequestRate
		}
		m.metrics = snap
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("ragorch Monitor") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot query metrics") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.queryURL) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("The URL must serve the Prometheus query API and scrape") + "\n")
	b.WriteString(dimStyle.Render("ragorch's /metrics endpoint with job=\"ragorch\".") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	s := m.metrics
	var b strings.Builder

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" ragorch Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s %s   %s\n",
		statusBadge(s),
		dimStyle.Render("Uptime:"),
		valueStyle.Render(FormatUptime(s.Uptime)),
		dimStyle.Render(lastUpdate)))

	latencyMS := s.LatencyP95 * 1000
	b.WriteString("\n" + sectionStyle.Render("┃ Orchestration") + "\n")
	b.WriteString(labelStyle.Render("  Requests: ") +
		valueStyle.Render(FormatRate(s.RequestRate)) +
		"   " + createSparkline(m.history.requestRate) + "\n")
	b.WriteString(labelStyle.Render("  Latency (p95): ") +
		valueStyle.Render(FormatLatency(s.LatencyP95)) +
		" " + thresholdBadge(latencyMS, 500, 2000) +
		"   " + createSparkline(m.history.latencyMS) + "\n")
	load := clamp01(s.RequestRate / m.history.peakRate)
	b.WriteString(labelStyle.Render("  Load: ") +
		m.requestProgress.ViewAs(load) +
		" " + dimStyle.Render(FormatPercentage(load)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Gates & Intents") + "\n")
	b.WriteString(labelStyle.Render("  Declined: ") +
		valueStyle.Render(FormatRate(s.GateDeclineRate)) + "  " +
		labelStyle.Render("Intent errors: ") +
		valueStyle.Render(fmt.Sprintf("%.1f%%", s.IntentErrorPct)) +
		" " + thresholdBadge(s.IntentErrorPct, 5, 20) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Sanitization") + "\n")
	b.WriteString(labelStyle.Render("  High risk: ") +
		m.riskProgress.ViewAs(clamp01(s.HighRiskPct/100)) +
		" " + dimStyle.Render(fmt.Sprintf("%.1f%%", s.HighRiskPct)) +
		"   " + createSparkline(m.history.highRisk) + "\n")
	b.WriteString(labelStyle.Render("  Audit/event failures (5m): ") +
		valueStyle.Render(fmt.Sprintf("%.0f", s.SideEffectFailures)) +
		" " + thresholdBadge(s.SideEffectFailures, 1, 1) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Vector Store") + "\n")
	b.WriteString(labelStyle.Render("  Entities: ") +
		valueStyle.Render(fmt.Sprintf("%.0f", s.Entities)) + "  " +
		labelStyle.Render("Cache hits: ") +
		valueStyle.Render(fmt.Sprintf("%.1f%%", s.CacheHitPct)) + "\n")
	b.WriteString(labelStyle.Render("  Ops: ") +
		valueStyle.Render(FormatRate(s.VectorOpsRate)) +
		"   " + createSparkline(m.history.vectorOps) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ System") + "\n")
	memory := clamp01(float64(s.MemoryBytes) / memoryMaxBytes)
	b.WriteString(labelStyle.Render("  Memory: ") +
		m.memoryProgress.ViewAs(memory) +
		" " + dimStyle.Render(FormatMemory(s.MemoryBytes)) + "\n")
	b.WriteString(labelStyle.Render("  Goroutines: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.Goroutines)) + "\n")

	b.WriteString("\n" +
		footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}
