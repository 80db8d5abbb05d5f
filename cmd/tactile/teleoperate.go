package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/tactilerobotics/teleop/pkg/config"
	"github.com/tactilerobotics/teleop/pkg/connection"
	"github.com/tactilerobotics/teleop/pkg/node"
	"github.com/tactilerobotics/teleop/pkg/robot"
	"github.com/tactilerobotics/teleop/pkg/tactile"
	"github.com/tactilerobotics/teleop/pkg/teleop"
)

type TeleoperateCommand struct {
	Hz        int    `long:"hz" description:"Override control.hz"`
	Follower  bool   `long:"follower" description:"Drive the follower arm (same as follower.enabled)"`
	Headless  bool   `long:"headless" description:"Log to the terminal instead of showing the dashboard"`
	Telemetry string `long:"telemetry" value-name:"NODE_ID" description:"Publish loop telemetry as this node"`
}

const (
	headerHeight = 4 // title, status line, blank
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border

	chartRange = 0.5 // metres either side of the grip origin
)

var axisColors = []string{
	"196", "46", "33", // red, green, blue
	"208", "51", "201", // orange, cyan, magenta
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
)

var axes = []string{"x", "y", "z"}

func dataSet(component, axis string) string { return component + "." + axis }

type componentStatus struct {
	gripping      bool
	gripperClosed *bool
}

type teleopModel struct {
	ctrl     *teleop.Controller
	protocol string
	chart    *streamlinechart.Model
	width    int      // terminal width
	height   int      // terminal height
	logs     []string // last N log messages
	quitting bool
	status   map[string]componentStatus
	target   robot.Positions
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

type stateMsg teleop.State
type logMsg string

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 10)
	return width, height
}

func (m *teleopModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func initialTeleopModel(ctrl *teleop.Controller, protocol string) teleopModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-chartRange, chartRange),
	)
	for i, name := range legendEntries(ctrl.Components()) {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(axisColors[i%len(axisColors)]))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}
	return teleopModel{
		ctrl:     ctrl,
		protocol: protocol,
		chart:    &chart,
		status:   make(map[string]componentStatus),
	}
}

func legendEntries(components []string) []string {
	var out []string
	for _, c := range components {
		for _, a := range axes {
			out = append(out, dataSet(c, a))
		}
	}
	return out
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case stateMsg:
		m.applyState(teleop.State(msg))
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}

	return m, nil
}

// applyState updates the gripper status and plots translations. The chart
// freezes while no component is gripping.
func (m *teleopModel) applyState(st teleop.State) {
	moving := false
	for id, goal := range st.Goals {
		s := m.status[id]
		s.gripping = goal.RelativeTransform != nil
		if goal.GripperClosed != nil {
			s.gripperClosed = goal.GripperClosed
		}
		m.status[id] = s
		moving = moving || s.gripping
	}
	if st.Target != nil {
		m.target = st.Target
	}
	if !moving {
		return
	}
	for _, id := range m.ctrl.Components() {
		var v [3]float64
		if g, ok := st.Goals[id]; ok && g.RelativeTransform != nil {
			v = [3]float64(g.RelativeTransform.Translation())
		}
		for i, a := range axes {
			m.chart.PushDataSet(dataSet(id, a), v[i])
		}
	}
	m.chart.DrawAll()
}

func (m teleopModel) statusLine() string {
	var parts []string
	for _, id := range m.ctrl.Components() {
		s := m.status[id]
		grip := statusStyle.Render("idle")
		if s.gripping {
			grip = activeStyle.Render("gripping")
		}
		gripper := "open"
		if s.gripperClosed != nil && *s.gripperClosed {
			gripper = "closed"
		}
		parts = append(parts, fmt.Sprintf("%s: %s, gripper %s", id, grip, gripper))
	}
	if pos, ok := m.target[robot.Gripper]; ok {
		parts = append(parts, fmt.Sprintf("follower gripper %.0f", pos))
	}
	return strings.Join(parts, "   ")
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("tactile teleoperate"))
	sb.WriteString(fmt.Sprintf(" - %d Hz over %s", m.ctrl.Hz(), m.protocol))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n")
	sb.WriteString(m.statusLine())
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(renderLegend(m.ctrl.Components()))
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9"))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend(components []string) string {
	var items []string
	for i, name := range legendEntries(components) {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(axisColors[i%len(axisColors)])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+name)
	}
	return strings.Join(items, "  ")
}

// dashboardLogConfig keeps log lines off the terminal the dashboard draws on.
func dashboardLogConfig(cfg *config.Config) {
	switch strings.ToLower(cfg.Logger.OutputPath) {
	case "", "stdout", "stderr":
		cfg.Logger.OutputPath = "tactile.log"
		fmt.Fprintln(os.Stderr, "Logging to tactile.log while the dashboard is open")
	}
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Hz > 0 {
		cfg.Control.Hz = c.Hz
	}
	if c.Follower {
		cfg.Follower.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if !c.Headless {
		dashboardLogConfig(cfg)
	}

	logger, closeLog, err := newLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	m, stopMetrics, err := startMetrics(cfg.Metrics.Addr, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	apiOpts := tactile.OptionsFromConfig(cfg)
	apiOpts.Logger = logger
	apiOpts.Metrics = m
	api, err := tactile.New(apiOpts)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.Close(ctx); err != nil {
			logger.Warn("disconnect failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("connecting control subscriber", "protocol", cfg.Protocol.Name, "robot_id", cfg.Auth.RobotID)
	if _, err := api.ConnectControl(ctx, tactile.ControlConfigFromConfig(cfg)); err != nil {
		return fmt.Errorf("connect control: %w", err)
	}

	for _, camCfg := range cfg.Cameras {
		cam, err := api.ConnectCamera(ctx, tactile.CameraConfigFromConfig(camCfg))
		if err != nil {
			return fmt.Errorf("connect camera %s: %w", camCfg.NodeID, err)
		}
		src := tactile.SourceFromConfig(camCfg)
		if src == nil {
			logger.Info("camera connected without a source", "node_id", cam.ID())
			continue
		}
		go func() {
			if err := api.StreamCamera(ctx, cam, src); err != nil {
				logger.Error("camera stream stopped", "node_id", cam.ID(), "error", err)
			}
		}()
	}

	var follower *robot.Follower
	if cfg.Follower.Enabled {
		arm, err := robot.OpenArm(robot.ArmConfig{Port: cfg.Follower.Port, CalibrationPath: cfg.Follower.Calibration})
		if err != nil {
			return fmt.Errorf("open follower arm: %w", err)
		}
		defer arm.Close()
		follower = robot.NewFollower(arm, robot.FollowerConfig{
			GripperOpen:   cfg.Follower.GripperOpen,
			GripperClosed: cfg.Follower.GripperClosed,
			Logger:        logger,
		})
	}

	var telemetry node.Publisher
	if c.Telemetry != "" {
		telemetry, err = api.ConnectPublisher(ctx, connection.RawPublisherConfig{NodeID: c.Telemetry})
		if err != nil {
			return fmt.Errorf("connect telemetry: %w", err)
		}
	}

	ctrl, err := teleop.NewController(teleop.Config{
		Source:            api,
		Components:        cfg.Control.Components,
		Hz:                cfg.Control.Hz,
		Follower:          follower,
		FollowerComponent: cfg.Follower.Component,
		Telemetry:         telemetry,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if c.Headless {
		if err := ctrl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Start(ctx) }()

	p := tea.NewProgram(initialTeleopModel(ctrl, cfg.Protocol.Name), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	cancel()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
