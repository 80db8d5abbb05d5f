package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"gopkg.in/yaml.v3"

	"github.com/tactilerobotics/teleop/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct {
	Port        string `long:"port" description:"Skip scanning and use this serial port"`
	Calibration string `long:"calibration" default:"calibration/follower.json" description:"Where to write the calibration"`
	Output      string `long:"output" default:"tactile.yaml" description:"Config file to update when --config is not given"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("tactile follower setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println()

	ctx := context.Background()

	port := c.Port
	if port == "" {
		var err error
		if port, err = identifyFollower(ctx); err != nil {
			return err
		}
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Follower Arm ━━━"))
	fmt.Println()
	cal, err := calibrateArm(ctx, port)
	if err != nil {
		return err
	}
	if err := cal.Validate(); err != nil {
		return fmt.Errorf("calibration incomplete, move every joint through its range:\n%w", err)
	}
	if err := robot.SaveCalibration(c.Calibration, cal); err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}

	path := opts.Config
	if path == "" {
		path = c.Output
	}
	if err := updateFollowerConfig(path, port, c.Calibration); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Calibration saved to %s, follower section written to %s\n", c.Calibration, path)
	fmt.Println()
	fmt.Println("Start teleoperation with: " + headerStyle.Render("tactile -c "+path+" teleoperate"))
	return nil
}

// identifyFollower scans for arms and lets the user pick the follower by
// wiggling each one in turn.
func identifyFollower(ctx context.Context) (string, error) {
	fmt.Println("Scanning for robot arms...")
	arms, err := robot.FindArms(ctx)
	if err != nil {
		return "", err
	}
	if len(arms) == 0 {
		return "", errors.New("no SO-101 arms found; make sure the arm is connected and powered on")
	}
	fmt.Printf("Found %d arm(s). Let's identify the follower...\n", len(arms))

	for _, arm := range arms {
		fmt.Printf("\n  Wiggling arm on %s...\n", arm.Port)
		if err := robot.Wiggle(ctx, arm); err != nil {
			fmt.Printf("  %s\n", dimStyle.Render("could not wiggle: "+err.Error()))
		}

		var choice string
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title(fmt.Sprintf("Which arm is on %s?", arm.Port)).
					Description("The arm that just wiggled").
					Options(
						huh.NewOption("Follower (the one the operator drives)", "follower"),
						huh.NewOption("Skip this arm", "skip"),
					).
					Value(&choice),
			),
		)
		if err := form.Run(); err != nil {
			return "", err
		}
		if choice == "follower" {
			fmt.Println(successStyle.Render("Follower: " + arm.Port))
			return arm.Port, nil
		}
	}
	return "", errors.New("follower arm not identified")
}

func calibrateArm(ctx context.Context, port string) (robot.Calibration, error) {
	fmt.Printf("Calibrating follower arm on %s\n\n", port)

	bus, servos, err := robot.ProbeArm(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("connect to arm: %w", err)
	}
	defer bus.Close()

	servoMap := make(map[int]*feetech.Servo, len(servos))
	for _, s := range servos {
		servo := feetech.NewServo(bus, s.ID, s.Model)
		servo.Disable(ctx)
		servoMap[s.ID] = servo
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println()

	motors := robot.AllMotors()
	model := newCalibrationModel(motors, servoMap)
	for i, name := range motors {
		pos, err := servoMap[i+1].Position(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		model.observe(name, pos)
	}

	final, err := tea.NewProgram(model).Run()
	if err != nil {
		return nil, fmt.Errorf("run calibration: %w", err)
	}
	cm := final.(calibrationModel)
	if cm.aborted {
		return nil, errors.New("calibration aborted")
	}

	cal := make(robot.Calibration, len(motors))
	for i, name := range motors {
		cal[name] = robot.MotorCalibration{
			ID:       i + 1,
			RangeMin: cm.minPositions[name],
			RangeMax: cm.maxPositions[name],
		}
	}
	return cal, nil
}

// updateFollowerConfig merges the follower section into the YAML file at
// path, keeping every other key.
func updateFollowerConfig(path, port, calibration string) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	follower, _ := doc["follower"].(map[string]any)
	if follower == nil {
		follower = map[string]any{}
	}
	follower["enabled"] = true
	follower["port"] = port
	follower["calibration"] = calibration
	doc["follower"] = follower

	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// calibrationModel tracks per-motor min and max while the user moves the arm.
type calibrationModel struct {
	motors       []robot.MotorName
	servoMap     map[int]*feetech.Servo
	curPositions map[robot.MotorName]int
	minPositions map[robot.MotorName]int
	maxPositions map[robot.MotorName]int
	quitting     bool
	aborted      bool
}

type tickMsg time.Time

// minUsefulRange is the raw span below which a joint is shown as not yet
// calibrated.
const minUsefulRange = 500

func newCalibrationModel(motors []robot.MotorName, servoMap map[int]*feetech.Servo) calibrationModel {
	return calibrationModel{
		motors:       motors,
		servoMap:     servoMap,
		curPositions: make(map[robot.MotorName]int, len(motors)),
		minPositions: make(map[robot.MotorName]int, len(motors)),
		maxPositions: make(map[robot.MotorName]int, len(motors)),
	}
}

func (m calibrationModel) observe(name robot.MotorName, pos int) {
	m.curPositions[name] = pos
	if lo, ok := m.minPositions[name]; !ok || pos < lo {
		m.minPositions[name] = pos
	}
	if hi, ok := m.maxPositions[name]; !ok || pos > hi {
		m.maxPositions[name] = pos
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return tick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			m.quitting = true
			return m, tea.Quit
		case "q", "ctrl+c":
			m.quitting = true
			m.aborted = true
			return m, tea.Quit
		}

	case tickMsg:
		ctx := context.Background()
		for i, name := range m.motors {
			pos, err := m.servoMap[i+1].Position(ctx)
			if err != nil {
				continue
			}
			m.observe(name, pos)
		}
		return m, tick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableMotorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.motors))
	ranges := make([]int, 0, len(m.motors))
	for _, name := range m.motors {
		span := m.maxPositions[name] - m.minPositions[name]
		ranges = append(ranges, span)
		rows = append(rows, []string{
			string(name),
			fmt.Sprintf("%d", m.curPositions[name]),
			fmt.Sprintf("%d", m.minPositions[name]),
			fmt.Sprintf("%d", m.maxPositions[name]),
			fmt.Sprintf("%d", span),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Motor", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableMotorStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(ranges) && ranges[row] > minUsefulRange {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	ready := 0
	for _, r := range ranges {
		if r > minUsefulRange {
			ready++
		}
	}

	var sb strings.Builder
	sb.WriteString(t.Render())
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%d/%d joints have a usable range\n\n", ready, len(ranges)))
	sb.WriteString(dimStyle.Render("Press Enter when done, q to abort"))
	return sb.String()
}
