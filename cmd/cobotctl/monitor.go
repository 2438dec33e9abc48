package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/cobot-link/internal/cobot"
)

const monitorRefresh = 100 * time.Millisecond

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(monitorRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type monitorModel struct {
	arm       *cobot.Engine
	speed     int
	st        cobot.RobotState
	stats     cobot.SchedulerStats
	connected bool
	status    string
}

func (c *cli) monitor(arm *cobot.Engine) error {
	// Log lines would tear the alternate screen.
	zerolog.SetGlobalLevel(zerolog.Disabled)

	armCfg, _, _ := c.cfg.Snapshot()
	poll := time.Duration(armCfg.PollMs) * time.Millisecond
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	if err := arm.StartAutoPolling(poll); err != nil {
		return err
	}
	defer arm.StopAutoPolling()

	m := monitorModel{arm: arm, speed: c.speed}
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m monitorModel) Init() tea.Cmd { return tick() }

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.st = m.arm.State()
		m.connected = m.arm.IsConnected()
		if stats, err := m.arm.SchedulerStats(); err == nil {
			m.stats = stats
		}
		return m, tick()

	case tea.KeyMsg:
		var err error
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p":
			err = m.arm.PowerOn()
			m.status = "power on"
		case "o":
			err = m.arm.PowerOff()
			m.status = "power off"
		case "h":
			err = m.arm.InitialPose(m.speed)
			m.status = "home"
		case " ", "s":
			err = m.arm.TaskStop()
			m.status = "stop"
		case "l":
			for j := cobot.J1; j <= cobot.J6 && err == nil; j++ {
				err = m.arm.RequestJointLoad(j)
			}
			m.status = "load requested"
		}
		if err != nil {
			m.status = err.Error()
		}
	}
	return m, nil
}

func onOff(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (m monitorModel) View() string {
	var b strings.Builder
	link := "DOWN"
	if m.connected {
		link = "UP"
	}
	fmt.Fprintf(&b, " %s  link %s\n\n", m.arm.Name(), link)
	fmt.Fprintf(&b, " powered %-4s moving %-4s in-position %-4s speed %3.0f%%\n\n",
		onOff(m.st.Powered), onOff(m.st.Moving), onOff(m.st.InPosition), m.st.Speed)

	fmt.Fprintf(&b, " %-6s %9s %8s %7s %6s %6s\n", "joint", "angle", "encoder", "speed", "volt", "load")
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, " J%-5d %9.2f %8d %7d %6.1f %6d\n", i+1,
			m.st.Angles[i], m.st.Encoders[i], m.st.Speeds[i], m.st.Voltages[i], m.st.Loads[i])
	}

	c := m.st.Coords
	fmt.Fprintf(&b, "\n x %.1f  y %.1f  z %.1f  rx %.2f  ry %.2f  rz %.2f\n", c[0], c[1], c[2], c[3], c[4], c[5])
	fmt.Fprintf(&b, "\n queue %d  sent %d  done %d  timeouts %d  dropped ticks %d\n",
		m.stats.Queued, m.stats.Sent, m.stats.Completed, m.stats.TimedOut, m.stats.DroppedTicks)
	if m.status != "" {
		fmt.Fprintf(&b, "\n %s\n", m.status)
	}
	b.WriteString("\n p power on  o power off  h home  s stop  l loads  q quit\n")
	return b.String()
}
