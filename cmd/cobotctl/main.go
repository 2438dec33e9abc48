// Command cobotctl talks to the arm directly over its serial or TCP link.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/cobot-link/internal/cobot"
	"github.com/shaunagostinho/cobot-link/internal/logging"
	"github.com/shaunagostinho/cobot-link/internal/server"
)

const usage = `usage: cobotctl [flags] <command> [args]

commands:
  ports                      list serial ports
  query <name>               powered|moving|paused|servos|speed|encoders|rtt
  move angles a1 .. a6       move all joints (degrees)
  move angle <joint> <deg>   move one joint
  move coords x y z rx ry rz move to a Cartesian pose
  move home                  move every joint to zero
  power on|off               power the arm on or off
  stop                       stop the current motion
  monitor                    live terminal view of the arm state

flags:
`

func main() {
	configPath := flag.String("config", "/etc/cobot-link/config.yaml", "Path to config file (.yaml or .toml)")
	driver := flag.String("driver", "", "Override transport driver (bugst, tarm, tcp, demo)")
	port := flag.String("port", "", "Override serial port path")
	addr := flag.String("addr", "", "Override TCP bridge address")
	speed := flag.Int("speed", cobot.DefaultSpeed, "Motion speed in percent")
	linear := flag.Bool("linear", false, "Use linear interpolation for Cartesian moves")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := server.LoadConfig(*configPath)
	if *driver != "" {
		cfg.Arm.Driver = *driver
	}
	if *port != "" {
		cfg.Arm.PortPath = *port
	}
	if *addr != "" {
		cfg.Arm.Address = *addr
	}
	logging.ConfigureRuntime(cfg.Log)

	c := &cli{cfg: cfg, speed: *speed, json: *jsonOut}
	if *linear {
		c.mode = 1
	}
	if err := c.run(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "cobotctl:", err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("bad arguments")

type cli struct {
	cfg   *server.Config
	speed int
	mode  int
	json  bool
}

func (c *cli) run(args []string) error {
	switch args[0] {
	case "ports":
		return c.ports()
	case "query":
		if len(args) != 2 {
			return errUsage
		}
		return c.withArm(func(arm *cobot.Engine) error { return c.query(arm, args[1]) })
	case "move":
		if len(args) < 2 {
			return errUsage
		}
		return c.withArm(func(arm *cobot.Engine) error { return c.move(arm, args[1], args[2:]) })
	case "power":
		if len(args) != 2 {
			return errUsage
		}
		return c.withArm(func(arm *cobot.Engine) error {
			switch args[1] {
			case "on":
				return arm.PowerOn()
			case "off":
				return arm.PowerOff()
			}
			return errUsage
		})
	case "stop":
		return c.withArm(func(arm *cobot.Engine) error { return arm.TaskStop() })
	case "monitor":
		return c.withArm(c.monitor)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func (c *cli) withArm(fn func(arm *cobot.Engine) error) error {
	armCfg, _, _ := c.cfg.Snapshot()
	engCfg, err := armCfg.EngineConfig()
	if err != nil {
		return err
	}
	arm, err := cobot.New(engCfg)
	if err != nil {
		return err
	}
	defer arm.Close()
	if err := arm.Connect(); err != nil {
		return err
	}
	log.Debug().Str("component", "main").Str("link", arm.Name()).Msg("connected")
	return fn(arm)
}

func (c *cli) print(v any) {
	if c.json {
		json.NewEncoder(os.Stdout).Encode(v)
		return
	}
	fmt.Println(v)
}

func (c *cli) ports() error {
	ports, err := cobot.ListPorts()
	if err != nil {
		return err
	}
	if c.json {
		c.print(ports)
		return nil
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%-24s usb %s:%s %s %s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}

func (c *cli) query(arm *cobot.Engine, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		v   any
		err error
	)
	switch name {
	case "powered":
		v, err = arm.IsPoweredOn(ctx)
	case "moving":
		v, err = arm.IsMoving(ctx)
	case "paused":
		v, err = arm.IsProgramPaused(ctx)
	case "servos":
		v, err = arm.IsAllServosEnabled(ctx)
	case "speed":
		v, err = arm.GetSpeed(ctx)
	case "encoders":
		v, err = arm.GetEncoders(ctx)
	case "rtt":
		var d time.Duration
		d, err = arm.MeasureRTT(ctx)
		v = d
		if c.json {
			v = d.Milliseconds()
		}
	default:
		return fmt.Errorf("%w: unknown query %q", errUsage, name)
	}
	if err != nil {
		return err
	}
	c.print(v)
	return nil
}

func parseFloats(args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("%w: need %d values, got %d", errUsage, n, len(args))
	}
	out := make([]float64, n)
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		out[i] = v
	}
	return out, nil
}

func (c *cli) move(arm *cobot.Engine, what string, args []string) error {
	switch what {
	case "home":
		return arm.InitialPose(c.speed)
	case "angle":
		v, err := parseFloats(args, 2)
		if err != nil {
			return err
		}
		return arm.WriteAngle(cobot.Joint(v[0]), v[1], c.speed)
	case "angles":
		v, err := parseFloats(args, 6)
		if err != nil {
			return err
		}
		var a cobot.Angles
		copy(a[:], v)
		return arm.WriteAngles(a, c.speed)
	case "coords":
		v, err := parseFloats(args, 6)
		if err != nil {
			return err
		}
		var p cobot.Coords
		copy(p[:], v)
		return arm.WriteCoords(p, c.speed, c.mode)
	}
	return fmt.Errorf("%w: unknown move %q", errUsage, what)
}
