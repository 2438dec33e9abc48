package cobot

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	tarm "github.com/tarm/serial"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Transport is the raw duplex byte channel to the controller. Read blocks
// until data arrives; a Read error is treated as link loss.
type Transport interface {
	io.ReadWriteCloser
}

// Opener opens a fresh Transport. It is called on every Connect.
type Opener func() (Transport, error)

// Transport drivers selectable from configuration.
const (
	DriverBugst = "bugst" // go.bug.st/serial
	DriverTarm  = "tarm"  // github.com/tarm/serial
	DriverTCP   = "tcp"   // raw TCP, e.g. a ser2net bridge
	DriverDemo  = "demo"  // in-process Simulator
)

// OpenerFor returns the Opener matching cfg.Driver.
func OpenerFor(cfg Config) (Opener, error) {
	switch cfg.Driver {
	case "", DriverBugst:
		return SerialOpener(cfg.PortPath, cfg.BaudRate), nil
	case DriverTarm:
		return TarmOpener(cfg.PortPath, cfg.BaudRate), nil
	case DriverTCP:
		return TCPOpener(cfg.Address, 5*time.Second), nil
	case DriverDemo:
		return func() (Transport, error) { return NewSimulator(), nil }, nil
	default:
		return nil, fmt.Errorf("cobot: unknown transport driver %q", cfg.Driver)
	}
}

// SerialOpener opens path with go.bug.st/serial at 8N1.
func SerialOpener(path string, baud int) Opener {
	return func() (Transport, error) {
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		// Controller boot output and stale replies would otherwise be
		// parsed as responses to our first requests.
		if err := port.ResetInputBuffer(); err != nil {
			log.Debug().Err(err).Str("port", path).Msg("reset input buffer failed")
		}
		log.Info().Str("component", "transport").Str("port", path).Int("baud", baud).Msg("serial port opened")
		return port, nil
	}
}

// TarmOpener opens path with github.com/tarm/serial. No read timeout is set:
// tarm reports an expired timeout as io.EOF, which would look like link loss.
func TarmOpener(path string, baud int) Opener {
	return func() (Transport, error) {
		port, err := tarm.OpenPort(&tarm.Config{
			Name:     path,
			Baud:     baud,
			Size:     8,
			Parity:   tarm.ParityNone,
			StopBits: tarm.Stop1,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		log.Info().Str("component", "transport").Str("port", path).Int("baud", baud).Msg("serial port opened (tarm)")
		return port, nil
	}
}

// TCPOpener dials a serial-over-TCP bridge.
func TCPOpener(addr string, timeout time.Duration) Opener {
	return func() (Transport, error) {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		log.Info().Str("component", "transport").Str("addr", addr).Msg("tcp bridge connected")
		return conn, nil
	}
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates serial ports, falling back to well-known device globs
// when the OS enumerator returns nothing.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err == nil && len(ports) > 0 {
		out := make([]PortInfo, 0, len(ports))
		seen := make(map[string]struct{}, len(ports))
		for _, p := range ports {
			if p == nil || p.Name == "" {
				continue
			}
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, PortInfo{
				Name:         p.Name,
				IsUSB:        p.IsUSB,
				VID:          p.VID,
				PID:          p.PID,
				SerialNumber: p.SerialNumber,
				Product:      p.Product,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}

	var patterns []string
	switch runtime.GOOS {
	case "windows":
		return nil, err
	case "darwin":
		patterns = []string{"/dev/cu.*"}
	default:
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyJETCOBOT*", "/dev/ttyAMA*"}
	}
	var out []PortInfo
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		for _, m := range matches {
			if _, statErr := os.Stat(m); statErr != nil {
				continue
			}
			out = append(out, PortInfo{Name: m})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
