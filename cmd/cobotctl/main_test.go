package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/shaunagostinho/cobot-link/internal/cobot"
)

func TestParseFloats(t *testing.T) {
	v, err := parseFloats([]string{"1", "-2.5", "3"}, 3)
	if err != nil || v[1] != -2.5 {
		t.Fatalf("got %v, %v", v, err)
	}
	if _, err := parseFloats([]string{"1"}, 3); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if _, err := parseFloats([]string{"x"}, 1); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	c := &cli{}
	if err := c.run([]string{"dance"}); !errors.Is(err, errUsage) {
		t.Fatalf("got %v", err)
	}
	if err := c.run([]string{"query"}); !errors.Is(err, errUsage) {
		t.Fatalf("got %v", err)
	}
}

func TestMonitorModel(t *testing.T) {
	sim := cobot.NewSimulator()
	arm, err := cobot.New(cobot.Config{}, cobot.WithOpener(func() (cobot.Transport, error) { return sim, nil }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer arm.Close()
	if err := arm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var m tea.Model = monitorModel{arm: arm, speed: 30}
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if on, err := arm.IsPoweredOn(ctx); err != nil || !on {
		t.Fatalf("IsPoweredOn = %v, %v", on, err)
	}

	m, _ = m.Update(tickMsg(time.Now()))
	view := m.View()
	for _, want := range []string{"link UP", "powered yes", "J6"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}); cmd == nil {
		t.Fatalf("q did not quit")
	}
}
