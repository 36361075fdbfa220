package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/vpn-orchestrator/events"
)

// Run shows the status view until the user quits or ctx ends.
func Run(ctx context.Context, ctl Controller, stream <-chan events.Event) error {
	initial, err := ctl.Status(ctx)
	if err != nil {
		return err
	}

	p := tea.NewProgram(NewModel(ctl, initial, stream), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running TUI: %w", err)
	}
	return nil
}
