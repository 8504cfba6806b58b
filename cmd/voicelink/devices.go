package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/domain"
)

func runDevices(ctx context.Context, cfg *config.Config, out io.Writer) error {
	a, err := newDeviceApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.registry.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", domain.UserMessage(err), err)
	}
	printDevices(out, "Inputs", list.Inputs, "No microphone detected.")
	printDevices(out, "Outputs", list.Outputs, "No speaker detected.")
	return nil
}

func printDevices(out io.Writer, title string, devs []domain.DeviceDescriptor, empty string) {
	fmt.Fprintf(out, "%s:\n", title)
	if len(devs) == 0 {
		fmt.Fprintf(out, "  %s\n", empty)
		return
	}
	for _, d := range devs {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Fprintf(out, " %s %-40s %s\n", mark, d.Label, d.ID)
	}
}
