package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dkeye/voicelink/internal/config"
)

const barWidth = 40

func runMeter(ctx context.Context, cfg *config.Config, device string, frames int, out io.Writer) error {
	a, err := newDeviceApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.registry.Enumerate(ctx); err != nil {
		return err
	}
	levels, err := a.registry.MeterInput(ctx, device)
	if err != nil {
		return err
	}
	n := 0
	for v, err := range levels {
		if err != nil {
			return err
		}
		fill := int(v * barWidth)
		fmt.Fprintf(out, "\r[%s%s] %.2f", strings.Repeat("#", fill), strings.Repeat(" ", barWidth-fill), v)
		n++
		if frames > 0 && n >= frames {
			break
		}
	}
	fmt.Fprintln(out)
	return nil
}
