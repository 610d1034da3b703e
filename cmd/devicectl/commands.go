package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/frequency"
	"github.com/urfave/cli"
)

var errUsage = errors.New("usage")

func cmdRaw(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("%w: raw <line>", errUsage)
	}
	line := strings.Join(c.Args(), " ")
	return withEngine(c, func(ctx context.Context, e *device.Engine, _ device.RaceMode) error {
		return sendRaw(ctx, e, line, c.App.Writer)
	})
}

func cmdBattery(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, e *device.Engine, _ device.RaceMode) error {
		return printBattery(ctx, e, c.App.Writer)
	})
}

func cmdRSSI(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, e *device.Engine, _ device.RaceMode) error {
		return printRSSI(ctx, e, c.App.Writer)
	})
}

func cmdPilots(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, e *device.Engine, _ device.RaceMode) error {
		return printPilots(ctx, e, c.App.Writer)
	})
}

func cmdSetFreq(c *cli.Context) error {
	if !c.IsSet("pilot") || c.String("freq") == "" {
		return fmt.Errorf("%w: set-freq --pilot <index> --freq <mhz|code>", errUsage)
	}
	pilot := c.Int("pilot")
	mhz, err := parseFrequency(c.String("freq"))
	if err != nil {
		return err
	}
	return withEngine(c, func(ctx context.Context, e *device.Engine, _ device.RaceMode) error {
		return setFrequency(ctx, e, pilot, mhz, c.App.Writer)
	})
}

func cmdTrigger(c *cli.Context) error {
	set := c.IsSet("set")
	value := c.Int("set")
	return withEngine(c, func(ctx context.Context, e *device.Engine, _ device.RaceMode) error {
		if set {
			if err := e.SetTriggerRSSI(ctx, value); err != nil {
				return err
			}
		}
		return printTrigger(ctx, e, c.App.Writer)
	})
}

func cmdMinLap(c *cli.Context) error {
	if !c.IsSet("seconds") {
		return fmt.Errorf("%w: min-lap --seconds <n>", errUsage)
	}
	secs := c.Int("seconds")
	return withEngine(c, func(ctx context.Context, e *device.Engine, _ device.RaceMode) error {
		return setMinLap(ctx, e, secs, c.App.Writer)
	})
}

func cmdCalibrate(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, e *device.Engine, _ device.RaceMode) error {
		return calibrate(ctx, e, c.App.Writer)
	})
}

func cmdRace(c *cli.Context) error {
	var override *device.RaceMode
	if name := c.String("mode"); name != "" {
		m, ok := raceModes[name]
		if !ok {
			return fmt.Errorf("%w: race mode %q", errUsage, name)
		}
		override = &m
	}
	limit := c.Duration("duration")
	return withEngine(c, func(ctx context.Context, e *device.Engine, mode device.RaceMode) error {
		if override != nil {
			mode = *override
		}
		if limit > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return monitorRace(ctx, e, mode, c.App.Writer)
	})
}

var raceModes = map[string]device.RaceMode{
	"single": device.RaceModeSingle,
	"multi":  device.RaceModeMulti,
	"test":   device.RaceModeTest,
}

func parseFrequency(raw string) (int, error) {
	if mhz, err := strconv.Atoi(raw); err == nil {
		return mhz, nil
	}
	mhz, err := frequency.FrequencyOfCode(strings.ToUpper(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: frequency %q: %w", errUsage, raw, err)
	}
	return mhz, nil
}

func describe(mhz int) string {
	if mhz == 0 {
		return "unassigned"
	}
	if bc, ok := frequency.BandChannelOf(mhz); ok {
		return fmt.Sprintf("%d MHz (%s)", mhz, bc)
	}
	return fmt.Sprintf("%d MHz", mhz)
}

func sendRaw(ctx context.Context, e *device.Engine, line string, out io.Writer) error {
	resp, err := e.SendRaw(ctx, line)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, resp)
	return nil
}

func printBattery(ctx context.Context, e *device.Engine, out io.Writer) error {
	v, err := e.Battery(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, v)
	return nil
}

func printRSSI(ctx context.Context, e *device.Engine, out io.Writer) error {
	v, err := e.RSSI(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "rssi %d\n", v)
	return nil
}

func printTrigger(ctx context.Context, e *device.Engine, out io.Writer) error {
	v, err := e.TriggerRSSI(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "trigger %d\n", v)
	return nil
}

func printPilots(ctx context.Context, e *device.Engine, out io.Writer) error {
	n, err := e.PilotCount(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pilots %d\n", n)
	for i := 0; i < n; i++ {
		mhz, err := e.PilotFrequency(ctx, i)
		if err != nil {
			fmt.Fprintf(out, "  %d: error: %v\n", i, err)
			continue
		}
		fmt.Fprintf(out, "  %d: %s\n", i, describe(mhz))
	}
	return nil
}

func setFrequency(ctx context.Context, e *device.Engine, pilot, mhz int, out io.Writer) error {
	if err := e.SetPilotFrequency(ctx, pilot, mhz); err != nil {
		return err
	}
	fmt.Fprintf(out, "pilot %d %s\n", pilot, describe(mhz))
	return nil
}

func setMinLap(ctx context.Context, e *device.Engine, secs int, out io.Writer) error {
	if err := e.SetMinLapTime(ctx, secs); err != nil {
		return err
	}
	fmt.Fprintf(out, "min-lap %ds\n", secs)
	return nil
}

func calibrate(ctx context.Context, e *device.Engine, out io.Writer) error {
	return e.Calibrate(ctx, func(line string) {
		fmt.Fprintln(out, line)
	})
}

// monitorRace prints lap events until ctx ends or the link drops, then stops
// the race on the device.
func monitorRace(ctx context.Context, e *device.Engine, mode device.RaceMode, out io.Writer) error {
	session, err := e.StartRace(ctx, mode)
	if err != nil {
		return err
	}
	defer func() {
		session.Stop()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.StopRace(stopCtx)
	}()
	fmt.Fprintf(out, "race started mode=%d\n", mode)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-session.Events():
			if !ok {
				return device.NotConnected("race")
			}
			fmt.Fprintf(out, "pilot=%d lap=%d lap_time=%dms t=%dms\n", ev.PilotIndex, ev.Lap, ev.LapTimeMillis, ev.TimestampMillis)
		}
	}
}
