package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/racectl/internal/config"
	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/logging"
	"github.com/danmuck/racectl/internal/observability"
	"github.com/danmuck/racectl/internal/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("devicectl failed")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "devicectl"
	app.Usage = "talk to a lap timing transponder without the bridge"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Value: "cmd/racectl/config.toml", Usage: "racectl config path"},
		cli.StringFlag{Name: "backend, b", Usage: "override device.backend: bluez|hci|sim"},
		cli.StringFlag{Name: "device, d", Usage: "override device.address"},
	}
	app.Before = func(c *cli.Context) error {
		observability.InitLogger("devicectl")
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "raw",
			Usage:     "send one command line and print the response",
			ArgsUsage: "<line>",
			Action:    cmdRaw,
		},
		{
			Name:   "battery",
			Usage:  "print the battery report",
			Action: cmdBattery,
		},
		{
			Name:   "rssi",
			Usage:  "print the live RSSI reading",
			Action: cmdRSSI,
		},
		{
			Name:   "pilots",
			Usage:  "print the pilot count and each pilot's frequency",
			Action: cmdPilots,
		},
		{
			Name:   "set-freq",
			Usage:  "assign a pilot frequency",
			Action: cmdSetFreq,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "pilot, p", Usage: "0-based pilot index"},
				cli.StringFlag{Name: "freq, f", Usage: "MHz or a band/channel code such as C1; 0 clears the pilot"},
			},
		},
		{
			Name:   "trigger",
			Usage:  "read or set the gate trigger RSSI",
			Action: cmdTrigger,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "set, s", Usage: "new trigger RSSI (0-255)"},
			},
		},
		{
			Name:   "min-lap",
			Usage:  "set the minimum lap time",
			Action: cmdMinLap,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "seconds, s", Usage: "minimum lap time in seconds"},
			},
		},
		{
			Name:   "calibrate",
			Usage:  "run gate calibration and print progress",
			Action: cmdCalibrate,
		},
		{
			Name:   "race",
			Usage:  "print lap events until interrupted",
			Action: cmdRace,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "mode, m", Usage: "single|multi|test; defaults to race.mode"},
				cli.DurationFlag{Name: "duration, t", Usage: "stop after this long; 0 runs until interrupted"},
			},
		},
	}
	return app
}

// withEngine resolves config, connects the configured backend and runs fn
// until it returns or the process is interrupted.
func withEngine(c *cli.Context, fn func(context.Context, *device.Engine, device.RaceMode) error) error {
	path := c.GlobalString("config")
	file, err := config.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		file = config.Default()
	case err != nil:
		return err
	}
	if v := c.GlobalString("backend"); v != "" {
		file.Device.Backend = v
	}
	if v := c.GlobalString("device"); v != "" {
		file.Device.Address = v
	}
	if os.Getenv(logging.EnvLogLevel) == "" {
		if lvl, ok := file.LogLevel(); ok {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	cfg, err := config.Resolve(file)
	if err != nil {
		return err
	}

	link, err := service.OpenLink(cfg.Device)
	if err != nil {
		return err
	}
	engine := device.NewEngine(link, cfg.Device.Engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := service.Connect(ctx, engine, cfg.Device); err != nil {
		return err
	}
	defer engine.Disconnect()
	return fn(ctx, engine, cfg.Server.RaceMode)
}
