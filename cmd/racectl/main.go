package main

import (
	"errors"
	"flag"
	"io/fs"
	"os"

	"github.com/danmuck/racectl/internal/config"
	"github.com/danmuck/racectl/internal/logging"
	"github.com/danmuck/racectl/internal/observability"
	"github.com/danmuck/racectl/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/racectl/config.toml", "config path")
	var overrides flagOverrides
	flag.StringVar(&overrides.addr, "addr", "", "override server.addr")
	flag.StringVar(&overrides.backend, "backend", "", "override device.backend: bluez|hci|sim")
	flag.StringVar(&overrides.address, "device", "", "override device.address")
	flag.Parse()

	observability.InitLogger("racectl")
	gin.SetMode(gin.ReleaseMode)

	cfg, file, err := loadServiceConfig(*configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("path", *configPath).Msg("config not found, using defaults")
		cfg, file = service.DefaultConfig(), config.Default()
	case err != nil:
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load racectl config")
	default:
		log.Info().Str("path", *configPath).Msg("loaded racectl config")
	}
	if os.Getenv(logging.EnvLogLevel) == "" {
		if lvl, ok := file.LogLevel(); ok {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	if err := overrides.apply(&cfg); err != nil {
		log.Fatal().Err(err).Msg("bad flag")
	}

	svc, err := service.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build service")
	}
	log.Info().
		Str("backend", string(cfg.Device.Backend)).
		Str("addr", cfg.Server.Addr).
		Msg("racectl starting")
	if err := svc.Run(); err != nil {
		log.Fatal().Err(err).Msg("racectl stopped")
	}
}
