package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"

	"SettleGuard/internal/di"
	"SettleGuard/pkg/config"
	applogger "SettleGuard/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path, empty for defaults and env only")
	flag.Parse()

	boot := applogger.NewWithWriter(os.Stderr, zerolog.InfoLevel)

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		boot.Error("config load failed", applogger.Error(err))
		os.Exit(1)
	}

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		boot.Error("app initialization failed", applogger.Error(err))
		os.Exit(1)
	}

	boot.Info("settleguard starting",
		applogger.String("env", cfg.Environment),
		applogger.Int("port", cfg.Server.Port),
		applogger.Bool("kafka", cfg.Kafka.Enabled),
		applogger.Bool("postgres", cfg.Postgres.Enabled),
		applogger.Bool("clickhouse", cfg.ClickHouse.Enabled),
		applogger.Bool("redis", cfg.Redis.Enabled),
	)

	err = app.Run()
	cleanup()
	if err != nil {
		boot.Error("app error", applogger.Error(err))
		os.Exit(1)
	}
}
