package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"calsync/internal/app"
	"calsync/internal/config"
	appLog "calsync/internal/log"
)

var version = "0.1.0-dev"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv(os.Getenv)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Setup(os.Stderr, conf.Log.Format, appLog.ParseLevel(conf.Log.Level))
	appLog.Info("calsync starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"tenants_file", conf.TenantsFile,
		"sync_schedule", conf.SyncSchedule,
		"past_days", conf.Window.PastDays,
		"future_days", conf.Window.FutureDays,
		"snapshot_backend", conf.Snapshot.Backend,
		"google", conf.Google.Enabled,
		"webhook", conf.Notify.WebhookURL != "",
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, conf)
	if err != nil {
		appLog.Error("failed to initialize", err)
		os.Exit(1)
	}

	if flags.once {
		err = a.RunOnce(ctx)
	} else {
		err = a.Run(ctx)
	}
	if err != nil {
		appLog.Error("calsync exited with error", err)
		os.Exit(1)
	}
	appLog.Info("calsync exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calsync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync tick for every group and exit")

	flag.Parse()

	return cfg
}
