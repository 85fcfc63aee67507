package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"cobrabot/internal/config"
	"cobrabot/internal/core"
	"cobrabot/internal/wagate"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transport, err := buildTransport(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	app, err := core.New(cfgPath, transport)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	err = app.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

// buildTransport reads only the sidecar knobs from the config file. The rest
// of the configuration is owned by core.New.
func buildTransport(cfgPath string) (wagate.Transport, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)

	base := cfg.WhatsApp.BridgeURL
	if base == "" {
		base = "http://127.0.0.1:3000"
	}
	poll, err := config.ParseDurationOrDefault("whatsapp.bridge_poll", cfg.WhatsApp.BridgePoll, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return wagate.NewBridgeTransport(base, poll), nil
}
