package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/blehello/internal/app"
	"github.com/chaz8081/blehello/internal/ble"
	"github.com/chaz8081/blehello/internal/config"
	"github.com/chaz8081/blehello/internal/logging"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blehello/config.yaml)")
	backend := flag.String("backend", "", "host stack: bluez or sim (overrides config)")
	writeDefault := flag.Bool("write-default", false, "write the default config file and exit")
	flag.Parse()

	if *writeDefault {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *backend != "" {
		cfg.Backend.Type = *backend
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, app.DeviceName(cfg))
	printBanner(cfg)

	stack, err := app.NewStack(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s host stack: %v", cfg.Backend.Type, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, stack, logger); err != nil {
		stack.Close()
		if ble.Classify(err) == ble.ClassConfiguration {
			log.Fatalf("GATT configuration rejected: %v", err)
		}
		log.Fatalf("peripheral: %v", err)
	}
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== blehello ===")
	fmt.Printf("  Name:     %s\n", app.DeviceName(cfg))
	fmt.Printf("  Profile:  %s\n", cfg.Device.Profile)
	fmt.Printf("  Backend:  %s (%s)\n", cfg.Backend.Type, cfg.Backend.Adapter)
	fmt.Printf("  Notify:   every %s, %q\n", cfg.Notifier.Interval, cfg.Notifier.Format)
	if cfg.MQTT.Enabled {
		fmt.Printf("  MQTT:     %s (%s/...)\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	}
	fmt.Printf("  Log:      %s/%s\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Println("================")
}
