package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("FIWARE_BRIDGE_CONFIG", "configs/bridge.json"),
		"Path to configuration file (env: FIWARE_BRIDGE_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("FIWARE_BRIDGE_CONFIG", "configs/bridge.json"),
		"Path to configuration file (env: FIWARE_BRIDGE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FIWARE_BRIDGE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: FIWARE_BRIDGE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FIWARE_BRIDGE_LOG_FORMAT", "json"),
		"Log format: json, text (env: FIWARE_BRIDGE_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("FIWARE_BRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: FIWARE_BRIDGE_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	return nil
}

func printDetailedHelp() {
	fmt.Printf(`%s - NGSI-LD context broker bridge

Reconciles payloads from the messaging fabric into NGSI-LD entities and
manages broker subscriptions, forwarding notifications back onto the
fabric.

Usage:
  %s [flags]

Flags:
  -c, -config path        Path to configuration file
  -log-level level        Log level: debug, info, warn, error
  -log-format format      Log format: json, text
  -shutdown-timeout dur   Graceful shutdown timeout
  -validate               Validate configuration and exit
  -v, -version            Show version information
  -h, -help               Show this help

Environment:
  FIWARE_BRIDGE_CONFIG            Configuration file path
  FIWARE_BRIDGE_LOG_LEVEL         Log level
  FIWARE_BRIDGE_LOG_FORMAT        Log format
  FIWARE_BRIDGE_SHUTDOWN_TIMEOUT  Graceful shutdown timeout
`, appName, appName)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
