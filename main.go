package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fosrl/verdict/agent"
	"github.com/fosrl/verdict/logger"
)

var version = "version_replaceme"

func main() {
	// Create a context that will be cancelled on interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	logger.Init(nil)

	// Priority: CLI args > Env vars > Config file > Defaults
	config, showVersion, showConfig, listProfiles, err := LoadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion {
		fmt.Println("verdict version " + version)
		return nil
	}
	if listProfiles {
		return ShowProfiles()
	}
	if showConfig {
		config.ShowConfig()
		return nil
	}

	if level, ok := logger.ParseLevel(config.LogLevel); ok {
		logger.GetLogger().SetLevel(level)
	} else {
		logger.Warn("Unknown log level %q, keeping %s", config.LogLevel, logger.GetLogger().Level())
	}
	logger.Info("verdict version %s", version)

	config.Version = version
	if err := SaveConfig(config); err != nil {
		logger.Error("Failed to save full config: %v", err)
	} else {
		logger.Debug("Saved full config with all options")
	}

	agentConfig, err := config.AgentConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return agent.Run(ctx, agentConfig)
}
