// ABOUTME: Entry point for the stall-agent edge process.
// ABOUTME: Owns the local peripherals and keeps the channel to the gateway alive.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/stallmart/edge-bridge/internal/config"
	"github.com/stallmart/edge-bridge/internal/edge/client"
	"github.com/stallmart/edge-bridge/internal/edge/devices"
	"github.com/stallmart/edge-bridge/internal/edge/queue"
	"github.com/stallmart/edge-bridge/internal/edge/runner"
	"github.com/stallmart/edge-bridge/internal/edge/store"
	"github.com/stallmart/edge-bridge/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the agent config file.
// Priority: STALL_AGENT_CONFIG env var > XDG_CONFIG_HOME/stall/agent.yaml > ~/.config/stall/agent.yaml
func getConfigPath() string {
	if envPath := os.Getenv("STALL_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "stall", "agent.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateEdge(); err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging)

	gray := color.New(color.FgHiBlack)
	gray.Printf("stall-agent %s\n", version)

	logger.Info("starting stall-agent",
		"config", configPath,
		"gateway", cfg.Edge.GatewayURL,
		"tenant_id", cfg.Edge.TenantID,
		"agent_id", cfg.Edge.AgentID,
	)

	// Simulated hardware until real drivers ship; the channel, queue and
	// store behave identically either way.
	dm := devices.NewManager(logger)
	dm.AddTerminal("terminal-1", "SIM-T1", true, devices.NewSimulatedTerminal())
	dm.AddPrinter("printer-1", "SIM-P1", true, devices.NewSimulatedPrinter())

	var st *store.Store
	if cfg.Edge.OfflineQueue {
		st, err = store.Open(cfg.Edge.StorePath, logger)
		if err != nil {
			return fmt.Errorf("opening offline store: %w", err)
		}
		defer st.Close()
		go st.RunSweeper(ctx, cfg.Cleanup.SweepInterval, cfg.Cleanup.Retention)
	}

	q := queue.New(cfg.Edge.MaxQueuedCommands)
	defer q.Close()

	hostname, _ := os.Hostname()
	c := client.New(client.Config{
		GatewayURL:        cfg.Edge.GatewayURL,
		Token:             cfg.Edge.Token,
		AgentVersion:      version,
		Hostname:          hostname,
		HeartbeatInterval: cfg.Edge.HeartbeatInterval,
		ReconnectMin:      cfg.Edge.ReconnectMin,
		ReconnectMax:      cfg.Edge.ReconnectMax,
	}, dm, nil, logger)
	r := runner.New(c, q, st, dm, logger)
	c.SetHandler(r)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := r.Run(ctx); err != nil {
			logger.Error("runner stopped", "error", err)
		}
	}()

	wg.Wait()
	logger.Info("stall-agent stopped")
	return nil
}
