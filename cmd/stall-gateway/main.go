// ABOUTME: Entry point for the stall-gateway cloud server.
// ABOUTME: Serves the agent channel and the observability API from one listener.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/stallmart/edge-bridge/internal/auth"
	"github.com/stallmart/edge-bridge/internal/config"
	"github.com/stallmart/edge-bridge/internal/gateway"
	"github.com/stallmart/edge-bridge/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _        _ _                  _
  ___| |_ __ _| | |       __ _ __ _| |_ _____      ____ _ _   _
 / __| __/ _' | | |_____ / _' / _' | __/ _ \ \ /\ / / _' | | | |
 \__ \ || (_| | | |_____| (_| (_| | ||  __/\ V  V / (_| | |_| |
 |___/\__\__,_|_|_|      \__, \__,_|\__\___| \_/\_/ \__,_|\__, |
                         |___/                            |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: STALL_CONFIG env var > XDG_CONFIG_HOME/stall/gateway.yaml > ~/.config/stall/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("STALL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "stall", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: stall-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                              Start the gateway server")
		fmt.Println("  mint-token --tenant T --agent A    Mint an agent connection token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "mint-token":
		err = runMintToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Channel: ws://%s/api/channel\n", cfg.Server.HTTPAddr)
	fmt.Println()

	logger.Info("starting stall-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runMintToken issues a connection token for one agent. Operators run
// this once per till PC and drop the token into the agent's config.
func runMintToken(args []string) error {
	var tenantID, agentID string
	ttl := 90 * 24 * time.Hour

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tenant":
			i++
			if i >= len(args) {
				return fmt.Errorf("--tenant requires a value")
			}
			tenantID = args[i]
		case "--agent":
			i++
			if i >= len(args) {
				return fmt.Errorf("--agent requires a value")
			}
			agentID = args[i]
		case "--ttl":
			i++
			if i >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		default:
			return fmt.Errorf("unknown flag %q", args[i])
		}
	}
	if tenantID == "" || agentID == "" {
		return fmt.Errorf("both --tenant and --agent are required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.MintAgentToken([]byte(cfg.Auth.JWTSecret), tenantID, agentID, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Println(token)
	return nil
}
