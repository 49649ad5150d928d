// ABOUTME: Operator CLI against the gateway's observability API.
// ABOUTME: Health, stats, connected agents, command lookup/cancel, pending queues.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
)

var gatewayAddr string

func main() {
	flag.StringVar(&gatewayAddr, "addr", envOr("STALL_GATEWAY_ADDR", "localhost:8080"), "gateway HTTP address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch args[0] {
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	case "agents":
		err = runAgents(ctx)
	case "command":
		err = runCommand(ctx, args[1:])
	case "cancel":
		err = runCancel(ctx, args[1:])
	case "pending":
		err = runPending(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: stall-admin [--addr host:port] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health              Check gateway health")
	fmt.Println("  stats               Show dispatch statistics")
	fmt.Println("  agents              List connected agents and their devices")
	fmt.Println("  command <id>        Show one command's state")
	fmt.Println("  cancel <id>         Cancel a queued command")
	fmt.Println("  pending <tenant>    List a tenant's pending commands")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+gatewayAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runHealth(ctx context.Context) error {
	var body struct {
		Status   string `json:"status"`
		ServerID string `json:"server_id"`
	}
	if err := getJSON(ctx, "/api/health", &body); err != nil {
		color.Red("✗ unreachable")
		return err
	}
	color.Green("✓ healthy")
	color.HiBlack("  server: %s", body.ServerID)
	return nil
}

func runStats(ctx context.Context) error {
	var body struct {
		Registry struct {
			ConnectedAgents int `json:"connected_agents"`
			Tenants         int `json:"tenants"`
			Devices         int `json:"devices"`
		} `json:"registry"`
		Commands struct {
			Total      int `json:"total"`
			Queued     int `json:"queued"`
			Processing int `json:"processing"`
			Terminal   int `json:"terminal"`
		} `json:"commands"`
		Waiters int `json:"waiting_attempts"`
	}
	if err := getJSON(ctx, "/api/stats", &body); err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Println("Registry")
	fmt.Printf("  agents:    %d\n", body.Registry.ConnectedAgents)
	fmt.Printf("  tenants:   %d\n", body.Registry.Tenants)
	fmt.Printf("  devices:   %d\n", body.Registry.Devices)
	bold.Println("Commands")
	fmt.Printf("  total:      %d\n", body.Commands.Total)
	fmt.Printf("  queued:     %d\n", body.Commands.Queued)
	fmt.Printf("  processing: %d\n", body.Commands.Processing)
	fmt.Printf("  terminal:   %d\n", body.Commands.Terminal)
	fmt.Printf("  waiting:    %d\n", body.Waiters)
	return nil
}

type agentView struct {
	TenantID      string    `json:"tenant_id"`
	AgentID       string    `json:"agent_id"`
	SessionID     string    `json:"session_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Devices       []struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"devices"`
}

func runAgents(ctx context.Context) error {
	var body struct {
		Agents []agentView `json:"agents"`
	}
	if err := getJSON(ctx, "/api/agents", &body); err != nil {
		return err
	}
	if len(body.Agents) == 0 {
		color.HiBlack("no agents connected")
		return nil
	}

	for _, a := range body.Agents {
		color.New(color.Bold).Printf("%s/%s\n", a.TenantID, a.AgentID)
		color.HiBlack("  session %s, heartbeat %s ago",
			a.SessionID, time.Since(a.LastHeartbeat).Round(time.Second))
		fmt.Println()
		for _, d := range a.Devices {
			switch d.Status {
			case "ready":
				color.Green("  ● %s (%s)", d.ID, d.Type)
			case "busy":
				color.Yellow("  ● %s (%s) busy", d.ID, d.Type)
			default:
				color.Red("  ● %s (%s) %s", d.ID, d.Type, d.Status)
			}
		}
	}
	return nil
}

type commandView struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Retries  int    `json:"retries"`
}

func printCommand(c commandView) {
	color.New(color.Bold).Println(c.ID)
	fmt.Printf("  tenant:  %s\n", c.TenantID)
	fmt.Printf("  agent:   %s\n", c.AgentID)
	fmt.Printf("  type:    %s\n", c.Type)
	switch c.Status {
	case "completed":
		fmt.Print("  status:  ")
		color.Green(c.Status)
	case "failed", "timed_out":
		fmt.Print("  status:  ")
		color.Red(c.Status)
	default:
		fmt.Printf("  status:  %s\n", c.Status)
	}
	fmt.Printf("  retries: %d\n", c.Retries)
}

func runCommand(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stall-admin command <id>")
	}
	var c commandView
	if err := getJSON(ctx, "/api/commands/"+args[0], &c); err != nil {
		return err
	}
	printCommand(c)
	return nil
}

func runCancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stall-admin cancel <id>")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+gatewayAddr+"/api/commands/"+args[0]+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("command %s not found", args[0])
	}

	var body struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if body.Cancelled {
		color.Green("cancelled")
	} else {
		color.Yellow("not cancelled (already processing or finished)")
	}
	return nil
}

func runPending(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stall-admin pending <tenant>")
	}
	var body struct {
		Pending []commandView `json:"pending"`
	}
	if err := getJSON(ctx, "/api/agents/"+args[0]+"/pending", &body); err != nil {
		return err
	}
	if len(body.Pending) == 0 {
		color.HiBlack("no pending commands")
		return nil
	}
	for _, c := range body.Pending {
		printCommand(c)
		fmt.Println()
	}
	return nil
}
