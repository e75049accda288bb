// ABOUTME: Entry point for the agenthub message router
// ABOUTME: Serves the hub and offers small client commands against a running one

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/config"
	"github.com/2389/agenthub/internal/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                          _   _           _
  __ _  __ _  ___ _ __ | |_| |__  _   _| |__
 / _' |/ _' |/ _ \ '_ \| __| '_ \| | | | '_ \
| (_| | (_| |  __/ | | | |_| | | | |_| | |_) |
 \__,_|\__, |\___|_| |_|\__|_| |_|\__,_|_.__/
       |___/
`

// getDataPath returns the agenthub data directory.
// Priority: XDG_DATA_HOME/agenthub > ~/.local/share/agenthub
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "agenthub")
}

func usage() {
	fmt.Println("Usage: agenthub <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the hub")
	fmt.Println("  init                           Write a config file with a fresh JWT secret")
	fmt.Println("  token --subject ID [--kind K]  Mint a bearer token (kind: agent|client)")
	fmt.Println("  health                         Check hub health")
	fmt.Println("  agents                         List registered agents")
	fmt.Println("  submit --agent ID --payload J  Submit a task and wait for its result")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "submit":
		err = runSubmit(ctx, args)
	case "help", "-h", "--help":
		usage()
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
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Database.Path != "" {
		fmt.Printf("Database:  %s\n", cfg.Database.Path)
	} else {
		fmt.Print("Database:  ")
		gray.Println("(in-memory only)")
	}
	green.Print("    ▶ ")
	fmt.Print("Auth:      ")
	switch {
	case cfg.Auth.JWTSecret != "" || len(cfg.Auth.AuthorizedKeys) > 0:
		fmt.Println("enabled")
	default:
		yellow.Println("disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting agenthub",
		"version", version,
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes a starter config with a random JWT secret. It refuses to
// overwrite an existing file.
func runInit() error {
	configPath := config.DefaultPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "agenthub.db")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# agenthub configuration
# Generated by agenthub init

server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  authorized_keys: []

agents:
  heartbeat_interval: "%s"
  send_timeout: "%s"

tasks:
  default_timeout: "%s"
  max_timeout: "%s"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "%s"
`, dbPath, jwtSecret,
		config.DefaultHeartbeatInterval, config.DefaultSendTimeout,
		config.DefaultTaskTimeout, config.DefaultMaxTaskTimeout,
		config.DefaultMetricsPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Data directory: %s\n", dataPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    agenthub serve")
	fmt.Println("    agenthub token --subject me --kind client")
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (agent id or client name)")
	kind := fs.String("kind", auth.PrincipalClient, "principal kind: agent or client")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}
	if *kind != auth.PrincipalAgent && *kind != auth.PrincipalClient {
		return fmt.Errorf("--kind must be %q or %q", auth.PrincipalAgent, auth.PrincipalClient)
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *kind, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// hubURL returns the base URL of the hub's HTTP API. AGENTHUB_URL overrides
// the configured address.
func hubURL() (string, error) {
	if u := os.Getenv("AGENTHUB_URL"); u != "" {
		return strings.TrimRight(u, "/"), nil
	}
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	addr := cfg.Server.HTTPAddr
	if host, ok := strings.CutPrefix(addr, "0.0.0.0:"); ok {
		addr = "localhost:" + host
	}
	return "http://" + addr, nil
}

// apiRequest performs an HTTP request against the hub, attaching
// AGENTHUB_TOKEN as a bearer token when set.
func apiRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	base, err := hubURL()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("AGENTHUB_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	resp, err := apiRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	resp, err := apiRequest(ctx, http.MethodGet, "/api/agents", nil)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("listing agents: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var agents []gateway.AgentInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(agents) == 0 {
		color.New(color.FgHiBlack).Println("no agents registered")
		return nil
	}

	for _, a := range agents {
		statusColor := color.New(color.FgHiBlack)
		switch a.Status {
		case "online":
			statusColor = color.New(color.FgGreen)
		case "degraded":
			statusColor = color.New(color.FgYellow)
		}
		statusColor.Printf("  ● %-9s", a.Status)
		color.New(color.FgCyan).Printf(" %s", a.ID)
		fmt.Printf(" [%s]", a.Protocol)
		if a.Name != "" && a.Name != a.ID {
			fmt.Printf(" %s", a.Name)
		}
		if len(a.Capabilities) > 0 {
			color.New(color.FgHiBlack).Printf(" (%s)", strings.Join(a.Capabilities, ", "))
		}
		fmt.Println()
	}
	return nil
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	agentID := fs.String("agent", "", "target agent id")
	payload := fs.String("payload", "{}", "JSON payload")
	timeout := fs.Duration("timeout", 0, "task timeout (0 uses the hub default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *agentID == "" {
		return errors.New("--agent is required")
	}
	if !json.Valid([]byte(*payload)) {
		return errors.New("--payload must be valid JSON")
	}

	resp, err := apiRequest(ctx, http.MethodPost, "/api/tasks", gateway.SubmitTaskRequest{
		Originator: "cli",
		AgentID:    *agentID,
		Payload:    json.RawMessage(*payload),
		TimeoutMS:  timeout.Milliseconds(),
		Wait:       true,
	})
	if err != nil {
		return fmt.Errorf("submitting task: %w", err)
	}
	defer resp.Body.Close()

	var task gateway.TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}

	if task.State == "" {
		return fmt.Errorf("submitting task: status %d: %s (%s)", resp.StatusCode, task.Error, task.Reason)
	}
	if task.State != "completed" {
		msg := task.Error
		if task.Reason != "" {
			msg = fmt.Sprintf("%s (%s)", msg, task.Reason)
		}
		return fmt.Errorf("task %s %s: %s", task.TaskID, task.State, msg)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, task.Result, "", "  "); err != nil {
		out.Reset()
		out.Write(task.Result)
	}
	fmt.Println(out.String())
	return nil
}
