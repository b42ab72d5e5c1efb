// ABOUTME: Entry point for the relaygate request gateway
// ABOUTME: Dispatches the serve, init, sign and health commands

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"

	"github.com/2389/relaygate/internal/auth"
	"github.com/2389/relaygate/internal/config"
	"github.com/2389/relaygate/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                         _
  _ __ ___| | __ _ _   _  __ _  __ _| |_ ___
 | '__/ _ \ |/ _' | | | |/ _' |/ _' | __/ _ \
 | | |  __/ | (_| | |_| | (_| | (_| | ||  __/
 |_|  \___|_|\__,_|\__, |\__, |\__,_|\__\___|
                   |___/ |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAYGATE_CONFIG env var > XDG_CONFIG_HOME/relaygate/gateway.yaml > ~/.config/relaygate/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAYGATE_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "relaygate", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: relaygate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                           Start the gateway")
	fmt.Println("  init                            Create a new config file interactively")
	fmt.Println("  sign <identity> [--plugin NAME] Print an auth token for identity")
	fmt.Println("  health                          Check gateway health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "sign":
		err = runSign(os.Args[2:])
	case "health":
		err = runHealth(ctx)
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Frontends.HTTP.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Frontends.HTTP.Addr)
	}
	if cfg.Frontends.WebSocket.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("WebSocket: %s%s\n", cfg.Frontends.WebSocket.Addr, cfg.Frontends.WebSocket.Path)
	}
	green.Print("    ▶ ")
	fmt.Printf("Backend:   ")
	cyan.Println(cfg.Backend.Type)
	if cfg.Server.AdminAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Admin:     %s", cfg.Server.AdminAddr)
		if cfg.Metrics.Enabled {
			gray.Printf(" (metrics at %s)", cfg.Metrics.Path)
		}
		fmt.Println()
	}
	if len(cfg.Plugins) == 0 {
		yellow.Println("    ! no plugins configured; every request goes straight to the backend")
	}
	fmt.Println()

	logger.Info("starting relaygate",
		"config", configPath,
		"backend", cfg.Backend.Type,
		"plugins", len(cfg.Plugins),
	)

	gw, err := gateway.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runSign prints a token for an identity using the secret of a configured
// auth plugin.
func runSign(args []string) error {
	var identity, pluginName string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--plugin" || arg == "-p":
			if i+1 >= len(args) {
				return fmt.Errorf("--plugin requires a value")
			}
			pluginName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--plugin="):
			pluginName = strings.TrimPrefix(arg, "--plugin=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case identity == "":
			identity = arg
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if identity == "" {
		return fmt.Errorf("usage: relaygate sign <identity> [--plugin NAME]")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := signToken(cfg, pluginName, identity)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// jwtTokenTTL is the lifetime of tokens printed for jwt verifiers.
const jwtTokenTTL = 30 * 24 * time.Hour

// signToken issues a token for identity with the named auth plugin, or the
// only auth plugin when name is empty.
func signToken(cfg *config.Config, name, identity string) (string, error) {
	var found []config.PluginConfig
	for _, p := range cfg.Plugins {
		if p.Type == config.PluginAuth && (name == "" || p.Name == name) {
			found = append(found, p)
		}
	}
	switch {
	case len(found) == 0 && name != "":
		return "", fmt.Errorf("no auth plugin named %q", name)
	case len(found) == 0:
		return "", errors.New("no auth plugin configured")
	case len(found) > 1:
		return "", errors.New("several auth plugins configured; pick one with --plugin")
	}

	ac := found[0].Auth
	if ac.Verifier == "jwt" {
		token, err := auth.NewJWTVerifier([]byte(ac.Secret)).Generate(identity, jwtTokenTTL)
		if err != nil {
			return "", fmt.Errorf("generating token: %w", err)
		}
		return token, nil
	}
	return auth.NewSignedTokenVerifier([]byte(ac.Secret)).Sign(identity), nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url, err := healthURL(cfg.Server.AdminAddr)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
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

// healthURL turns the admin listen address into a URL a local client can
// reach. A listener on all interfaces is reached through localhost.
func healthURL(adminAddr string) (string, error) {
	if adminAddr == "" {
		return "", errors.New("server.admin_addr is not configured")
	}
	host, port, err := net.SplitHostPort(adminAddr)
	if err != nil {
		return "", fmt.Errorf("parsing server.admin_addr: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port)), nil
}
