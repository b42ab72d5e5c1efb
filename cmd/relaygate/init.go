// ABOUTME: Interactive config file generator for relaygate init
// ABOUTME: Prompts for frontends, backend and an optional signed-token auth plugin

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	AdminAddr     string
	HTTPAddr      string
	WebSocketAddr string
	BackendType   string
	BackendTarget string
	AuthSecret    string
	LogLevel      string
	LogFormat     string
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relaygate configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Frontends ---")
	a.HTTPAddr = optional(prompt(reader, "HTTP address (none to disable)", "localhost:8080"))
	a.WebSocketAddr = optional(prompt(reader, "WebSocket address (none to disable)", "localhost:8081"))
	a.AdminAddr = optional(prompt(reader, "Admin address for health and metrics (none to disable)", "localhost:9090"))

	fmt.Println("\n--- Backend ---")
	a.BackendType = prompt(reader, "Backend type (http/nats/kafka/grpc)", "http")
	a.BackendTarget = prompt(reader, "Backend address", defaultBackendTarget(a.BackendType))

	fmt.Println("\n--- Authentication ---")
	if isYes(prompt(reader, "Enable signed-token auth?", "yes")) {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		a.AuthSecret = secret
	}

	fmt.Println("\n--- Logging ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	mode := os.FileMode(0644)
	if a.AuthSecret != "" {
		mode = 0600
	}
	f, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := writeConfig(f, a); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the gateway:")
	fmt.Printf("  relaygate serve\n")
	if a.AuthSecret != "" {
		fmt.Println("\nTo issue a token:")
		fmt.Printf("  relaygate sign <identity>\n")
	}
	return nil
}

func defaultBackendTarget(backendType string) string {
	switch backendType {
	case "nats":
		return "nats://localhost:4222"
	case "kafka":
		return "localhost:9092"
	case "grpc":
		return "localhost:50051"
	default:
		return "http://localhost:3000/"
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating auth secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// writeConfig renders a YAML config that config.Load accepts.
func writeConfig(w io.Writer, a initAnswers) error {
	var cfg strings.Builder
	cfg.WriteString("# relaygate configuration\n")
	cfg.WriteString("# Generated by relaygate init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  admin_addr: %q\n", a.AdminAddr))
	cfg.WriteString("  shutdown_timeout: \"10s\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", a.LogFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.AdminAddr != ""))
	cfg.WriteString("  path: \"/metrics\"\n\n")

	cfg.WriteString("frontends:\n")
	cfg.WriteString("  http:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", a.HTTPAddr != ""))
	cfg.WriteString(fmt.Sprintf("    addr: %q\n", a.HTTPAddr))
	cfg.WriteString("  websocket:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", a.WebSocketAddr != ""))
	cfg.WriteString(fmt.Sprintf("    addr: %q\n\n", a.WebSocketAddr))

	cfg.WriteString("backend:\n")
	cfg.WriteString(fmt.Sprintf("  type: %q\n", a.BackendType))
	switch a.BackendType {
	case "nats":
		cfg.WriteString("  nats:\n")
		cfg.WriteString(fmt.Sprintf("    url: %q\n", a.BackendTarget))
		cfg.WriteString("    request_subject: \"relaygate.requests\"\n")
		cfg.WriteString("    reply_prefix: \"relaygate.replies\"\n")
	case "kafka":
		cfg.WriteString("  kafka:\n")
		cfg.WriteString(fmt.Sprintf("    brokers: [%q]\n", a.BackendTarget))
		cfg.WriteString("    request_topic: \"relaygate.requests\"\n")
		cfg.WriteString("    reply_topic: \"relaygate.replies\"\n")
	case "grpc":
		cfg.WriteString("  grpc:\n")
		cfg.WriteString(fmt.Sprintf("    target: %q\n", a.BackendTarget))
	default:
		cfg.WriteString("  http:\n")
		cfg.WriteString(fmt.Sprintf("    url: %q\n", a.BackendTarget))
	}
	cfg.WriteString("\n")

	if a.AuthSecret != "" {
		cfg.WriteString("plugins:\n")
		cfg.WriteString("  - name: auth\n")
		cfg.WriteString("    type: auth\n")
		cfg.WriteString("    auth:\n")
		cfg.WriteString(fmt.Sprintf("      secret: %q\n\n", a.AuthSecret))
		cfg.WriteString("pipeline:\n")
		cfg.WriteString("  connection: [auth]\n")
	}

	_, err := io.WriteString(w, cfg.String())
	return err
}

// optional maps the answer "none" to an empty value.
func optional(s string) string {
	if strings.EqualFold(s, "none") {
		return ""
	}
	return s
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
