// Package config binds the agentlink configuration from environment
// defaults, an optional YAML file, and command-line flags (highest wins).
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/agentlink/agentlink/core/config"
)

// Config holds the full agentlink configuration.
type Config struct {
	// Transport selects how to reach the agent: "proc" spawns
	// AgentCommand, "ws" dials ServerURL.
	Transport    string
	ServerURL    string
	AgentCommand string
	AgentArgs    []string
	// LineFraming switches the proc transport to newline-delimited JSON.
	LineFraming bool

	Workspace     string
	CheckpointDir string
	TaskBin       string

	StatusAddr     string
	MetricsAddr    string
	AllowedOrigins []string

	ClientID   string
	ClientName string

	Reconnect bool
	LogLevel  string

	HandshakeTimeout  time.Duration
	ListToolsTimeout  time.Duration
	ExecuteTimeout    time.Duration
	PromptTimeout     time.Duration
	KeepAliveInterval time.Duration

	// CheckURL is the agent's MCP diagnostic endpoint used by -check.
	CheckURL string

	ConfigFile string
}

func (c *Config) BindFlags() {
	c.ConfigFile = commoncfg.GetEnv("CONFIG_FILE", "")
	c.LogLevel = commoncfg.GetEnv("LOG_LEVEL", "info")

	c.Transport = commoncfg.GetEnv("TRANSPORT", "proc")
	c.ServerURL = commoncfg.GetEnv("SERVER_URL", "ws://localhost:7821/agent/connect")
	c.AgentCommand = commoncfg.GetEnv("AGENT_COMMAND", "")
	if args := commoncfg.GetEnv("AGENT_ARGS", ""); args != "" {
		c.AgentArgs = strings.Fields(args)
	}
	if b, err := strconv.ParseBool(commoncfg.GetEnv("LINE_FRAMING", "false")); err == nil {
		c.LineFraming = b
	}

	wd, _ := os.Getwd()
	c.Workspace = commoncfg.GetEnv("WORKSPACE", wd)
	c.CheckpointDir = commoncfg.GetEnv("CHECKPOINT_DIR", "")
	c.TaskBin = commoncfg.GetEnv("TASK_BIN", "")

	c.StatusAddr = commoncfg.GetEnv("STATUS_ADDR", "")
	mp := commoncfg.GetEnv("METRICS_PORT", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp
	if origins := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}

	c.ClientID = commoncfg.GetEnv("CLIENT_ID", "")
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "editor-" + uuid.NewString()[:8]
	}
	c.ClientName = commoncfg.GetEnv("CLIENT_NAME", host)
	if b, err := strconv.ParseBool(commoncfg.GetEnv("RECONNECT", "true")); err == nil {
		c.Reconnect = b
	}

	c.HandshakeTimeout = envDuration("HANDSHAKE_TIMEOUT", 30*time.Second)
	c.ListToolsTimeout = envDuration("LIST_TOOLS_TIMEOUT", 10*time.Second)
	c.ExecuteTimeout = envDuration("EXECUTE_TIMEOUT", 60*time.Second)
	c.PromptTimeout = envDuration("PROMPT_TIMEOUT", 60*time.Second)
	c.KeepAliveInterval = envDuration("KEEPALIVE_INTERVAL", 30*time.Second)

	c.CheckURL = commoncfg.GetEnv("CHECK_URL", "")

	flag.StringVar(&c.Transport, "transport", c.Transport, "agent transport: proc (spawn a child) or ws (dial a server)")
	flag.StringVar(&c.ServerURL, "server-url", c.ServerURL, "agent WebSocket URL for the ws transport")
	flag.StringVar(&c.AgentCommand, "agent-command", c.AgentCommand, "agent binary to spawn for the proc transport")
	flag.Func("agent-arg", "argument passed to the agent binary (repeatable)", func(v string) error {
		c.AgentArgs = append(c.AgentArgs, v)
		return nil
	})
	flag.BoolVar(&c.LineFraming, "line-framing", c.LineFraming, "parse agent stdout as newline-delimited JSON instead of brace framing")
	flag.StringVar(&c.Workspace, "workspace", c.Workspace, "workspace root served to the agent")
	flag.StringVar(&c.CheckpointDir, "checkpoint-dir", c.CheckpointDir, "directory for workspace checkpoints (defaults to <workspace>/.agentlink/checkpoints)")
	flag.StringVar(&c.TaskBin, "task-bin", c.TaskBin, "task tracker CLI binary (task tools disabled when empty)")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status; e.g. 127.0.0.1:4555)")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port (disabled when empty)")
	flag.Func("allowed-origin", "origin allowed to query the status endpoint (repeatable)", func(v string) error {
		c.AllowedOrigins = append(c.AllowedOrigins, v)
		return nil
	})
	flag.StringVar(&c.ClientID, "client-id", c.ClientID, "client identifier; randomly generated if omitted")
	flag.StringVar(&c.ClientName, "client-name", c.ClientName, "client display name shown in logs and status")
	flag.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect to the agent on failure")
	flag.BoolVar(&c.Reconnect, "r", c.Reconnect, "short for --reconnect")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "timeout for the post-connect readiness exchange")
	flag.DurationVar(&c.ListToolsTimeout, "list-tools-timeout", c.ListToolsTimeout, "timeout for tool catalog requests")
	flag.DurationVar(&c.ExecuteTimeout, "execute-timeout", c.ExecuteTimeout, "timeout for tool execution requests")
	flag.DurationVar(&c.PromptTimeout, "prompt-timeout", c.PromptTimeout, "timeout for prompt requests")
	flag.DurationVar(&c.KeepAliveInterval, "keepalive-interval", c.KeepAliveInterval, "interval between keep-alive pings")
	flag.StringVar(&c.CheckURL, "check-url", c.CheckURL, "agent MCP endpoint probed by -check")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(commoncfg.GetEnv(key, def.String())); err == nil {
		return d
	}
	return def
}
