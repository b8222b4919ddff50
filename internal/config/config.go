// Package config loads the neko configuration file.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	// Workspace holds memory/, cron/, sessions/ and logs/.
	Workspace     string               `yaml:"workspace"`
	Agent         AgentConfig          `yaml:"agent"`
	Memory        MemoryConfig         `yaml:"memory"`
	Scheduler     SchedulerConfig      `yaml:"scheduler"`
	Tools         ToolsConfig          `yaml:"tools"`
	MCP           map[string]MCPServer `yaml:"mcp"`
	Channels      ChannelsConfig       `yaml:"channels"`
	Session       SessionConfig        `yaml:"session"`
	Server        ServerConfig         `yaml:"server"`
	Observability ObservabilityConfig  `yaml:"observability"`
}

type AgentConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"api_key"`
	MaxIterations   int           `yaml:"max_iterations"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	Instructions    string        `yaml:"instructions"`
}

type MemoryConfig struct {
	CoreCap int `yaml:"core_cap"`
}

type SchedulerConfig struct {
	Tick          time.Duration `yaml:"tick"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type ToolsConfig struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts"`
	Exec           ExecConfig               `yaml:"exec"`
	HTTP           HTTPConfig               `yaml:"http"`
	Script         ScriptConfig             `yaml:"script"`
}

// ExecConfig configures the exec tool. Commands still running after Yield
// move to the background and are managed with the process tool.
type ExecConfig struct {
	Allowlist []string      `yaml:"allowlist"`
	Timeout   time.Duration `yaml:"timeout"`
	Yield     time.Duration `yaml:"yield"`
	Shell     string        `yaml:"shell"`
}

type HTTPConfig struct {
	AllowedDomains []string `yaml:"allowed_domains"`
}

type ScriptConfig struct {
	MaxSteps uint64        `yaml:"max_steps"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MCPServer launches one stdio MCP server. Its name is the map key.
type MCPServer struct {
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Disabled bool              `yaml:"disabled"`
}

// NamedMCPServer pairs a server with its configured name.
type NamedMCPServer struct {
	Name string
	MCPServer
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Token        string        `yaml:"token"`
	APIBase      string        `yaml:"api_base"`
	AllowedChats []string      `yaml:"allowed_chats"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// Enabled reports whether a bot token is configured.
func (t TelegramConfig) Enabled() bool {
	return strings.TrimSpace(t.Token) != ""
}

type SessionConfig struct {
	ResetMode   string `yaml:"reset_mode"`
	ResetHour   int    `yaml:"reset_hour"`
	IdleMinutes int    `yaml:"idle_minutes"`
	DMScope     string `yaml:"dm_scope"`
	MaxHistory  int    `yaml:"max_history"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken string `yaml:"api_token"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File is relative to the workspace unless absolute. "-" disables it.
	File string `yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp, zipkin
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Workspace: "~/.neko/workspace",
		Agent: AgentConfig{
			Endpoint:      "https://api.openai.com/v1",
			Model:         "gpt-5-mini",
			MaxIterations: 10,
			Timeout:       120 * time.Second,
		},
		Memory: MemoryConfig{CoreCap: 2000},
		Scheduler: SchedulerConfig{
			Tick:          15 * time.Second,
			JobTimeout:    10 * time.Minute,
			MaxConcurrent: 4,
			ShutdownGrace: 30 * time.Second,
		},
		Tools: ToolsConfig{
			DefaultTimeout: 60 * time.Second,
			Exec:           ExecConfig{Timeout: 30 * time.Minute, Yield: 10 * time.Second},
			Script:         ScriptConfig{MaxSteps: 1_000_000, Timeout: 10 * time.Second},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{PollTimeout: 30 * time.Second},
		},
		Session: SessionConfig{
			ResetMode:  "daily",
			ResetHour:  4,
			DMScope:    "main",
			MaxHistory: 100,
		},
		Server: ServerConfig{Addr: "127.0.0.1:3000"},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "text", File: "logs/neko.log"},
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{Exporter: "otlp", SampleRate: 1, ServiceName: "neko"},
		},
	}
}

// MCPServers returns the enabled servers sorted by name.
func (c Config) MCPServers() []NamedMCPServer {
	out := make([]NamedMCPServer, 0, len(c.MCP))
	for name, srv := range c.MCP {
		if srv.Disabled {
			continue
		}
		out = append(out, NamedMCPServer{Name: name, MCPServer: srv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Workspace) == "" {
		problems = append(problems, "workspace must not be empty")
	}
	if c.Agent.MaxIterations <= 0 {
		problems = append(problems, "agent.max_iterations must be positive")
	}
	if c.Scheduler.Tick <= 0 {
		problems = append(problems, "scheduler.tick must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		problems = append(problems, "scheduler.max_concurrent must be positive")
	}
	switch c.Session.ResetMode {
	case "daily", "idle", "both", "never":
	default:
		problems = append(problems, fmt.Sprintf("session.reset_mode %q is not one of daily, idle, both, never", c.Session.ResetMode))
	}
	if c.Session.ResetHour < 0 || c.Session.ResetHour > 23 {
		problems = append(problems, "session.reset_hour must be within 0..23")
	}
	if (c.Session.ResetMode == "idle" || c.Session.ResetMode == "both") && c.Session.IdleMinutes <= 0 {
		problems = append(problems, "session.idle_minutes is required for idle reset")
	}
	switch c.Session.DMScope {
	case "main", "per-peer":
	default:
		problems = append(problems, fmt.Sprintf("session.dm_scope %q is not one of main, per-peer", c.Session.DMScope))
	}
	switch c.Observability.Tracing.Exporter {
	case "otlp", "zipkin":
	default:
		problems = append(problems, fmt.Sprintf("observability.tracing.exporter %q is not one of otlp, zipkin", c.Observability.Tracing.Exporter))
	}
	for name, srv := range c.MCP {
		if strings.TrimSpace(srv.Command) == "" {
			problems = append(problems, fmt.Sprintf("mcp.%s.command must not be empty", name))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
