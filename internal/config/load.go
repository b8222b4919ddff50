package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDir  = ".neko"
	defaultConfigName = "config.yaml"

	// EnvPrefix prefixes every environment override, e.g. NEKO_AGENT_MODEL.
	EnvPrefix = "NEKO"
)

// EnvLookup resolves environment variables.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	envPrefix  string
}

// WithEnv overrides how ${VAR} references and NEKO_CONFIG_PATH resolve.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithConfigPath loads the given file instead of the default location.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// WithEnvPrefix changes the prefix of environment overrides. An empty
// prefix disables them.
func WithEnvPrefix(prefix string) Option {
	return func(o *loadOptions) {
		o.envPrefix = prefix
	}
}

// ResolveConfigPath returns the configuration file path. NEKO_CONFIG_PATH
// wins over $HOME/.neko/config.yaml.
func ResolveConfigPath(envLookup EnvLookup, homeDir func() (string, error)) string {
	if envLookup == nil {
		envLookup = DefaultEnvLookup
	}
	if value, ok := envLookup("NEKO_CONFIG_PATH"); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	if home := resolveHome(homeDir); home != "" {
		return filepath.Join(home, defaultConfigDir, defaultConfigName)
	}
	return filepath.Join("configs", defaultConfigName)
}

// Load reads the configuration file over the defaults, applies NEKO_*
// environment overrides and validates the result. A missing file is not an
// error. The resolved path is returned either way.
func Load(opts ...Option) (Config, string, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
		envPrefix: EnvPrefix,
	}
	for _, opt := range opts {
		opt(&options)
	}

	configPath := strings.TrimSpace(options.configPath)
	if configPath == "" {
		configPath = ResolveConfigPath(options.envLookup, options.homeDir)
	}

	cfg := Default()
	data, err := options.readFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, configPath, fmt.Errorf("read config file: %w", err)
	default:
		if err := decodeYAML(expandEnv(options.envLookup, data), &cfg); err != nil {
			return Config{}, configPath, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if options.envPrefix != "" {
		applyEnvOverrides(&cfg, options.envPrefix)
	}
	if cfg.Agent.APIKey == "" {
		if key, ok := options.envLookup("OPENAI_API_KEY"); ok {
			cfg.Agent.APIKey = strings.TrimSpace(key)
		}
	}
	cfg.Workspace = expandHome(cfg.Workspace, options.homeDir)

	if err := cfg.Validate(); err != nil {
		return Config{}, configPath, err
	}
	return cfg, configPath, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references. Unset variables become empty.
func expandEnv(lookup EnvLookup, data []byte) []byte {
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	return envRefPattern.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		value, _ := lookup(name)
		return []byte(value)
	})
}

// envOverrides lists the keys NEKO_* variables may set. Dots become
// underscores: agent.api_key is NEKO_AGENT_API_KEY.
var envOverrides = map[string]func(v *viper.Viper, key string, cfg *Config){
	"workspace":                       func(v *viper.Viper, k string, c *Config) { c.Workspace = v.GetString(k) },
	"agent.endpoint":                  func(v *viper.Viper, k string, c *Config) { c.Agent.Endpoint = v.GetString(k) },
	"agent.model":                     func(v *viper.Viper, k string, c *Config) { c.Agent.Model = v.GetString(k) },
	"agent.api_key":                   func(v *viper.Viper, k string, c *Config) { c.Agent.APIKey = v.GetString(k) },
	"agent.max_iterations":            func(v *viper.Viper, k string, c *Config) { c.Agent.MaxIterations = v.GetInt(k) },
	"agent.max_output_tokens":         func(v *viper.Viper, k string, c *Config) { c.Agent.MaxOutputTokens = v.GetInt(k) },
	"memory.core_cap":                 func(v *viper.Viper, k string, c *Config) { c.Memory.CoreCap = v.GetInt(k) },
	"scheduler.tick":                  func(v *viper.Viper, k string, c *Config) { c.Scheduler.Tick = v.GetDuration(k) },
	"scheduler.job_timeout":           func(v *viper.Viper, k string, c *Config) { c.Scheduler.JobTimeout = v.GetDuration(k) },
	"scheduler.max_concurrent":        func(v *viper.Viper, k string, c *Config) { c.Scheduler.MaxConcurrent = v.GetInt(k) },
	"tools.exec.allowlist":            func(v *viper.Viper, k string, c *Config) { c.Tools.Exec.Allowlist = v.GetStringSlice(k) },
	"tools.http.allowed_domains":      func(v *viper.Viper, k string, c *Config) { c.Tools.HTTP.AllowedDomains = v.GetStringSlice(k) },
	"channels.telegram.token":         func(v *viper.Viper, k string, c *Config) { c.Channels.Telegram.Token = v.GetString(k) },
	"channels.telegram.allowed_chats": func(v *viper.Viper, k string, c *Config) { c.Channels.Telegram.AllowedChats = v.GetStringSlice(k) },
	"session.reset_mode":              func(v *viper.Viper, k string, c *Config) { c.Session.ResetMode = v.GetString(k) },
	"session.dm_scope":                func(v *viper.Viper, k string, c *Config) { c.Session.DMScope = v.GetString(k) },
	"server.addr":                     func(v *viper.Viper, k string, c *Config) { c.Server.Addr = v.GetString(k) },
	"server.api_token":                func(v *viper.Viper, k string, c *Config) { c.Server.APIToken = v.GetString(k) },
	"observability.logging.level":     func(v *viper.Viper, k string, c *Config) { c.Observability.Logging.Level = v.GetString(k) },
	"observability.logging.format":    func(v *viper.Viper, k string, c *Config) { c.Observability.Logging.Format = v.GetString(k) },
	"observability.tracing.enabled":   func(v *viper.Viper, k string, c *Config) { c.Observability.Tracing.Enabled = v.GetBool(k) },
	"observability.tracing.endpoint":  func(v *viper.Viper, k string, c *Config) { c.Observability.Tracing.Endpoint = v.GetString(k) },
}

func applyEnvOverrides(cfg *Config, prefix string) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, apply := range envOverrides {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			apply(v, key, cfg)
		}
	}
}

func expandHome(path string, homeDir func() (string, error)) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home := resolveHome(homeDir)
	if home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func resolveHome(homeDir func() (string, error)) string {
	if homeDir != nil {
		if resolved, err := homeDir(); err == nil && strings.TrimSpace(resolved) != "" {
			return strings.TrimSpace(resolved)
		}
	}
	if resolved, err := os.UserHomeDir(); err == nil {
		return strings.TrimSpace(resolved)
	}
	return ""
}

// LogFile returns the absolute log file path, or "" when file logging is
// disabled.
func (c Config) LogFile() string {
	file := strings.TrimSpace(c.Observability.Logging.File)
	if file == "" || file == "-" {
		return ""
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.Workspace, file)
}
