// Package config loads reactor settings from a YAML file and REACTOR_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/reactor/agentloop"
	"github.com/martinemde/reactor/mcp"
	"github.com/martinemde/reactor/unifiedllm"
)

// EnvPrefix prefixes every environment override, e.g. REACTOR_MODEL_NAME.
const EnvPrefix = "REACTOR"

// FileName is the config file name searched for when no path is given.
const FileName = "reactor.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full reactor configuration.
type Config struct {
	Model   ModelConfig   `mapstructure:"model" yaml:"model"`
	Loop    LoopConfig    `mapstructure:"loop" yaml:"loop"`
	Budget  BudgetConfig  `mapstructure:"budget" yaml:"budget"`
	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
	MCP     MCPConfig     `mapstructure:"mcp" yaml:"mcp"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

type ModelConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider" validate:"required"`
	Name        string        `mapstructure:"name" yaml:"name" validate:"required"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

type LoopConfig struct {
	MaxIterations      int           `mapstructure:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	MaxParallelTools   int           `mapstructure:"max_parallel_tools" yaml:"max_parallel_tools" validate:"gte=1"`
	ToolTimeout        time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout" validate:"gte=0"`
	LoopDetection      bool          `mapstructure:"loop_detection" yaml:"loop_detection"`
	LoopWindow         int           `mapstructure:"loop_window" yaml:"loop_window" validate:"gte=2"`
	CompressionTrigger string        `mapstructure:"compression_trigger" yaml:"compression_trigger" validate:"oneof=budget count"`
	SystemPrompt       string        `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
}

type BudgetConfig struct {
	HardCeiling        int     `mapstructure:"hard_ceiling" yaml:"hard_ceiling" validate:"gte=1"`
	CompressionRatio   float64 `mapstructure:"compression_ratio" yaml:"compression_ratio" validate:"gt=0,lte=1"`
	KeepRecent         int     `mapstructure:"keep_recent" yaml:"keep_recent" validate:"gte=1"`
	MaxMessageChars    int     `mapstructure:"max_message_chars" yaml:"max_message_chars" validate:"gte=0"`
	MaxToolResultChars int     `mapstructure:"max_tool_result_chars" yaml:"max_tool_result_chars" validate:"gte=0"`
	MaxMessages        int     `mapstructure:"max_messages" yaml:"max_messages" validate:"gte=2"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gte=0"`
}

type MCPConfig struct {
	Servers   []ServerConfig `mapstructure:"servers" yaml:"servers" validate:"unique=Name,dive"`
	AllowList []string       `mapstructure:"allow_list" yaml:"allow_list" validate:"dive,required"`
	Timeout   time.Duration  `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// ServerConfig describes one external capability server. Env entries use
// the NAME=value form so variable names keep their case.
type ServerConfig struct {
	Name        string            `mapstructure:"name" yaml:"name" validate:"required"`
	Transport   string            `mapstructure:"transport" yaml:"transport" validate:"oneof=stdio http"`
	Command     string            `mapstructure:"command" yaml:"command,omitempty" validate:"required_if=Transport stdio"`
	Args        []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env         []string          `mapstructure:"env" yaml:"env,omitempty"`
	Dir         string            `mapstructure:"dir" yaml:"dir,omitempty"`
	URL         string            `mapstructure:"url" yaml:"url,omitempty" validate:"required_if=Transport http"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	CallTimeout time.Duration     `mapstructure:"call_timeout" yaml:"call_timeout,omitempty" validate:"gte=0"`
	Prefix      bool              `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

type SessionConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	DB       int           `mapstructure:"db" yaml:"db" validate:"gte=0"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gte=0"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	loop := agentloop.DefaultConfig()
	budget := agentloop.DefaultBudgetConfig()
	return Config{
		Model: ModelConfig{
			Provider:    "openai",
			Name:        "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		},
		Loop: LoopConfig{
			MaxIterations:      loop.MaxIterations,
			MaxParallelTools:   loop.MaxParallelTools,
			ToolTimeout:        agentloop.DefaultToolTimeout,
			LoopDetection:      loop.LoopDetection,
			LoopWindow:         loop.LoopWindow,
			CompressionTrigger: string(loop.CompressionTrigger),
		},
		Budget: BudgetConfig{
			HardCeiling:        budget.HardCeiling,
			CompressionRatio:   budget.CompressionRatio,
			KeepRecent:         budget.KeepRecent,
			MaxMessageChars:    budget.MaxMessageChars,
			MaxToolResultChars: budget.MaxToolResultChars,
			MaxMessages:        loop.MaxMessages,
		},
		Retry: RetryConfig{
			MaxAttempts: loop.Retry.MaxAttempts,
			BaseDelay:   loop.Retry.BaseDelay,
			MaxDelay:    loop.Retry.MaxDelay,
		},
		MCP: MCPConfig{
			Servers:   []ServerConfig{},
			AllowList: []string{},
			Timeout:   mcp.DefaultTimeout,
		},
		Session: SessionConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "reactor:session:",
				TTL:    7 * 24 * time.Hour,
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("model.provider", d.Model.Provider)
	v.SetDefault("model.name", d.Model.Name)
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.max_tokens", d.Model.MaxTokens)
	v.SetDefault("model.temperature", d.Model.Temperature)
	v.SetDefault("model.timeout", d.Model.Timeout)

	v.SetDefault("loop.max_iterations", d.Loop.MaxIterations)
	v.SetDefault("loop.max_parallel_tools", d.Loop.MaxParallelTools)
	v.SetDefault("loop.tool_timeout", d.Loop.ToolTimeout)
	v.SetDefault("loop.loop_detection", d.Loop.LoopDetection)
	v.SetDefault("loop.loop_window", d.Loop.LoopWindow)
	v.SetDefault("loop.compression_trigger", d.Loop.CompressionTrigger)
	v.SetDefault("loop.system_prompt", "")

	v.SetDefault("budget.hard_ceiling", d.Budget.HardCeiling)
	v.SetDefault("budget.compression_ratio", d.Budget.CompressionRatio)
	v.SetDefault("budget.keep_recent", d.Budget.KeepRecent)
	v.SetDefault("budget.max_message_chars", d.Budget.MaxMessageChars)
	v.SetDefault("budget.max_tool_result_chars", d.Budget.MaxToolResultChars)
	v.SetDefault("budget.max_messages", d.Budget.MaxMessages)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)

	v.SetDefault("mcp.servers", []any{})
	v.SetDefault("mcp.allow_list", []string{})
	v.SetDefault("mcp.timeout", d.MCP.Timeout)

	v.SetDefault("session.backend", d.Session.Backend)
	v.SetDefault("session.redis.addr", d.Session.Redis.Addr)
	v.SetDefault("session.redis.password", "")
	v.SetDefault("session.redis.db", d.Session.Redis.DB)
	v.SetDefault("session.redis.prefix", d.Session.Redis.Prefix)
	v.SetDefault("session.redis.ttl", d.Session.Redis.TTL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Load reads path, or reactor.yaml from the working directory and
// $HOME/.config/reactor when path is empty, then applies REACTOR_*
// environment overrides and validates the result. A missing default file
// is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "reactor"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if c.Session.Backend == "redis" && c.Session.Redis.Addr == "" {
		problems = append(problems, "session.redis.addr: required for the redis backend")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		problems = append(problems, "retry.max_delay: must not be below retry.base_delay")
	}
	for i, s := range c.MCP.Servers {
		for _, kv := range s.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				problems = append(problems, fmt.Sprintf("mcp.servers[%d].env: %q is not NAME=value", i, kv))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + ": required"
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "unique":
		return fmt.Sprintf("%s: %s values must be unique", field, strings.ToLower(fe.Param()))
	default:
		return fmt.Sprintf("%s: must satisfy %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

// YAML renders c as a config file.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const redacted = "********"

// Redacted returns a copy with credentials masked.
func (c Config) Redacted() Config {
	if c.Model.APIKey != "" {
		c.Model.APIKey = redacted
	}
	if c.Session.Redis.Password != "" {
		c.Session.Redis.Password = redacted
	}
	servers := make([]ServerConfig, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if len(s.Env) > 0 {
			env := make([]string, len(s.Env))
			for j, kv := range s.Env {
				k, _, _ := strings.Cut(kv, "=")
				env[j] = k + "=" + redacted
			}
			s.Env = env
		}
		if len(s.Headers) > 0 {
			headers := make(map[string]string, len(s.Headers))
			for k := range s.Headers {
				headers[k] = redacted
			}
			s.Headers = headers
		}
		servers[i] = s
	}
	c.MCP.Servers = servers
	return c
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	p := unifiedllm.DefaultRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.BaseDelay = c.Retry.BaseDelay
	p.MaxDelay = c.Retry.MaxDelay
	return p
}

// AgentConfig converts the model, loop, budget and retry sections.
func (c *Config) AgentConfig() agentloop.Config {
	cfg := agentloop.DefaultConfig()
	cfg.Model = c.Model.Name
	cfg.Provider = c.Model.Provider
	if c.Loop.SystemPrompt != "" {
		cfg.Kernel = c.Loop.SystemPrompt
	}
	if c.Model.MaxTokens > 0 {
		cfg.MaxTokens = &c.Model.MaxTokens
	}
	temperature := c.Model.Temperature
	cfg.Temperature = &temperature

	cfg.MaxIterations = c.Loop.MaxIterations
	cfg.MaxParallelTools = c.Loop.MaxParallelTools
	cfg.LoopDetection = c.Loop.LoopDetection
	cfg.LoopWindow = c.Loop.LoopWindow
	cfg.CompressionTrigger = agentloop.CompressionTrigger(c.Loop.CompressionTrigger)
	cfg.Retry = c.RetryPolicy()

	cfg.Budget.HardCeiling = c.Budget.HardCeiling
	cfg.Budget.CompressionRatio = c.Budget.CompressionRatio
	cfg.Budget.KeepRecent = c.Budget.KeepRecent
	cfg.Budget.MaxMessageChars = c.Budget.MaxMessageChars
	cfg.Budget.MaxToolResultChars = c.Budget.MaxToolResultChars
	cfg.MaxMessages = c.Budget.MaxMessages
	return cfg
}

// ServerSpecs converts the configured external capability servers.
func (c *Config) ServerSpecs() []mcp.ServerSpec {
	specs := make([]mcp.ServerSpec, 0, len(c.MCP.Servers))
	for _, s := range c.MCP.Servers {
		var env map[string]string
		if len(s.Env) > 0 {
			env = make(map[string]string, len(s.Env))
			for _, kv := range s.Env {
				k, v, _ := strings.Cut(kv, "=")
				env[k] = v
			}
		}
		specs = append(specs, mcp.ServerSpec{
			Name:        s.Name,
			Transport:   mcp.Transport(s.Transport),
			Command:     s.Command,
			Args:        s.Args,
			Env:         env,
			Dir:         s.Dir,
			URL:         s.URL,
			Headers:     s.Headers,
			CallTimeout: s.CallTimeout,
			Prefix:      s.Prefix,
		})
	}
	return specs
}
