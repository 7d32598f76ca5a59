package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Session    SessionConfig    `yaml:"session"`
	Backend    BackendConfig    `yaml:"backend"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Log        LogConfig        `yaml:"log"`
}

type TelegramConfig struct {
	BotToken       string  `yaml:"bot_token"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	QuietInterval time.Duration `yaml:"quiet_interval"`
	EditInterval  time.Duration `yaml:"edit_interval"`
	ImageDir      string        `yaml:"image_dir"`
}

type BackendConfig struct {
	Name             string   `yaml:"name"` // claude or gemini
	Path             string   `yaml:"path"`
	Model            string   `yaml:"model"`
	WorkDir          string   `yaml:"work_dir"`
	PermissionMode   string   `yaml:"permission_mode"`
	SystemPromptPath string   `yaml:"system_prompt_path"`
	ExtraArgs        []string `yaml:"extra_args"`
}

// WorkspacesConfig optionally gives chats their own working directories
// under BasePath. Without a base path every chat runs in backend.work_dir.
type WorkspacesConfig struct {
	BasePath string            `yaml:"base_path"`
	ChatMap  map[string]string `yaml:"chat_map"`
	Default  string            `yaml:"default"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables in the YAML
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if len(c.Telegram.AllowedUserIDs) == 0 {
		return fmt.Errorf("telegram.allowed_user_ids must have at least one entry")
	}

	// Apply defaults
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 60 * time.Second
	}
	if c.Session.QuietInterval == 0 {
		c.Session.QuietInterval = 45 * time.Second
	}
	if c.Session.EditInterval == 0 {
		c.Session.EditInterval = 2 * time.Second
	}
	if c.Session.ImageDir == "" {
		c.Session.ImageDir = filepath.Join(os.TempDir(), "tether-images")
	}
	if c.Backend.Name == "" {
		c.Backend.Name = "claude"
	}
	switch c.Backend.Name {
	case "claude", "gemini":
	default:
		return fmt.Errorf("backend.name %q is not supported (claude, gemini)", c.Backend.Name)
	}
	if c.Backend.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("backend.work_dir is required: %w", err)
		}
		c.Backend.WorkDir = home
	}
	if c.Workspaces.BasePath != "" && c.Workspaces.Default == "" {
		c.Workspaces.Default = "home"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	return nil
}

// WorkDir maps a chat to its working directory. Resolution order:
//  1. Numeric chat ID in workspaces.chat_map (e.g. "-1001234567890")
//  2. workspaces.default under workspaces.base_path
//  3. backend.work_dir when no base path is configured
func (c *Config) WorkDir(chatID int64) string {
	if c.Workspaces.BasePath == "" {
		return c.Backend.WorkDir
	}
	if name, ok := c.Workspaces.ChatMap[strconv.FormatInt(chatID, 10)]; ok {
		return filepath.Join(c.Workspaces.BasePath, name)
	}
	return filepath.Join(c.Workspaces.BasePath, c.Workspaces.Default)
}
