// Package config provides configuration management for Guild Hall.
// It supports loading configuration from environment variables, a YAML
// config file, and defaults, following the GUILD_HALL_HOME convention
// described in the external interfaces of the core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Guild Hall.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the SSE/REST surface.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// PluginsConfig holds Plugin Discovery and Lifecycle Manager configuration.
type PluginsConfig struct {
	Root            string `mapstructure:"root"`
	PortRangeLow    int    `mapstructure:"portRangeLow"`
	PortRangeHigh   int    `mapstructure:"portRangeHigh"`
	InitTimeoutMs   int    `mapstructure:"initTimeoutMs"`
	InvokeTimeoutMs int    `mapstructure:"invokeTimeoutMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ProjectConfig describes one registered project, as written by the
// `register` CLI verb and consumed by `validate`.
type ProjectConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Path        string `mapstructure:"path" yaml:"path"`
	Description string `mapstructure:"description,omitempty" yaml:"description,omitempty"`
	RepoURL     string `mapstructure:"repoUrl,omitempty" yaml:"repoUrl,omitempty"`
	MeetingCap  int    `mapstructure:"meetingCap,omitempty" yaml:"meetingCap,omitempty"`
}

// ProjectsFile is the user-home YAML document described in spec §6.
type ProjectsFile struct {
	Projects []ProjectConfig        `yaml:"projects"`
	Settings map[string]interface{} `yaml:"settings,omitempty"`
}

// Home resolves the Guild Hall home directory, honoring GUILD_HALL_HOME.
func Home() string {
	if h := os.Getenv("GUILD_HALL_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".guild-hall"
	}
	return filepath.Join(home, ".guild-hall")
}

// SessionsDir returns the directory the Session Store persists under.
func SessionsDir() string { return filepath.Join(Home(), "sessions") }

// JobsDir returns the directory the Worker Job Store persists under.
func JobsDir() string { return filepath.Join(Home(), "jobs") }

// McpServersDir returns the directory Plugin/MCP PID files live in.
func McpServersDir() string { return filepath.Join(Home(), ".mcp-servers") }

// ConfigFilePath returns the path to the user's YAML project config.
func ConfigFilePath() string { return filepath.Join(Home(), "config.yaml") }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4500)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE streams have no write timeout

	v.SetDefault("plugins.root", filepath.Join(Home(), "plugins"))
	v.SetDefault("plugins.portRangeLow", 50000)
	v.SetDefault("plugins.portRangeHigh", 51000)
	v.SetDefault("plugins.initTimeoutMs", 5000)
	v.SetDefault("plugins.invokeTimeoutMs", 30000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("GUILD_HALL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from GUILD_HALL_HOME/config.yaml, environment
// variables prefixed GUILD_HALL_, and defaults.
func Load() (*Config, error) {
	return LoadWithPath(Home())
}

// LoadWithPath reads configuration from the given directory or defaults.
func LoadWithPath(dir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("GUILD_HALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Plugins.PortRangeLow <= 0 || cfg.Plugins.PortRangeHigh <= cfg.Plugins.PortRangeLow {
		errs = append(errs, "plugins.portRangeHigh must be greater than plugins.portRangeLow")
	}
	if cfg.Plugins.InitTimeoutMs <= 0 {
		errs = append(errs, "plugins.initTimeoutMs must be positive")
	}
	if cfg.Plugins.InvokeTimeoutMs <= 0 {
		errs = append(errs, "plugins.invokeTimeoutMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// LoadProjects reads the user's registered-projects YAML document.
// A missing file returns an empty ProjectsFile, not an error.
func LoadProjects() (*ProjectsFile, error) {
	return LoadProjectsFrom(ConfigFilePath())
}

// LoadProjectsFrom reads a specific projects YAML file path.
func LoadProjectsFrom(path string) (*ProjectsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProjectsFile{}, nil
		}
		return nil, err
	}
	var pf ProjectsFile
	if err := yamlUnmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &pf, nil
}

// SaveProjects writes the registered-projects YAML document atomically
// (temp file + rename), matching the PID-file write pattern used
// elsewhere in the core for crash-safe persistence.
func SaveProjects(path string, pf *ProjectsFile) error {
	data, err := yamlMarshal(pf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
