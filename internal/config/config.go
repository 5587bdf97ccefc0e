package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrNoWorkflow is returned when neither client workflow is enabled
var ErrNoWorkflow = errors.New("no client applications to run: enable phabricator and/or code_coverage")

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general" yaml:"general"`
	Phabricator   PhabricatorConfig   `toml:"phabricator" yaml:"phabricator"`
	Repository    RepositoryConfig    `toml:"repository" yaml:"repository"`
	Pulse         PulseConfig         `toml:"pulse" yaml:"pulse"`
	Taskcluster   TaskclusterConfig   `toml:"taskcluster" yaml:"taskcluster"`
	Web           WebConfig           `toml:"web" yaml:"web"`
	Monitoring    MonitoringConfig    `toml:"monitoring" yaml:"monitoring"`
	CodeCoverage  CodeCoverageConfig  `toml:"code_coverage" yaml:"code_coverage"`
	Notifications NotificationsConfig `toml:"notifications" yaml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	CacheRoot     string `toml:"cache_root" yaml:"cache_root"`
	DatabasePath  string `toml:"database_path" yaml:"database_path"`
	LogLevel      string `toml:"log_level" yaml:"log_level"`
	LogFormat     string `toml:"log_format" yaml:"log_format"`
	QueueCapacity int    `toml:"queue_capacity" yaml:"queue_capacity"`
	QueueOverflow string `toml:"queue_overflow" yaml:"queue_overflow"`
}

// PhabricatorConfig holds the review system settings. Enabled turns the
// code review workflow on.
type PhabricatorConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	URL     string `toml:"url" yaml:"url"`
	Token   string `toml:"token" yaml:"token"`
	Publish bool   `toml:"publish" yaml:"publish"`
}

// RepositoryConfig describes the clone and the try destination
type RepositoryConfig struct {
	Name        string `toml:"name" yaml:"name"`
	URL         string `toml:"url" yaml:"url"`
	Branch      string `toml:"branch" yaml:"branch"`
	Dir         string `toml:"dir" yaml:"dir"`
	TryURL      string `toml:"try_url" yaml:"try_url"`
	TryBranch   string `toml:"try_branch" yaml:"try_branch"`
	SSHUser     string `toml:"ssh_user" yaml:"ssh_user"`
	SSHKey      string `toml:"ssh_key" yaml:"ssh_key"`
	SSHKeyFile  string `toml:"ssh_key_file" yaml:"ssh_key_file"`
	AuthorName  string `toml:"author_name" yaml:"author_name"`
	AuthorEmail string `toml:"author_email" yaml:"author_email"`
}

// PulseConfig holds broker credentials
type PulseConfig struct {
	URL      string `toml:"url" yaml:"url"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
	Exchange string `toml:"exchange" yaml:"exchange"`
	Topic    string `toml:"topic" yaml:"topic"`
}

// TaskclusterConfig holds Taskcluster API settings
type TaskclusterConfig struct {
	RootURL     string `toml:"root_url" yaml:"root_url"`
	ClientID    string `toml:"client_id" yaml:"client_id"`
	AccessToken string `toml:"access_token" yaml:"access_token"`
}

// WebConfig holds the ingress web server settings
type WebConfig struct {
	Host   string `toml:"host" yaml:"host"`
	Port   int    `toml:"port" yaml:"port"`
	Socket string `toml:"socket" yaml:"socket"`
}

// MonitoringConfig holds task watcher settings
type MonitoringConfig struct {
	Admins   []string `toml:"admins" yaml:"admins"`
	Timeout  string   `toml:"timeout" yaml:"timeout"`
	Schedule string   `toml:"schedule" yaml:"schedule"`
}

// CodeCoverageConfig turns the code coverage workflow on
type CodeCoverageConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	HookID      string `toml:"hook_id" yaml:"hook_id"`
	HookGroupID string `toml:"hook_group_id" yaml:"hook_group_id"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook" yaml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	cacheRoot := filepath.Join(home, ".cache", "pulselistener")
	return &Config{
		General: GeneralConfig{
			CacheRoot:     cacheRoot,
			DatabasePath:  filepath.Join(cacheRoot, "results.db"),
			LogLevel:      "info",
			LogFormat:     "text",
			QueueOverflow: "block",
		},
		Phabricator: PhabricatorConfig{
			URL: "https://phabricator.services.mozilla.com/api/",
		},
		Repository: RepositoryConfig{
			Name:        "mozilla-unified",
			Branch:      "central",
			TryBranch:   "try",
			AuthorName:  "pulselistener",
			AuthorEmail: "pulselistener@localhost",
		},
		Pulse: PulseConfig{
			URL:      "amqps://pulse.mozilla.org:5671",
			Exchange: "exchange/taskcluster-queue/v1/task-group-resolved",
			Topic:    "#",
		},
		Taskcluster: TaskclusterConfig{
			RootURL: "https://firefox-ci-tc.services.mozilla.com",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Monitoring: MonitoringConfig{
			Timeout:  "7h",
			Schedule: "@every 1m",
		},
		CodeCoverage: CodeCoverageConfig{
			HookGroupID: "project-releng",
		},
	}
}

// Load reads configuration from a TOML or YAML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.expand()
			return cfg, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.expand()
	return cfg, nil
}

func (c *Config) expand() {
	c.General.CacheRoot = ExpandPath(c.General.CacheRoot)
	c.General.DatabasePath = ExpandPath(c.General.DatabasePath)
	c.Repository.Dir = ExpandPath(c.Repository.Dir)
	c.Repository.SSHKeyFile = ExpandPath(c.Repository.SSHKeyFile)
	if c.Repository.Dir == "" {
		c.Repository.Dir = filepath.Join(c.General.CacheRoot, c.Repository.Name)
	}
	if c.Web.Socket == "" {
		c.Web.Socket = filepath.Join(c.General.CacheRoot, "web.sock")
	}
}

// Validate refuses partial configurations. The process must not start
// when it returns an error.
func (c *Config) Validate() error {
	if !c.Phabricator.Enabled && !c.CodeCoverage.Enabled {
		return ErrNoWorkflow
	}

	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	if c.Phabricator.Enabled {
		require("phabricator.url", c.Phabricator.URL)
		require("phabricator.token", c.Phabricator.Token)
		require("repository.url", c.Repository.URL)
		require("repository.try_url", c.Repository.TryURL)
	}
	if c.CodeCoverage.Enabled {
		require("pulse.user", c.Pulse.User)
		require("pulse.password", c.Pulse.Password)
		require("code_coverage.hook_id", c.CodeCoverage.HookID)
		require("taskcluster.root_url", c.Taskcluster.RootURL)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if _, err := c.Monitoring.TimeoutDuration(); err != nil {
		return err
	}
	switch c.General.QueueOverflow {
	case "", "block", "drop-oldest":
	default:
		return fmt.Errorf("general.queue_overflow: unknown policy %q", c.General.QueueOverflow)
	}
	if c.General.QueueCapacity < 0 {
		return fmt.Errorf("general.queue_capacity must not be negative")
	}
	return nil
}

// TimeoutDuration parses the monitoring timeout
func (m MonitoringConfig) TimeoutDuration() (time.Duration, error) {
	if m.Timeout == "" {
		return 7 * time.Hour, nil
	}
	d, err := time.ParseDuration(m.Timeout)
	if err != nil {
		return 0, fmt.Errorf("monitoring.timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("monitoring.timeout must be positive")
	}
	return d, nil
}

// SSHKeyMaterial returns the inline key or reads the key file
func (r RepositoryConfig) SSHKeyMaterial() ([]byte, error) {
	if r.SSHKey != "" {
		return []byte(r.SSHKey), nil
	}
	if r.SSHKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.SSHKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	return data, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pulselistener", "config.toml")
}

// LocalConfigName is the per-directory config file looked up by FindLocalConfig
const LocalConfigName = ".pulselistener.toml"

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName. It returns "" when none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ResolvePath picks the explicit path, then a local config, then the default
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if local := FindLocalConfig(); local != "" {
		return local
	}
	return DefaultConfigPath()
}

// LoadWithLocalFallback loads the config found by ResolvePath
func LoadWithLocalFallback(explicit string) (*Config, error) {
	return Load(ResolvePath(explicit))
}
