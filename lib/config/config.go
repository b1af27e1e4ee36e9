// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the gateway configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Listen   ListenConfig   `yaml:"listen"`
	Logging  LoggingConfig  `yaml:"logging"`
	Identity IdentityConfig `yaml:"identity"`
	Launcher LauncherConfig `yaml:"launcher"`
	Routing  RoutingConfig  `yaml:"routing"`
	Forward  ForwardConfig  `yaml:"forward"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Events   EventsConfig   `yaml:"events"`

	// Per-environment sections. Kept as raw nodes and decoded over the
	// base config, so a section only lists the keys it overrides.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// RunDir holds worker sockets (<run_dir>/pun/<identity>/) and the
	// admin socket. Must be short: socket paths under it are limited
	// to 108 bytes.
	RunDir string `yaml:"run_dir"`

	// StateDir holds the worker state file, the routing staging area,
	// and the audit database.
	StateDir string `yaml:"state_dir"`
}

// ListenConfig configures the gateway's own listeners.
type ListenConfig struct {
	// Address is the TCP address of the public API, normally bound to
	// loopback behind the authenticating front proxy.
	Address string `yaml:"address"`

	// AdminSocket is the unix socket for the admin API. Empty disables
	// it.
	AdminSocket string `yaml:"admin_socket"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// IdentityConfig configures how the verified user name reaches the
// gateway.
type IdentityConfig struct {
	// Header carries the account name set by the authenticating front
	// proxy. Requests without it are rejected.
	Header string `yaml:"header"`
}

// LauncherConfig configures worker process launch.
type LauncherConfig struct {
	// Command is the launch helper (or the node binary itself when
	// RunAsUser is set).
	Command string `yaml:"command"`

	// Args are passed to Command. ${IDENTITY} and ${ENDPOINT} are
	// expanded per launch.
	Args []string `yaml:"args"`

	// RunAsUser makes the gateway switch to the target account itself
	// (setuid/setgid through SysProcAttr.Credential) instead of relying
	// on a privileged helper. Requires the gateway to run as root.
	RunAsUser bool `yaml:"run_as_user"`

	// StartupTimeout bounds the wait for a new worker's socket.
	StartupTimeout Duration `yaml:"startup_timeout"`

	// ReadinessInterval is the socket polling interval during startup.
	ReadinessInterval Duration `yaml:"readiness_interval"`

	// StopGrace is how long a stopped worker has to exit after SIGTERM
	// before it is sent SIGKILL.
	StopGrace Duration `yaml:"stop_grace"`
}

// RoutingConfig configures the reverse proxy routing publisher.
type RoutingConfig struct {
	// ConfigDir is owned by the publisher. The proxy includes
	// <config_dir>/live/*.conf.
	ConfigDir string `yaml:"config_dir"`

	// StagingDir receives candidate bundles for validation. Must be on
	// the same filesystem as ConfigDir so installation is a rename.
	StagingDir string `yaml:"staging_dir"`

	// ValidateCommand checks a candidate. ${CANDIDATE} is the staging
	// directory. Empty disables validation (development only).
	ValidateCommand []string `yaml:"validate_command"`

	// ReloadCommand asks the proxy to reload without dropping
	// connections. Empty disables reloads (development only).
	ReloadCommand []string `yaml:"reload_command"`

	// CommandTimeout bounds each validate and reload invocation.
	CommandTimeout Duration `yaml:"command_timeout"`

	// IdentityVariable is the proxy variable holding the authenticated
	// user, used as the source of the routing map.
	IdentityVariable string `yaml:"identity_variable"`

	// KeepGenerations is how many installed generations are retained
	// for inspection and manual rollback.
	KeepGenerations int `yaml:"keep_generations"`
}

// ForwardConfig configures request forwarding to workers.
type ForwardConfig struct {
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	ResponseTimeout Duration `yaml:"response_timeout"`

	// EnsureOnMiss starts a worker and retries once when a request
	// arrives for a user with no live worker.
	EnsureOnMiss bool `yaml:"ensure_on_miss"`
}

// ReaperConfig configures idle worker reclamation.
type ReaperConfig struct {
	// IdleTimeout stops workers with no forwarded request for this
	// long. Zero disables the reaper.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// Interval is how often the reaper scans.
	Interval Duration `yaml:"interval"`
}

// EventsConfig configures lifecycle event sinks. Both sinks are
// optional and may be combined.
type EventsConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisStream   string `yaml:"redis_stream"`

	// AuditDB is the path of the SQLite lifecycle audit log.
	AuditDB string `yaml:"audit_db"`
}

// Default returns the base configuration the file is decoded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			RunDir:   "/run/atrox",
			StateDir: "/var/lib/atrox",
		},
		Listen: ListenConfig{
			Address:     "127.0.0.1:8080",
			AdminSocket: "${ATROX_RUN_DIR}/admin.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Identity: IdentityConfig{
			Header: "X-Remote-User",
		},
		Launcher: LauncherConfig{
			Command:           "/usr/libexec/atrox/launch-pun",
			Args:              []string{"--user", "${IDENTITY}", "--socket", "${ENDPOINT}"},
			StartupTimeout:    Duration(10 * time.Second),
			ReadinessInterval: Duration(100 * time.Millisecond),
			StopGrace:         Duration(10 * time.Second),
		},
		Routing: RoutingConfig{
			ConfigDir:        "/etc/nginx/atrox",
			StagingDir:       "${ATROX_STATE_DIR}/routing-staging",
			ValidateCommand:  []string{"/usr/libexec/atrox/nginx-check", "${CANDIDATE}"},
			ReloadCommand:    []string{"nginx", "-s", "reload"},
			CommandTimeout:   Duration(30 * time.Second),
			IdentityVariable: "$remote_user",
			KeepGenerations:  3,
		},
		Forward: ForwardConfig{
			ConnectTimeout:  Duration(2 * time.Second),
			ResponseTimeout: Duration(60 * time.Second),
			EnsureOnMiss:    true,
		},
		Reaper: ReaperConfig{
			Interval: Duration(time.Minute),
		},
		Events: EventsConfig{
			RedisStream: "atrox.pun.events",
		},
	}
}

// Load loads the file named by ATROX_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("ATROX_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ATROX_CONFIG environment variable not set; " +
			"set it to the path of your gateway config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, applies the section for the
// configured environment, and expands path variables. It does not
// validate; call Validate.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Staging:
		section = &c.Staging
	case Production:
		section = &c.Production
	}
	if section == nil || section.Kind == 0 {
		return nil
	}
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("%s section: %w", c.Environment, err)
	}
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.RunDir = Expand(c.Paths.RunDir, vars)
	c.Paths.StateDir = Expand(c.Paths.StateDir, vars)
	vars["ATROX_RUN_DIR"] = c.Paths.RunDir
	vars["ATROX_STATE_DIR"] = c.Paths.StateDir

	c.Listen.AdminSocket = Expand(c.Listen.AdminSocket, vars)
	c.Launcher.Command = Expand(c.Launcher.Command, vars)
	c.Routing.ConfigDir = Expand(c.Routing.ConfigDir, vars)
	c.Routing.StagingDir = Expand(c.Routing.StagingDir, vars)
	c.Events.AuditDB = Expand(c.Events.AuditDB, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Expand replaces ${VAR} and ${VAR:-default} in s. Values in vars take
// precedence over the process environment; unknown variables without a
// default expand to the empty string.
func Expand(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ExpandAll applies Expand to every element of args and returns a new
// slice.
func ExpandAll(args []string, vars map[string]string) []string {
	expanded := make([]string, len(args))
	for i, arg := range args {
		expanded[i] = Expand(arg, vars)
	}
	return expanded
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if c.Paths.RunDir == "" {
		errs = append(errs, fmt.Errorf("paths.run_dir is required"))
	} else if !filepath.IsAbs(c.Paths.RunDir) {
		errs = append(errs, fmt.Errorf("paths.run_dir must be absolute: %q", c.Paths.RunDir))
	}
	if c.Paths.StateDir == "" {
		errs = append(errs, fmt.Errorf("paths.state_dir is required"))
	}

	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.Identity.Header == "" {
		errs = append(errs, fmt.Errorf("identity.header is required"))
	}

	if c.Launcher.Command == "" {
		errs = append(errs, fmt.Errorf("launcher.command is required"))
	}
	if !containsPlaceholder(c.Launcher.Args, "${ENDPOINT}") {
		errs = append(errs, fmt.Errorf("launcher.args must pass ${ENDPOINT} to the worker"))
	}
	if c.Launcher.StartupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("launcher.startup_timeout must be positive"))
	}
	if c.Launcher.ReadinessInterval <= 0 {
		errs = append(errs, fmt.Errorf("launcher.readiness_interval must be positive"))
	} else if c.Launcher.ReadinessInterval >= c.Launcher.StartupTimeout {
		errs = append(errs, fmt.Errorf("launcher.readiness_interval must be shorter than launcher.startup_timeout"))
	}
	if c.Launcher.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("launcher.stop_grace must not be negative"))
	}

	if c.Routing.ConfigDir == "" {
		errs = append(errs, fmt.Errorf("routing.config_dir is required"))
	}
	if c.Routing.StagingDir == "" {
		errs = append(errs, fmt.Errorf("routing.staging_dir is required"))
	}
	if c.Routing.ConfigDir != "" && c.Routing.StagingDir != "" &&
		isWithin(c.Routing.StagingDir, filepath.Join(c.Routing.ConfigDir, "live")) {
		errs = append(errs, fmt.Errorf("routing.staging_dir must be outside the live configuration"))
	}
	if c.Routing.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("routing.command_timeout must be positive"))
	}
	if !strings.HasPrefix(c.Routing.IdentityVariable, "$") {
		errs = append(errs, fmt.Errorf("routing.identity_variable must be a proxy variable starting with $"))
	}
	if c.Routing.KeepGenerations < 1 {
		errs = append(errs, fmt.Errorf("routing.keep_generations must be at least 1"))
	}
	if c.Environment == Production {
		if len(c.Routing.ValidateCommand) == 0 {
			errs = append(errs, fmt.Errorf("routing.validate_command is required in production"))
		}
		if len(c.Routing.ReloadCommand) == 0 {
			errs = append(errs, fmt.Errorf("routing.reload_command is required in production"))
		}
	}

	if c.Forward.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("forward.connect_timeout must be positive"))
	}
	if c.Forward.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("forward.response_timeout must be positive"))
	}

	if c.Reaper.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("reaper.idle_timeout must not be negative"))
	}
	if c.Reaper.IdleTimeout > 0 && c.Reaper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reaper.interval must be positive when reaper.idle_timeout is set"))
	}

	if c.Events.RedisAddr != "" && c.Events.RedisStream == "" {
		errs = append(errs, fmt.Errorf("events.redis_stream is required with events.redis_addr"))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level must be one of debug, info, warn, error: %q", l.Level)
	}
	return level, nil
}

// EnsurePaths creates the directories the gateway writes to.
func (c *Config) EnsurePaths() error {
	directories := []struct {
		path string
		mode os.FileMode
	}{
		{c.Paths.RunDir, 0755},
		{filepath.Join(c.Paths.RunDir, "pun"), 0755},
		{c.Paths.StateDir, 0750},
		{c.Routing.StagingDir, 0750},
		{c.Routing.ConfigDir, 0755},
	}
	for _, directory := range directories {
		if directory.path == "" {
			continue
		}
		if err := os.MkdirAll(directory.path, directory.mode); err != nil {
			return fmt.Errorf("creating %s: %w", directory.path, err)
		}
	}
	return nil
}

func containsPlaceholder(args []string, placeholder string) bool {
	for _, arg := range args {
		if strings.Contains(arg, placeholder) {
			return true
		}
	}
	return false
}

// isWithin reports whether path is base or below it.
func isWithin(path, base string) bool {
	relative, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	return relative == "." || (relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator)))
}
