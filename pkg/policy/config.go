package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is where the daemon looks for its configuration.
	DefaultConfigPath = "/etc/rebootpolicyd/config.yaml"
	// DefaultStateDir holds process-durable state such as the retry ledger.
	DefaultStateDir = "/var/lib/rebootpolicyd"
	// DefaultLedgerFileName is the retry ledger file inside the state directory.
	DefaultLedgerFileName = "reboot-ledger"
)

// Config is the runtime configuration for the reboot policy agent.
type Config struct {
	NodeName         string        `yaml:"node_name"`
	Policy           RebootPolicy  `yaml:"policy"`
	StateDir         string        `yaml:"state_dir"`
	LedgerPath       string        `yaml:"ledger_path"`
	CheckIntervalSec int           `yaml:"check_interval_sec"`
	GuardScript      string        `yaml:"guard_script"`
	GuardTimeoutSec  int           `yaml:"guard_timeout_sec"`
	RebootCommand    []string      `yaml:"reboot_command"`
	Windows          WindowsConfig `yaml:"windows"`
	Metrics          MetricsConfig `yaml:"metrics"`
	DryRun           bool          `yaml:"dry_run"`
}

// WindowsConfig enumerates optional allow/deny reboot windows.
type WindowsConfig struct {
	Deny  []string `yaml:"deny"`
	Allow []string `yaml:"allow"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid policy configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.NodeName) == "" {
		problems = append(problems, "node_name is required")
	}
	if strings.TrimSpace(c.Policy.Name) == "" {
		problems = append(problems, "policy.name is required")
	}
	for _, p := range c.Policy.validate() {
		problems = append(problems, "policy."+p)
	}
	if strings.TrimSpace(c.LedgerPath) == "" {
		problems = append(problems, "ledger_path is required")
	}
	if c.CheckIntervalSec <= 0 {
		problems = append(problems, "check_interval_sec must be greater than zero")
	}
	if c.GuardTimeoutSec < 0 {
		problems = append(problems, "guard_timeout_sec must be non-negative")
	}
	if c.GuardScript != "" && !filepath.IsAbs(c.GuardScript) {
		problems = append(problems, "guard_script must be an absolute path")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Policy.applyDefaults()
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = DefaultStateDir
	}
	if strings.TrimSpace(c.LedgerPath) == "" {
		c.LedgerPath = filepath.Join(c.StateDir, DefaultLedgerFileName)
	}
	if c.CheckIntervalSec == 0 {
		c.CheckIntervalSec = 60
	}
	if c.GuardTimeoutSec == 0 {
		c.GuardTimeoutSec = 30
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9114"
	}
}

// CheckInterval returns how long watch mode waits between convergence passes.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// GuardTimeout returns the guard script timeout as a duration.
func (c *Config) GuardTimeout() time.Duration {
	return time.Duration(c.GuardTimeoutSec) * time.Second
}

// BaseEnvironment returns the static environment injected into guard scripts
// and reboot command expansion.
func (c *Config) BaseEnvironment() map[string]string {
	env := map[string]string{
		"RP_NODE_NAME":   c.NodeName,
		"RP_POLICY_NAME": c.Policy.Name,
		"RP_TRIGGER":     string(c.Policy.TriggerMode()),
		"RP_DRY_RUN":     fmt.Sprintf("%t", c.DryRun),
	}
	if strings.TrimSpace(c.LedgerPath) != "" {
		env["RP_LEDGER_PATH"] = c.LedgerPath
	}
	return env
}
