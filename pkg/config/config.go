// Package config loads the worker's configuration from command-line
// flags, environment variables (prefix DEADLINE_WORKER_), and a YAML
// config file, in that precedence order, using viper the way the
// rest of the ecosystem layers CLI/env/file configuration.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "DEADLINE_WORKER"

// Config is the fully resolved worker configuration (§6).
type Config struct {
	FarmID  string `mapstructure:"farm_id"`
	FleetID string `mapstructure:"fleet_id"`
	Profile string `mapstructure:"profile"`

	NoShutdown            bool   `mapstructure:"no_shutdown"`
	Impersonation         bool   `mapstructure:"impersonation"`
	PosixJobUser          string `mapstructure:"posix_job_user"`
	WindowsJobUser        string `mapstructure:"windows_job_user"`
	AllowInstanceProfile  bool   `mapstructure:"allow_ec2_instance_profile"`
	CleanupUserProcesses  bool   `mapstructure:"cleanup_session_user_processes"`
	WorkerLogsDir         string `mapstructure:"worker_logs_dir"`
	WorkerPersistenceDir  string `mapstructure:"worker_persistence_dir"`
	LocalSessionLogs      bool   `mapstructure:"local_session_logs"`
	Verbose               bool   `mapstructure:"verbose"`
	ShutdownOnStop        bool   `mapstructure:"shutdown_on_stop"`

	Capabilities Capabilities `mapstructure:"capabilities"`
}

// Capabilities is the worker's declared capability set sent on
// register/update.
type Capabilities struct {
	Amounts    map[string]float64   `mapstructure:"amounts"`
	Attributes map[string][]string  `mapstructure:"attributes"`
}

// capabilityName matches "(<vendor>:)?<segment>.<name>" with
// segment in {amount, attr} and name one or more dot-separated parts
// (e.g. "amount.worker.vcpu") (§6 "Capability declaration").
var capabilityName = regexp.MustCompile(`^([A-Za-z0-9_-]+:)?(amount|attr)(\.[A-Za-z0-9_-]+)+$`)

// Load builds a Config from flags, environment, and an optional config
// file, applying CLI > env > file precedence.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	v.SetDefault("impersonation", true)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants: required identifiers and the
// capability-name grammar.
func Validate(cfg Config) error {
	if cfg.FarmID == "" || cfg.FleetID == "" {
		return fmt.Errorf("config: farm_id and fleet_id are required")
	}
	for name := range cfg.Capabilities.Amounts {
		if !capabilityName.MatchString(name) {
			return fmt.Errorf("config: invalid capability amount name %q", name)
		}
	}
	for name := range cfg.Capabilities.Attributes {
		if !capabilityName.MatchString(name) {
			return fmt.Errorf("config: invalid capability attribute name %q", name)
		}
	}
	for name, amount := range cfg.Capabilities.Amounts {
		if amount < 0 {
			return fmt.Errorf("config: capability amount %q must be non-negative", name)
		}
	}
	return nil
}
