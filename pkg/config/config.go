package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default file locations, matching the paths used by packaged installs
const (
	DefaultRBLFile = "/etc/rbl-policyd.conf"
	DefaultPIDFile = "/var/run/rblpolicyd.pid"
)

// Config holds the daemon configuration
type Config struct {
	// Listening socket and worker pool
	Server ServerConfig `yaml:"server"`

	// Weighted blocklist table (<domain> <weight> lines)
	RBLFile string `yaml:"rbl_file"`

	// Pid file used to refuse a second running instance
	PIDFile string `yaml:"pid_file"`

	Reload ReloadConfig `yaml:"reload"`

	Resolver ResolverConfig `yaml:"resolver"`

	// Clients matching any of these rules are answered DUNNO without lookups
	Exemptions []ExemptionRule `yaml:"exemptions"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener and worker pool settings
type ServerConfig struct {
	// "/path" for a UNIX socket, "host/port" or a bare port for TCP
	Listen            string        `yaml:"listen"`
	MaxWorkers        int           `yaml:"max_workers"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadChunkSize     int           `yaml:"read_chunk_size"`
	MaxRequestSize    int           `yaml:"max_request_size"`
	AdmissionRetries  int           `yaml:"admission_retries"`
	AdmissionInterval time.Duration `yaml:"admission_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// maxWorkersSet records an explicit max_workers: 0, which disables pooling
	maxWorkersSet bool
}

// UnmarshalYAML keeps track of whether max_workers was given, so that an
// explicit zero is not replaced by the default
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ServerConfig
	if err := value.Decode((*plain)(s)); err != nil {
		return err
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "max_workers" {
			s.maxWorkersSet = true
		}
	}
	return nil
}

// SetMaxWorkers overrides the worker pool size (0 runs requests inline)
func (s *ServerConfig) SetMaxWorkers(n int) {
	s.MaxWorkers = n
	s.maxWorkersSet = true
}

// ReloadConfig holds settings of the table reload protocol
type ReloadConfig struct {
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	// Reload automatically when the RBL file changes on disk
	Watch bool `yaml:"watch"`
}

// ResolverConfig holds DNS client settings for blocklist lookups
type ResolverConfig struct {
	// host:port pairs; empty means the servers from ResolvConf
	Upstreams  []string      `yaml:"upstreams"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	ResolvConf string        `yaml:"resolv_conf"`
}

// ExemptionRule is an expression evaluated against the client address
type ExemptionRule struct {
	Name  string `yaml:"name"`
	Logic string `yaml:"logic"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads and validates the configuration from a YAML file
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Read parses path and applies defaults without validating, so that
// command line overrides can be applied before Validate
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults.
// The listening endpoint has no default and must be set before Validate.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.MaxWorkers == 0 && !c.Server.maxWorkersSet {
		c.Server.MaxWorkers = 10
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.ReadChunkSize == 0 {
		c.Server.ReadChunkSize = 1024
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 64 * 1024
	}
	if c.Server.AdmissionRetries == 0 {
		c.Server.AdmissionRetries = 20
	}
	if c.Server.AdmissionInterval == 0 {
		c.Server.AdmissionInterval = 100 * time.Millisecond
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.RBLFile == "" {
		c.RBLFile = DefaultRBLFile
	}
	if c.PIDFile == "" {
		c.PIDFile = DefaultPIDFile
	}

	// Reload defaults
	if c.Reload.DrainTimeout == 0 {
		c.Reload.DrainTimeout = 100 * time.Second
	}
	if c.Reload.DrainInterval == 0 {
		c.Reload.DrainInterval = 250 * time.Millisecond
	}

	// Resolver defaults
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = 2 * time.Second
	}
	if c.Resolver.Retries == 0 {
		c.Resolver.Retries = 2
	}
	if c.Resolver.ResolvConf == "" {
		c.Resolver.ResolvConf = "/etc/resolv.conf"
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "rbl-policyd"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen cannot be empty")
	}
	if c.Server.MaxWorkers < 0 {
		return fmt.Errorf("server.max_workers must not be negative, got %d", c.Server.MaxWorkers)
	}
	if c.Server.ReadChunkSize <= 0 {
		return fmt.Errorf("server.read_chunk_size must be positive, got %d", c.Server.ReadChunkSize)
	}
	if c.Server.MaxRequestSize < c.Server.ReadChunkSize {
		return fmt.Errorf("server.max_request_size (%d) must be at least read_chunk_size (%d)",
			c.Server.MaxRequestSize, c.Server.ReadChunkSize)
	}
	if c.Server.AdmissionRetries < 0 {
		return fmt.Errorf("server.admission_retries must not be negative")
	}

	if c.RBLFile == "" {
		return fmt.Errorf("rbl_file cannot be empty")
	}

	if c.Reload.DrainInterval > c.Reload.DrainTimeout {
		return fmt.Errorf("reload.drain_interval (%s) exceeds reload.drain_timeout (%s)",
			c.Reload.DrainInterval, c.Reload.DrainTimeout)
	}

	if c.Resolver.Retries < 1 {
		return fmt.Errorf("resolver.retries must be at least 1")
	}

	for i, rule := range c.Exemptions {
		if rule.Name == "" {
			return fmt.Errorf("exemptions[%d]: name cannot be empty", i)
		}
		if rule.Logic == "" {
			return fmt.Errorf("exemption %q: logic cannot be empty", rule.Name)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.Telemetry.PrometheusEnabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		return fmt.Errorf("invalid telemetry.prometheus_port: %d", c.Telemetry.PrometheusPort)
	}

	return nil
}
