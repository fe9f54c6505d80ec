// Package config loads the run configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nmslite/fleetinv/internal/faults"
)

// Config is the immutable run configuration. It is passed by value or pointer into
// constructors; nothing reads it from a package-level variable.
type Config struct {
	Credentials Credentials     `yaml:"credentials"`
	Subnet      SubnetConfig    `yaml:"subnet"`
	Execution   ExecutionConfig `yaml:"execution"`
	Module      ModuleSettings  `yaml:"module_settings"`
	Output      OutputSettings  `yaml:"output_settings"`
	Logging     LoggingConfig   `yaml:"logging"`
	Store       StoreConfig     `yaml:"store"`
	Status      StatusConfig    `yaml:"status"`
}

// Credentials is the fixed credential set used against every host in a run.
type Credentials struct {
	Username       string `yaml:"username" validate:"required"`
	Password       string `yaml:"password"`
	Domain         string `yaml:"domain,omitempty"`
	UseHTTPS       bool   `yaml:"use_https"`
	Insecure       bool   `yaml:"insecure"`
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`
}

// SubnetConfig describes a single /24-style sweep: {BaseSubnet}.{StartIP..EndIP}.
type SubnetConfig struct {
	BaseSubnet string `yaml:"base_subnet" validate:"required"`
	StartIP    int    `yaml:"start_ip" validate:"min=1,max=254"`
	EndIP      int    `yaml:"end_ip" validate:"min=1,max=254"`
}

type ExecutionConfig struct {
	ConnectionTimeoutSeconds int      `yaml:"connection_timeout_seconds" validate:"min=1"`
	MaxConcurrentJobs        int      `yaml:"max_concurrent_jobs" validate:"min=1,max=1024"`
	RetryCount               int      `yaml:"retry_count" validate:"min=0,max=20"`
	RetryBackoffSeconds      int      `yaml:"retry_backoff_seconds" validate:"min=0"`
	ExecutionTimeoutMinutes  int      `yaml:"execution_timeout_minutes" validate:"min=1"`
	Transport                string   `yaml:"transport" validate:"oneof=winrm ssh"`
	WinRMPort                int      `yaml:"winrm_port" validate:"min=1,max=65535"`
	SSHPort                  int      `yaml:"ssh_port" validate:"min=1,max=65535"`
	Protocols                []string `yaml:"protocols" validate:"min=1,dive,oneof=icmp smb rdp winrm"`
	DetectHostType           bool     `yaml:"detect_host_type"`
	ClassifyTimeoutSeconds   int      `yaml:"classify_timeout_seconds" validate:"min=1"`
	ProgressInterval         int      `yaml:"progress_interval" validate:"min=1"`
}

type ModuleSettings struct {
	LocalPayloadPath string `yaml:"local_payload_path" validate:"required"`
	RemoteTempPath   string `yaml:"remote_temp_path" validate:"required"`
	EntryPoint       string `yaml:"entry_point" validate:"required"`
}

type OutputSettings struct {
	OutputDirectory         string `yaml:"output_directory" validate:"required"`
	CreateTimestampedFolder bool   `yaml:"create_timestamped_folder"`
	ValidateJSONFiles       bool   `yaml:"validate_json_files"`
	ScanResultsFile         string `yaml:"scan_results_file"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// StoreConfig selects the optional run-history database. An empty driver disables it.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_with=Driver"`
}

// StatusConfig enables the read-only status API when ListenAddr is set.
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

// Default returns a configuration with every optional field populated.
func Default() Config {
	return Config{
		Execution: ExecutionConfig{
			ConnectionTimeoutSeconds: 2,
			MaxConcurrentJobs:        50,
			RetryCount:               3,
			RetryBackoffSeconds:      5,
			ExecutionTimeoutMinutes:  10,
			Transport:                "winrm",
			WinRMPort:                5985,
			SSHPort:                  22,
			Protocols:                []string{"icmp", "smb", "rdp", "winrm"},
			DetectHostType:           true,
			ClassifyTimeoutSeconds:   15,
			ProgressInterval:         10,
		},
		Module: ModuleSettings{
			EntryPoint: "invagent.exe",
		},
		Output: OutputSettings{
			ScanResultsFile: "scan_results.csv",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from file, applies environment variable overrides and validates it.
// Every failure is a faults.KindConfig error.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, faults.New(faults.KindConfig, "", "load config", fmt.Errorf("failed to read config file: %w", err))
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default(), applies env overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, faults.New(faults.KindConfig, "", "load config", fmt.Errorf("failed to parse config file: %w", err))
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, faults.New(faults.KindConfig, "", "load config", fmt.Errorf("config validation failed: %w", err))
	}

	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}

	if err := ValidatePrefix(c.Subnet.BaseSubnet); err != nil {
		return err
	}
	if c.Subnet.StartIP > c.Subnet.EndIP {
		return fmt.Errorf("subnet.start_ip (%d) must be <= subnet.end_ip (%d)", c.Subnet.StartIP, c.Subnet.EndIP)
	}

	if c.Execution.Transport == "winrm" && c.Credentials.Password == "" {
		return errors.New("credentials.password is required for the winrm transport")
	}
	if c.Execution.Transport == "ssh" && c.Credentials.Password == "" && c.Credentials.PrivateKeyFile == "" {
		return errors.New("either credentials.password or credentials.private_key_file is required for ssh")
	}

	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Status.ListenAddr != "" && !isLoopbackAddr(c.Status.ListenAddr) {
		return fmt.Errorf("status.listen_addr %q must bind a loopback address", c.Status.ListenAddr)
	}

	return nil
}

// isLoopbackAddr reports whether hostport names localhost or a loopback IP. An empty
// host would listen on every interface.
func isLoopbackAddr(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}

// ValidatePrefix accepts exactly three dotted decimal octets, e.g. "10.0.0".
func ValidatePrefix(prefix string) error {
	parts := strings.Split(prefix, ".")
	if len(parts) != 3 {
		return fmt.Errorf("base_subnet %q must have three octets (e.g. 192.168.1)", prefix)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || p != strconv.Itoa(n) {
			return fmt.Errorf("base_subnet %q has invalid octet %q", prefix, p)
		}
	}
	return nil
}

// applyEnvOverrides checks for environment variables with FLEETINV_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETINV_CREDENTIALS_USERNAME"); v != "" {
		cfg.Credentials.Username = v
	}
	if v := os.Getenv("FLEETINV_CREDENTIALS_PASSWORD"); v != "" {
		cfg.Credentials.Password = v
	}
	if v := os.Getenv("FLEETINV_SUBNET_BASE"); v != "" {
		cfg.Subnet.BaseSubnet = v
	}
	if v := os.Getenv("FLEETINV_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLEETINV_EXECUTION_MAX_CONCURRENT_JOBS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Execution.MaxConcurrentJobs)
	}
}

// ConnectionTimeout returns the per-probe and per-connect timeout
func (e *ExecutionConfig) ConnectionTimeout() time.Duration {
	return time.Duration(e.ConnectionTimeoutSeconds) * time.Second
}

// ClassifyTimeout bounds the host-type inspection of one host
func (e *ExecutionConfig) ClassifyTimeout() time.Duration {
	return time.Duration(e.ClassifyTimeoutSeconds) * time.Second
}

// RetryBackoff returns the fixed sleep between connection attempts
func (e *ExecutionConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffSeconds) * time.Second
}

// ExecutionTimeout returns the wall-clock budget for the remote probe run
func (e *ExecutionConfig) ExecutionTimeout() time.Duration {
	return time.Duration(e.ExecutionTimeoutMinutes) * time.Minute
}

// RemotePort returns the remote management port for the configured transport
func (e *ExecutionConfig) RemotePort() int {
	if e.Transport == "ssh" {
		return e.SSHPort
	}
	return e.WinRMPort
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	example := Default()
	example.Credentials = Credentials{
		Username: "inventory",
		Password: "changeme",
		Domain:   "CORP",
	}
	example.Subnet = SubnetConfig{BaseSubnet: "192.168.1", StartIP: 1, EndIP: 254}
	example.Module.LocalPayloadPath = "./payload"
	example.Module.RemoteTempPath = `C:\Windows\Temp\fleetinv`
	example.Output.OutputDirectory = "./results"
	example.Output.CreateTimestampedFolder = true
	example.Output.ValidateJSONFiles = true
	example.Logging.FilePath = "./logs/fleetinv.log"
	example.Store = StoreConfig{Driver: "sqlite", DSN: "./results/history.db"}
	example.Status = StatusConfig{ListenAddr: "127.0.0.1:8089"}

	var node yaml.Node
	if err := node.Encode(example); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# fleetinv example configuration
# =============================================================================
# Environment variable overrides follow the pattern: FLEETINV_<SECTION>_<KEY>
# Example: FLEETINV_CREDENTIALS_PASSWORD, FLEETINV_SUBNET_BASE
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	return nil
}
