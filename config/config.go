// Package config holds the TOML configuration for the sieved delivery agent.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds PostgreSQL configuration for the mailbox store,
// duplicate ledger and addressbook.
type DatabaseConfig struct {
	Host       string `toml:"host"`
	Port       string `toml:"port"`
	User       string `toml:"user"`
	Password   string `toml:"password"`
	Name       string `toml:"name"`
	TLSMode    bool   `toml:"tls"`
	LogQueries bool   `toml:"log_queries"`
}

// LocalLedgerConfig holds the standalone SQLite duplicate ledger
// configuration, used when no PostgreSQL database is configured.
type LocalLedgerConfig struct {
	Path string `toml:"path"`
}

// S3Config holds optional S3 configuration for message body storage.
type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseTLS    bool   `toml:"tls"`
	Trace     bool   `toml:"trace"`
}

// LMTPServerConfig holds the LMTP listener configuration.
type LMTPServerConfig struct {
	Start   bool   `toml:"start"`
	Addr    string `toml:"addr"`
	MaxSize int64  `toml:"max_size"`
}

// SubmissionConfig holds the outbound SMTP transport configuration used for
// redirects, bounces and vacation responses.
type SubmissionConfig struct {
	Host        string `toml:"host"`
	UseTLS      bool   `toml:"tls"`
	UseStartTLS bool   `toml:"starttls"`
	TLSVerify   bool   `toml:"tls_verify"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// SRSConfig holds sender rewriting configuration for redirected mail.
// Rewriting is disabled unless a domain and secret are set.
type SRSConfig struct {
	Domain string `toml:"domain"`
	Secret string `toml:"secret"`
}

// SieveConfig holds the script location and action policy configuration.
type SieveConfig struct {
	// Dir is the root of the hashed script directory tree.
	Dir string `toml:"dir"`
	// FullDirHash selects the wider directory hash fanout.
	FullDirHash bool `toml:"full_dir_hash"`
	// UseLMTPReject enables inline protocol-level rejection for plain
	// (non-:reject-extended) reject actions with ASCII reasons.
	UseLMTPReject bool `toml:"use_lmtp_reject"`
	// AnySieveFolder allows fileinto to autocreate any missing folder.
	AnySieveFolder bool `toml:"any_sieve_folder"`
	// AutocreateFolders lists folder names fileinto may autocreate.
	AutocreateFolders []string `toml:"autocreate_folders"`
	// Notifier names the notification method used for "default".
	Notifier string `toml:"notifier"`
	// VacationMinResponse and VacationMaxResponse bound the :days window.
	VacationMinResponse string `toml:"vacation_min_response"`
	VacationMaxResponse string `toml:"vacation_max_response"`
	// DuplicateMaxExpiration caps duplicate-track expirations.
	DuplicateMaxExpiration string `toml:"duplicate_max_expiration"`
	// AuditLog enables per-action audit log lines.
	AuditLog bool `toml:"audit_log"`
	// Postmaster is the From address used on rejection bounces.
	Postmaster string `toml:"postmaster"`
}

// HTTPConfig holds the metrics/health endpoint configuration.
type HTTPConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
}

// Config holds all configuration for the delivery agent.
type Config struct {
	Hostname    string            `toml:"hostname"`
	Logging     LoggingConfig     `toml:"logging"`
	Database    DatabaseConfig    `toml:"database"`
	LocalLedger LocalLedgerConfig `toml:"local_ledger"`
	S3          S3Config          `toml:"s3"`
	LMTP        LMTPServerConfig  `toml:"lmtp"`
	Submission  SubmissionConfig  `toml:"submission"`
	SRS         SRSConfig         `toml:"srs"`
	Sieve       SieveConfig       `toml:"sieve"`
	HTTP        HTTPConfig        `toml:"http"`
}

// NewDefaultConfig returns a config with workable defaults.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		LMTP: LMTPServerConfig{
			Addr:    ":24",
			MaxSize: 50 * 1024 * 1024,
		},
		Submission: SubmissionConfig{
			UseTLS:    false,
			TLSVerify: true,
		},
		Sieve: SieveConfig{
			Dir:                 "/var/lib/sieved/sieve",
			UseLMTPReject:       true,
			VacationMinResponse: "24h",
			VacationMaxResponse: "744h", // 31 days
		},
		HTTP: HTTPConfig{
			Addr: "localhost:9090",
		},
	}
}

// Load reads and decodes the TOML file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "WARNING: unknown config keys: %s\n", strings.Join(keys, ", "))
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return cfg, nil
}

// VacationMin returns the parsed minimum vacation response window.
func (c *SieveConfig) VacationMin() time.Duration {
	return parseDurationDefault(c.VacationMinResponse, 24*time.Hour)
}

// VacationMax returns the parsed maximum vacation response window.
func (c *SieveConfig) VacationMax() time.Duration {
	return parseDurationDefault(c.VacationMaxResponse, 31*24*time.Hour)
}

// DuplicateMax returns the parsed duplicate-track expiration cap.
// Zero means uncapped.
func (c *SieveConfig) DuplicateMax() time.Duration {
	return parseDurationDefault(c.DuplicateMaxExpiration, 0)
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
