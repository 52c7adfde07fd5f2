package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend types.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendNATS   = "nats"
)

type Config struct {
	Hot           BackendConfig       `yaml:"hot"`
	Cold          BackendConfig       `yaml:"cold"`
	Tiering       TieringConfig       `yaml:"tiering"`
	Journal       JournalConfig       `yaml:"journal"`
	NATS          NATSConfig          `yaml:"nats"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BackendConfig selects and configures one storage backend.
type BackendConfig struct {
	Type string        `yaml:"type"`
	File FileConfig    `yaml:"file"`
	S3   S3Config      `yaml:"s3"`
	NATS NATSObjConfig `yaml:"nats"`
}

type FileConfig struct {
	DataDir string `yaml:"data_dir"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class"`
}

// NATSObjConfig configures a JetStream Object Store backend. The connection
// itself comes from the top-level nats section.
type NATSObjConfig struct {
	BucketPrefix string   `yaml:"bucket_prefix"`
	Replicas     int      `yaml:"replicas"`
	MaxBytes     ByteSize `yaml:"max_bytes"`
	FileStorage  bool     `yaml:"file_storage"`
}

type TieringConfig struct {
	AgeDays         int      `yaml:"age_days"`
	ScanInterval    Duration `yaml:"scan_interval"`
	InitialDelay    Duration `yaml:"initial_delay"`
	ObjectTimeout   Duration `yaml:"object_timeout"`
	DrainOnShutdown bool     `yaml:"drain_on_shutdown"`
	StartupCheck    bool     `yaml:"startup_check"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	NoSync  bool   `yaml:"no_sync"`
	History int    `yaml:"history"`
	// MigrationRetention bounds how long migration records are kept. Zero
	// keeps them forever.
	MigrationRetention Duration `yaml:"migration_retention"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
	JetStreamDomain string    `yaml:"jetstream_domain"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Hot.validate("hot"); err != nil {
		return err
	}
	if err := c.Cold.validate("cold"); err != nil {
		return err
	}
	if c.Hot.overlaps(c.Cold) {
		return fmt.Errorf("hot and cold storage must not overlap")
	}

	if c.Tiering.AgeDays < 0 {
		return fmt.Errorf("tiering.age_days must be >= 0, got %d", c.Tiering.AgeDays)
	}
	if c.Tiering.ScanInterval <= 0 {
		return fmt.Errorf("tiering.scan_interval must be > 0")
	}
	if c.Tiering.InitialDelay < 0 {
		return fmt.Errorf("tiering.initial_delay must be >= 0")
	}
	if c.Tiering.ObjectTimeout <= 0 {
		return fmt.Errorf("tiering.object_timeout must be > 0")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	if c.Journal.MigrationRetention < 0 {
		return fmt.Errorf("journal.migration_retention must be >= 0")
	}

	if c.UsesNATS() && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required for nats backends and the nats responder")
	}

	return nil
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Hot.Type == BackendNATS || c.Cold.Type == BackendNATS || c.API.NATSResponder.Enabled
}

func (b BackendConfig) validate(name string) error {
	switch b.Type {
	case BackendMemory:
	case BackendNATS:
		if b.NATS.BucketPrefix == "" {
			return fmt.Errorf("%s: nats backend requires bucket_prefix", name)
		}
	case BackendFile:
		if b.File.DataDir == "" {
			return fmt.Errorf("%s: file backend requires data_dir", name)
		}
	case BackendS3:
		if b.S3.Endpoint == "" && b.S3.Region == "" {
			return fmt.Errorf("%s: s3 backend requires endpoint or region", name)
		}
		if b.S3.Bucket == "" {
			return fmt.Errorf("%s: s3 backend requires bucket", name)
		}
	case "":
		return fmt.Errorf("%s.type is required", name)
	default:
		return fmt.Errorf("%s: unknown backend type %q", name, b.Type)
	}
	return nil
}

// overlaps reports whether either backend's namespace contains the other's.
// Containers are discovered by listing under the namespace root, so a nested
// namespace would show up as a container of the outer one.
func (b BackendConfig) overlaps(o BackendConfig) bool {
	if b.Type != o.Type {
		return false
	}
	switch b.Type {
	case BackendFile:
		return pathContains(b.File.DataDir, o.File.DataDir) || pathContains(o.File.DataDir, b.File.DataDir)
	case BackendS3:
		if b.S3.Endpoint != o.S3.Endpoint || b.S3.Bucket != o.S3.Bucket {
			return false
		}
		bp, op := keyPrefix(b.S3.Prefix), keyPrefix(o.S3.Prefix)
		return strings.HasPrefix(bp, op) || strings.HasPrefix(op, bp)
	case BackendNATS:
		// Bucket names are the prefix plus the container name.
		bp, op := b.NATS.BucketPrefix, o.NATS.BucketPrefix
		return strings.HasPrefix(bp, op) || strings.HasPrefix(op, bp)
	}
	return false
}

// keyPrefix normalizes an S3 prefix the way the blob backend does.
func keyPrefix(p string) string {
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pathContains reports whether sub is dir or lies below it.
func pathContains(dir, sub string) bool {
	dir, sub = absPath(dir), absPath(sub)
	rel, err := filepath.Rel(dir, sub)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
