package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"calsync/internal/fsutil"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// BucketConfig sizes one token bucket.
type BucketConfig struct {
	MaxTokens       int     `yaml:"max_tokens"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

type RateLimitConfig struct {
	CalendarAPI BucketConfig `yaml:"calendar_api"`
	EventList   BucketConfig `yaml:"event_list"`
	ICS         BucketConfig `yaml:"ics"`
	Webhook     BucketConfig `yaml:"webhook"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      time.Duration `yaml:"jitter"`
}

type BreakerConfig struct {
	Threshold  int           `yaml:"threshold"`
	ResetAfter time.Duration `yaml:"reset_after"`
}

// WindowConfig is the day range synced around today.
type WindowConfig struct {
	PastDays   int `yaml:"past_days"`
	FutureDays int `yaml:"future_days"`
	// MaxDays caps PastDays+FutureDays.
	MaxDays int `yaml:"max_days"`
}

type CacheConfig struct {
	EventTTL    time.Duration `yaml:"event_ttl"`
	MetadataTTL time.Duration `yaml:"metadata_ttl"`
	MaxEntries  int           `yaml:"max_entries"`
}

type SnapshotConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	SQLite  string `yaml:"sqlite_path"`
	// RefreshCycles re-persists an unchanged snapshot after this many cycles.
	RefreshCycles int `yaml:"refresh_cycles"`
}

type HealthConfig struct {
	Schedule             string        `yaml:"schedule"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	LockTimeout          time.Duration `yaml:"lock_timeout"`
}

type GoogleConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
}

type ICSConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	MaxOccurrences int           `yaml:"max_occurrences"`
	// AllowPrivate disables the SSRF guard, for feeds on a LAN.
	AllowPrivate bool `yaml:"allow_private"`
}

type NotifyConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	WebhookURL    string        `yaml:"webhook_url"`
	AlertURL      string        `yaml:"alert_webhook_url"`
	AlertCooldown time.Duration `yaml:"alert_cooldown"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level engine configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen"`

	// TenantsFile lists the calendar sources per tenant. It is re-read on
	// every sync tick when its modification time changes.
	TenantsFile string `yaml:"tenants_file"`

	// SyncSchedule is a cron spec, e.g. "@every 1m".
	SyncSchedule  string        `yaml:"sync_schedule"`
	MaxConcurrent int           `yaml:"max_concurrent_groups"`
	CycleTimeout  time.Duration `yaml:"cycle_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	Window     WindowConfig    `yaml:"window"`
	Cache      CacheConfig     `yaml:"cache"`
	Snapshot   SnapshotConfig  `yaml:"snapshot"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Retry      RetryConfig     `yaml:"retry"`
	Breaker    BreakerConfig   `yaml:"breaker"`
	Health     HealthConfig    `yaml:"health"`
	Google     GoogleConfig    `yaml:"google"`
	ICS        ICSConfig       `yaml:"ics"`
	Notify     NotifyConfig    `yaml:"notify"`
	Log        LogConfig       `yaml:"log"`

	// CORSOrigins lets a browser dashboard on another origin read the API.
	CORSOrigins []string `yaml:"cors_allowed_origins,omitempty"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values so partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.TenantsFile == "" {
		c.TenantsFile = "/etc/calsync/tenants.yaml"
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = "@every 1m"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}

	if c.Window.PastDays <= 0 {
		c.Window.PastDays = 30
	}
	if c.Window.FutureDays <= 0 {
		c.Window.FutureDays = 90
	}
	if c.Window.MaxDays <= 0 {
		c.Window.MaxDays = 120
	}
	// Trim the future side first so recent history stays in view.
	if over := c.Window.PastDays + c.Window.FutureDays - c.Window.MaxDays; over > 0 {
		cut := min(over, c.Window.FutureDays)
		c.Window.FutureDays -= cut
		c.Window.PastDays -= over - cut
	}

	if c.Cache.EventTTL <= 0 {
		c.Cache.EventTTL = 3 * time.Minute
	}
	if c.Cache.MetadataTTL <= 0 {
		c.Cache.MetadataTTL = time.Hour
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1024
	}

	switch c.Snapshot.Backend {
	case "file", "sqlite":
	default:
		c.Snapshot.Backend = "file"
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = "/var/lib/calsync/snapshots"
	}
	if c.Snapshot.SQLite == "" {
		c.Snapshot.SQLite = "/var/lib/calsync/calsync.db"
	}
	if c.Snapshot.RefreshCycles < 0 {
		c.Snapshot.RefreshCycles = 0
	}

	defaultBucket(&c.RateLimits.CalendarAPI, 10, 2)
	defaultBucket(&c.RateLimits.EventList, 5, 0.5)
	defaultBucket(&c.RateLimits.ICS, 10, 1)
	defaultBucket(&c.RateLimits.Webhook, 5, 1)

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = time.Second
	}

	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 10
	}
	if c.Breaker.ResetAfter <= 0 {
		c.Breaker.ResetAfter = 30 * time.Minute
	}

	if c.Health.Schedule == "" {
		c.Health.Schedule = "@every 10m"
	}
	if c.Health.MaxConsecutiveErrors <= 0 {
		c.Health.MaxConsecutiveErrors = 5
	}
	if c.Health.LockTimeout <= 0 {
		c.Health.LockTimeout = time.Hour
	}

	if c.ICS.Timeout <= 0 {
		c.ICS.Timeout = 10 * time.Second
	}
	if c.ICS.MaxBodyBytes <= 0 {
		c.ICS.MaxBodyBytes = 10 << 20
	}
	if c.ICS.MaxOccurrences <= 0 {
		c.ICS.MaxOccurrences = 5000
	}

	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = 256
	}
	if c.Notify.AlertCooldown <= 0 {
		c.Notify.AlertCooldown = 15 * time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func defaultBucket(b *BucketConfig, max int, refill float64) {
	if b.MaxTokens <= 0 {
		b.MaxTokens = max
	}
	if b.RefillPerSecond <= 0 {
		b.RefillPerSecond = refill
	}
}

// ApplyEnv overrides secrets and deployment paths from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = v
	}
	if v := getenv("CALSYNC_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := getenv("CALSYNC_ALERT_WEBHOOK_URL"); v != "" {
		c.Notify.AlertURL = v
	}
	if v := getenv("CALSYNC_TENANTS_FILE"); v != "" {
		c.TenantsFile = v
	}
	if v := getenv("CALSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read and defaults are filled in.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
