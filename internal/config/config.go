package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tuning values applied when the document leaves a field unset.
const (
	defaultBatchSize    = 1000
	defaultMaxWorkers   = 4
	defaultBatchTimeout = 5 * time.Minute
	defaultMaxAttempts  = 3
	defaultBaseDelay    = 2 * time.Second
	defaultMaxDelay     = 8 * time.Second

	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute

	defaultStateDriver = "sqlite"
	defaultStatePath   = "data/syncline.db"
	defaultLockFile    = "/tmp/syncline.lock"
	defaultEventsTopic = "syncline-events"
)

// Configuration loading errors. All of them mean the process must stop
// before any database is touched.
var (
	// ErrConfigRead is returned when the configuration file cannot be read.
	ErrConfigRead = errors.New("cannot read config file")

	// ErrConfigParse is returned when the configuration file is not valid YAML.
	ErrConfigParse = errors.New("cannot parse config file")

	// ErrInvalidConfig is returned when a configuration value fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

type (
	// Config is the root runtime configuration document.
	Config struct {
		Source    SourceConfig    `yaml:"source"`
		Target    DBConfig        `yaml:"target"`
		State     StateConfig     `yaml:"state"`
		Sync      SyncConfig      `yaml:"sync"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		Schedules []ScheduleEntry `yaml:"schedules"`
		Events    EventsConfig    `yaml:"events"`

		// MappingsFile points at a separate table mapping document; Tables
		// holds mappings inline. Exactly one of the two must be used.
		MappingsFile string         `yaml:"mappings_file"`
		Tables       []TableMapping `yaml:"tables"`

		// dir is the directory the config file was loaded from, so relative
		// paths inside the document resolve against the document itself.
		dir string
	}

	// DBConfig holds a database connection with pool tuning.
	DBConfig struct {
		DSN             string   `yaml:"dsn"`
		MaxOpenConns    int      `yaml:"max_open_conns"`
		MaxIdleConns    int      `yaml:"max_idle_conns"`
		ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	}

	// SourceConfig is the source database connection plus read throttling.
	// RateLimit is batch reads per second; zero disables throttling.
	SourceConfig struct {
		DBConfig  `yaml:",inline"`
		RateLimit float64 `yaml:"rate_limit"`
		RateBurst int     `yaml:"rate_burst"`
	}

	// StateConfig selects the checkpoint/failure store backend.
	StateConfig struct {
		Driver string `yaml:"driver"` // sqlite, postgres, or memory
		Path   string `yaml:"path"`   // sqlite database file
		DSN    string `yaml:"dsn"`    // postgres backend; falls back to target.dsn
	}

	// SyncConfig tunes the batch pipeline.
	SyncConfig struct {
		BatchSize    int         `yaml:"batch_size"`
		MaxWorkers   int         `yaml:"max_workers"`
		BatchTimeout Duration    `yaml:"batch_timeout"`
		Retry        RetryConfig `yaml:"retry"`
	}

	// RetryConfig bounds transient-error retries.
	RetryConfig struct {
		MaxAttempts int      `yaml:"max_attempts"`
		BaseDelay   Duration `yaml:"base_delay"`
		MaxDelay    Duration `yaml:"max_delay"`
	}

	// SchedulerConfig holds the run lock location.
	SchedulerConfig struct {
		LockFile string `yaml:"lock_file"`
	}

	// ScheduleEntry is one recurring trigger in the schedule document.
	ScheduleEntry struct {
		ID       string   `yaml:"id"`
		Cron     string   `yaml:"cron"`
		Tables   []string `yaml:"tables"`
		FullSync bool     `yaml:"full_sync"`
		Enabled  *bool    `yaml:"enabled"`
	}

	// EventsConfig configures the lifecycle event emitter. An empty broker
	// list disables emission.
	EventsConfig struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	}
)

// Duration wraps time.Duration so documents can write "2s" or "5m".
// Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %w", ErrConfigParse, s, err)
		}

		*d = Duration(dur)

		return nil
	}

	var secs int64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("%w: duration at line %d", ErrConfigParse, node.Line)
	}

	*d = Duration(time.Duration(secs) * time.Second)

	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// envPattern matches ${VAR} and ${VAR:default} placeholders.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// interpolate expands environment placeholders in the raw document. An unset
// variable without a default expands to the empty string; validation catches
// required values that end up empty.
func interpolate(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)

		if value, ok := os.LookupEnv(string(groups[1])); ok {
			return []byte(value)
		}

		return groups[2]
	})
}

// Load reads, interpolates, and validates the runtime configuration at path.
// Table mappings referenced through mappings_file are loaded and validated as
// part of the same call, so a returned Config is ready to run with.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigRead, path, err)
	}

	cfg := &Config{dir: filepath.Dir(path)}
	if err := yaml.Unmarshal(interpolate(raw), cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigParse, path, err)
	}

	cfg.applyDefaults()

	if err := cfg.loadMappings(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = defaultBatchSize
	}

	if c.Sync.MaxWorkers == 0 {
		c.Sync.MaxWorkers = defaultMaxWorkers
	}

	if c.Sync.BatchTimeout == 0 {
		c.Sync.BatchTimeout = Duration(defaultBatchTimeout)
	}

	if c.Sync.Retry.MaxAttempts == 0 {
		c.Sync.Retry.MaxAttempts = defaultMaxAttempts
	}

	if c.Sync.Retry.BaseDelay == 0 {
		c.Sync.Retry.BaseDelay = Duration(defaultBaseDelay)
	}

	if c.Sync.Retry.MaxDelay == 0 {
		c.Sync.Retry.MaxDelay = Duration(defaultMaxDelay)
	}

	if c.State.Driver == "" {
		c.State.Driver = defaultStateDriver
	}

	if c.State.Path == "" {
		c.State.Path = defaultStatePath
	}

	if c.State.Driver == "postgres" && c.State.DSN == "" {
		c.State.DSN = c.Target.DSN
	}

	if c.Scheduler.LockFile == "" {
		c.Scheduler.LockFile = defaultLockFile
	}

	if c.Events.Topic == "" {
		c.Events.Topic = defaultEventsTopic
	}

	applyPoolDefaults(&c.Source.DBConfig)
	applyPoolDefaults(&c.Target)

	for i := range c.Tables {
		c.Tables[i].applyDefaults(c.Sync.BatchSize)
	}
}

func applyPoolDefaults(db *DBConfig) {
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = defaultMaxOpenConns
	}

	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = defaultMaxIdleConns
	}

	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = Duration(defaultConnMaxLifetime)
	}
}

// loadMappings resolves the mappings_file reference into Tables.
func (c *Config) loadMappings() error {
	if c.MappingsFile == "" {
		return nil
	}

	if len(c.Tables) > 0 {
		return fmt.Errorf("%w: both mappings_file and inline tables are set", ErrInvalidConfig)
	}

	path := c.MappingsFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}

	tables, err := LoadMappings(path)
	if err != nil {
		return err
	}

	c.Tables = tables

	for i := range c.Tables {
		c.Tables[i].applyDefaults(c.Sync.BatchSize)
	}

	return nil
}

// Validate checks the configuration tree. The first violation found is
// returned wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Source.DSN) == "" {
		return fmt.Errorf("%w: source.dsn is required", ErrInvalidConfig)
	}

	if strings.TrimSpace(c.Target.DSN) == "" {
		return fmt.Errorf("%w: target.dsn is required", ErrInvalidConfig)
	}

	switch c.State.Driver {
	case "sqlite":
		if strings.TrimSpace(c.State.Path) == "" {
			return fmt.Errorf("%w: state.path is required for the sqlite driver", ErrInvalidConfig)
		}
	case "postgres":
		if strings.TrimSpace(c.State.DSN) == "" {
			return fmt.Errorf("%w: state.dsn is required for the postgres driver", ErrInvalidConfig)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown state.driver %q", ErrInvalidConfig, c.State.Driver)
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("%w: sync.batch_size must be positive", ErrInvalidConfig)
	}

	if c.Sync.MaxWorkers <= 0 {
		return fmt.Errorf("%w: sync.max_workers must be positive", ErrInvalidConfig)
	}

	if c.Sync.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: sync.retry.max_attempts must be at least 1", ErrInvalidConfig)
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("%w: no table mappings configured", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(c.Tables))

	for i := range c.Tables {
		m := &c.Tables[i]
		if err := m.Validate(); err != nil {
			return err
		}

		if _, dup := seen[m.SourceTable]; dup {
			return fmt.Errorf("%w: duplicate mapping for source table %q", ErrInvalidConfig, m.SourceTable)
		}

		seen[m.SourceTable] = struct{}{}
	}

	ids := make(map[string]struct{}, len(c.Schedules))

	for _, s := range c.Schedules {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: schedule entry without id", ErrInvalidConfig)
		}

		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: duplicate schedule id %q", ErrInvalidConfig, s.ID)
		}

		ids[s.ID] = struct{}{}

		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("%w: schedule %q has no cron expression", ErrInvalidConfig, s.ID)
		}
	}

	return nil
}

// MappingFor returns the mapping whose source table matches name.
func (c *Config) MappingFor(name string) (*TableMapping, bool) {
	for i := range c.Tables {
		if c.Tables[i].SourceTable == name {
			return &c.Tables[i], true
		}
	}

	return nil, false
}

// TableNames returns every configured source table in document order.
func (c *Config) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i := range c.Tables {
		names[i] = c.Tables[i].SourceTable
	}

	return names
}

// IsEnabled reports whether a schedule entry should fire. Entries default to
// enabled when the field is omitted.
func (s ScheduleEntry) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EventsEnabled reports whether lifecycle events should be emitted.
func (c *Config) EventsEnabled() bool {
	return len(c.Events.Brokers) > 0
}

// MaskDSN returns a connection string with the password replaced, safe for
// logging.
func MaskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}

	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd == -1 {
		return maskKeyValueDSN(dsn)
	}

	afterScheme := dsn[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return dsn
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return dsn
	}

	username := userInfo[:colonIndex]
	if userInfo[colonIndex+1:] == "" {
		return dsn
	}

	return dsn[:schemeEnd] + "://" + username + ":***" + afterScheme[lastAtIndex:]
}

// maskKeyValueDSN handles the mysql "user:pass@tcp(host)/db" form and the
// libpq "key=value" form.
func maskKeyValueDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at != -1 {
		if colon := strings.Index(dsn[:at], ":"); colon != -1 {
			return dsn[:colon] + ":***" + dsn[at:]
		}

		return dsn
	}

	parts := strings.Fields(dsn)
	for i, part := range parts {
		if strings.HasPrefix(part, "password=") {
			parts[i] = "password=***"
		}
	}

	return strings.Join(parts, " ")
}
