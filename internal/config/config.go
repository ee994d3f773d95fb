package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultRelayPort is appended to relay addresses given without a port.
	DefaultRelayPort = "5561"
	// DefaultRegistryList is the store list holding active relay identities.
	DefaultRegistryList = "metricsworker"

	defaultLogLevel          = "info"
	defaultLogFormat         = "line"
	defaultLogFileName       = "bpmetrics.log"
	defaultStoreAddr         = "localhost:6379"
	defaultStoreDB           = 8
	defaultStoreDialTimeout  = 5 * time.Second
	defaultGraphiteTimeout   = 5 * time.Second
	defaultGraphiteRetry     = 10 * time.Second
	defaultSpoolMaxEvents    = 10000
	defaultSpoolMaxAge       = 24 * time.Hour
	defaultFlushInterval     = 10 * time.Second
	defaultQueueSize         = 65536
	defaultMaxPendingNames   = 10000
	defaultAdminListen       = "127.0.0.1:6060"
	defaultHealthListen      = "127.0.0.1:6061"
	defaultHealthServiceName = "bpmetrics"
)

// ErrAddressRequired reports a missing relay bind address.
var ErrAddressRequired = errors.New("relay.address is required")

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root relay configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Relay     RelayConfig     `toml:"relay"`
	Store     StoreConfig     `toml:"store"`
	Graphite  GraphiteConfig  `toml:"graphite"`
	Worker    WorkerConfig    `toml:"worker"`
	SelfStats SelfStatsConfig `toml:"self_stats"`
	Log       LogConfig       `toml:"log"`
	Admin     AdminConfig     `toml:"admin"`
	Health    HealthConfig    `toml:"health"`
}

// RelayConfig describes the request/reply front door.
// Params: bind address and registry list name.
// Returns: front door settings.
type RelayConfig struct {
	Address      string `toml:"address"`
	RegistryList string `toml:"registry_list"`
}

// StoreConfig contains key/value store connectivity settings.
// Params: redis host:port, database index, password, dial timeout.
// Returns: store connection options.
type StoreConfig struct {
	Addr        string   `toml:"addr"`
	DB          int      `toml:"db"`
	Password    string   `toml:"password"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// GraphiteConfig defines carbon targets and delivery behavior.
// Params: carbon endpoints, name prefix, timeouts, spool settings.
// Returns: downstream sink settings.
type GraphiteConfig struct {
	Addr          []string    `toml:"addr"`
	Prefix        string      `toml:"prefix"`
	Timeout       Duration    `toml:"timeout"`
	RetryInterval Duration    `toml:"retry_interval"`
	Spool         SpoolConfig `toml:"spool"`
}

// SpoolConfig defines disk spool limits for undelivered flushes.
// Params: spool controls from TOML.
// Returns: spool settings.
type SpoolConfig struct {
	Enabled   bool     `toml:"enabled"`
	Dir       string   `toml:"dir"`
	MaxEvents uint64   `toml:"max_events"`
	MaxAge    Duration `toml:"max_age"`
}

// WorkerConfig holds aggregation and flush settings.
// Params: flush triggers, queue capacity, name filters.
// Returns: worker settings.
type WorkerConfig struct {
	FlushInterval   Duration `toml:"flush_interval"`
	FlushEvents     uint64   `toml:"flush_events"`
	QueueSize       int      `toml:"queue_size"`
	MaxPendingNames int      `toml:"max_pending_names"`
	FilterNames     []string `toml:"filter_names"`
	DropNames       []string `toml:"drop_names"`
}

// SelfStatsConfig toggles relay process gauges.
type SelfStatsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// AdminConfig defines the optional admin HTTP endpoint (pprof, metrics, healthz).
// Params: enabled flag and listen address in host:port format.
// Returns: admin runtime settings.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// HealthConfig defines the optional gRPC health endpoint.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Service string `toml:"service"`
}

// Overrides carries command line values applied on top of file config.
// Params: nil pointers and empty slices leave file values untouched.
// Returns: override set for Load.
type Overrides struct {
	Address  string
	Redis    string
	RedisDB  *int
	Graphite []string
	Debug    bool
	LogPath  string
}

// Load reads, expands, overrides, validates, and returns config.
// Params: path to TOML config file or directory (empty means defaults only); overrides from CLI.
// Returns: validated config pointer or error.
func Load(path string, overrides Overrides) (*Config, error) {
	var cfg Config
	cfg.SelfStats.Enabled = true
	cfg.Store.DB = defaultStoreDB

	if strings.TrimSpace(path) != "" {
		raw, err := readConfigSource(path)
		if err != nil {
			return nil, err
		}

		expanded := os.ExpandEnv(string(raw))
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("decode TOML %q: %w", path, err)
		}
	}

	cfg.applyOverrides(overrides)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// NormalizeAddress appends the default relay port when address has none.
// Params: address as host or host:port.
// Returns: address with a port.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return address
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	host := strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
	return net.JoinHostPort(host, DefaultRelayPort)
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyOverrides merges command line values into file config.
// Params: o override set.
// Returns: none.
func (c *Config) applyOverrides(o Overrides) {
	if v := strings.TrimSpace(o.Address); v != "" {
		c.Relay.Address = v
	}
	if v := strings.TrimSpace(o.Redis); v != "" {
		c.Store.Addr = v
	}
	if o.RedisDB != nil {
		c.Store.DB = *o.RedisDB
	}
	if len(o.Graphite) > 0 {
		c.Graphite.Addr = append([]string(nil), o.Graphite...)
	}
	if o.Debug {
		c.Log.Console.Level = "debug"
		c.Log.File.Level = "debug"
	}
	if v := strings.TrimSpace(o.LogPath); v != "" {
		c.Log.File.Enabled = true
		c.Log.File.Path = filepath.Join(v, defaultLogFileName)
	}
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: none.
func (c *Config) applyDefaults() {
	c.Relay.Address = NormalizeAddress(c.Relay.Address)
	if strings.TrimSpace(c.Relay.RegistryList) == "" {
		c.Relay.RegistryList = DefaultRegistryList
	}

	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")
	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.Store.Addr) == "" {
		c.Store.Addr = defaultStoreAddr
	}
	if c.Store.DialTimeout.Duration <= 0 {
		c.Store.DialTimeout.Duration = defaultStoreDialTimeout
	}

	c.Graphite.Addr = splitAddresses(c.Graphite.Addr)
	c.Graphite.Prefix = strings.Trim(strings.TrimSpace(c.Graphite.Prefix), ".")
	if c.Graphite.Timeout.Duration <= 0 {
		c.Graphite.Timeout.Duration = defaultGraphiteTimeout
	}
	if c.Graphite.RetryInterval.Duration <= 0 {
		c.Graphite.RetryInterval.Duration = defaultGraphiteRetry
	}
	if c.Graphite.Spool.Enabled {
		if c.Graphite.Spool.MaxEvents == 0 && c.Graphite.Spool.MaxAge.Duration <= 0 {
			c.Graphite.Spool.MaxEvents = defaultSpoolMaxEvents
			c.Graphite.Spool.MaxAge.Duration = defaultSpoolMaxAge
		}
	}

	if c.Worker.FlushInterval.Duration <= 0 {
		c.Worker.FlushInterval.Duration = defaultFlushInterval
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = defaultQueueSize
	}
	if c.Worker.MaxPendingNames <= 0 {
		c.Worker.MaxPendingNames = defaultMaxPendingNames
	}

	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Listen) == "" {
		c.Admin.Listen = defaultAdminListen
	}
	if c.Health.Enabled && strings.TrimSpace(c.Health.Listen) == "" {
		c.Health.Listen = defaultHealthListen
	}
	if strings.TrimSpace(c.Health.Service) == "" {
		c.Health.Service = defaultHealthServiceName
	}
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if c.Relay.Address == "" {
		return ErrAddressRequired
	}
	if _, _, err := net.SplitHostPort(c.Relay.Address); err != nil {
		return fmt.Errorf("relay.address must be host:port: %w", err)
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}

	if _, _, err := net.SplitHostPort(c.Store.Addr); err != nil {
		return fmt.Errorf("store.addr must be host:port: %w", err)
	}
	if c.Store.DB < 0 {
		return fmt.Errorf("store.db must be >= 0")
	}

	for idx, addr := range c.Graphite.Addr {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("graphite.addr[%d] must be host:port: %w", idx, err)
		}
	}
	if c.Graphite.Spool.Enabled && strings.TrimSpace(c.Graphite.Spool.Dir) == "" {
		return fmt.Errorf("graphite.spool.dir is required when spool is enabled")
	}

	if err := validateListen("admin", c.Admin.Enabled, c.Admin.Listen); err != nil {
		return err
	}
	if err := validateListen("health", c.Health.Enabled, c.Health.Listen); err != nil {
		return err
	}

	return nil
}

// splitAddresses flattens comma-separated entries and drops blanks.
// Params: raw address list.
// Returns: normalized address list.
func splitAddresses(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	switch sink.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level: unsupported value %q", name, sink.Level)
	}
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format: unsupported value %q", name, sink.Format)
	}

	return nil
}

// validateListen checks an optional listener endpoint.
// Params: path is config section; enabled toggles the check; listen is host:port.
// Returns: validation error for invalid listen endpoint.
func validateListen(path string, enabled bool, listen string) error {
	if !enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}
