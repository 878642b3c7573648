package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "line"
	defaultStatServerURL   = "https://www.cangol.mobi/cmweb/"
	defaultChannelID       = "UNKNOWN"
	defaultCollectorTO     = 5 * time.Second
	defaultCollectorPool   = "tracker"
	defaultCollectorEnc    = "form"
	defaultSessionBeat     = 30 * time.Second
	defaultSessionTimeout  = 30 * time.Second
	defaultTrafficSample   = 10 * time.Second
	defaultTrafficSend     = time.Hour
	defaultStoreBackend    = "badger"
	defaultStoreDir        = "data"
	defaultIngestListen    = "127.0.0.1:8089"
	defaultPprofListen     = "127.0.0.1:6060"
	defaultSpoolMaxEvents  = 10000
	defaultSpoolMaxAge     = 24 * time.Hour
	defaultSpoolRetry      = 30 * time.Second
	defaultTrafficExcluded = "lo*"
)

var (
	defaultWifiIfaces   = []string{"wlan*", "wl*", "wifi*"}
	defaultMobileIfaces = []string{"rmnet*", "wwan*", "ccmni*", "pdp*", "ppp*"}
)

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

// Config represents the root agent configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	App       AppConfig         `toml:"app"`
	Log       LogConfig         `toml:"log"`
	Pprof     PprofConfig       `toml:"pprof"`
	Stat      StatConfig        `toml:"stat"`
	Pools     PoolsConfig       `toml:"pools"`
	Collector []CollectorConfig `toml:"collector"`
	Session   SessionConfig     `toml:"session"`
	Traffic   TrafficConfig     `toml:"traffic"`
	Store     StoreConfig       `toml:"store"`
	Spool     SpoolConfig       `toml:"spool"`
	Ingest    IngestConfig      `toml:"ingest"`
}

// AppConfig describes the application identity attached to every event.
// Params: identity fields from TOML.
// Returns: app identity settings.
type AppConfig struct {
	AppID      string `toml:"app_id"`
	AppVersion string `toml:"app_version"`
	ChannelID  string `toml:"channel_id"`
	DeviceID   string `toml:"device_id"`
	OwnerID    string `toml:"owner_id"`
	SDKVersion string `toml:"sdk_version"`
}

// PprofConfig defines optional runtime pprof HTTP endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: pprof runtime settings.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
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

// StatConfig holds stat agent dispatch options.
// Params: collector base url, dispatch pool name, and debug flag.
// Returns: agent settings.
type StatConfig struct {
	ServerURL string `toml:"server_url"`
	Pool      string `toml:"pool"`
	Debug     bool   `toml:"debug"`
}

// PoolsConfig holds worker pool sizing.
// Params: default core size override and pre-built named pools.
// Returns: pool registry settings.
type PoolsConfig struct {
	DefaultCore int               `toml:"default_core"`
	Named       []NamedPoolConfig `toml:"named"`
}

// NamedPoolConfig pre-builds one named pool with explicit core size.
// Params: pool name and core size.
// Returns: one named pool definition.
type NamedPoolConfig struct {
	Name string `toml:"name"`
	Core int    `toml:"core"`
}

// CollectorConfig defines one remote collector transport.
// Params: transport kind, endpoints, encoding and delivery pool.
// Returns: one collector runtime config.
type CollectorConfig struct {
	Name     string   `toml:"name"`
	Kind     string   `toml:"kind"`
	Addr     []string `toml:"addr"`
	Timeout  Duration `toml:"timeout"`
	Encoding string   `toml:"encoding"`
	Gzip     bool     `toml:"gzip"`
	Pool     string   `toml:"pool"`
}

// SessionConfig defines session heartbeat and continuation window.
// Params: heartbeat interval and idle timeout.
// Returns: session tracker settings.
type SessionConfig struct {
	Heartbeat Duration `toml:"heartbeat"`
	Timeout   Duration `toml:"timeout"`
}

// TrafficConfig defines traffic sampling and reporting.
// Params: intervals and interface classification globs.
// Returns: traffic settings.
type TrafficConfig struct {
	Enabled bool     `toml:"enabled"`
	Sample  Duration `toml:"sample"`
	Send    Duration `toml:"send"`
	Wifi    []string `toml:"wifi"`
	Mobile  []string `toml:"mobile"`
	Exclude []string `toml:"exclude"`
}

// StoreConfig selects the persisted key-value backend.
// Params: backend name, badger directory, redis URL.
// Returns: store settings.
type StoreConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
	URL     string `toml:"url"`
}

// SpoolConfig defines persisted redelivery of failed collector sends.
// Params: enabled flag, limits and retry interval.
// Returns: spool settings.
type SpoolConfig struct {
	Enabled   bool     `toml:"enabled"`
	MaxEvents uint64   `toml:"max_events"`
	MaxAge    Duration `toml:"max_age"`
	Retry     Duration `toml:"retry"`
}

// IngestConfig defines the local ingest HTTP endpoint.
// Params: enabled flag and listen address.
// Returns: ingest settings.
type IngestConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
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

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory.
// Params: path to directory that contains *.toml files.
// Returns: concatenated TOML content or error.
func readConfigDir(path string) ([]byte, error) {
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

// buildVersion returns the main module version stamped by the Go toolchain.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs executable lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.App.AppID) == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable name: %w", err)
		}
		c.App.AppID = filepath.Base(exe)
	}
	if strings.TrimSpace(c.App.ChannelID) == "" {
		c.App.ChannelID = defaultChannelID
	}
	if strings.TrimSpace(c.App.OwnerID) == "" {
		c.App.OwnerID = strconv.Itoa(os.Getuid())
	}
	if strings.TrimSpace(c.App.SDKVersion) == "" {
		c.App.SDKVersion = buildVersion()
	}

	if strings.TrimSpace(c.Stat.ServerURL) == "" {
		c.Stat.ServerURL = defaultStatServerURL
	}
	if !strings.HasSuffix(c.Stat.ServerURL, "/") {
		c.Stat.ServerURL += "/"
	}

	for i := range c.Collector {
		c.Collector[i].Kind = lowerOrDefault(c.Collector[i].Kind, "http")
		c.Collector[i].Encoding = lowerOrDefault(c.Collector[i].Encoding, defaultCollectorEnc)
		if c.Collector[i].Timeout.Duration <= 0 {
			c.Collector[i].Timeout.Duration = defaultCollectorTO
		}
		if strings.TrimSpace(c.Collector[i].Pool) == "" {
			c.Collector[i].Pool = defaultCollectorPool
		}
		if strings.TrimSpace(c.Collector[i].Name) == "" {
			c.Collector[i].Name = fmt.Sprintf("collector-%d", i)
		}
	}

	if c.Session.Heartbeat.Duration <= 0 {
		c.Session.Heartbeat.Duration = defaultSessionBeat
	}
	if c.Session.Timeout.Duration <= 0 {
		c.Session.Timeout.Duration = defaultSessionTimeout
	}

	if c.Traffic.Sample.Duration <= 0 {
		c.Traffic.Sample.Duration = defaultTrafficSample
	}
	if c.Traffic.Send.Duration <= 0 {
		c.Traffic.Send.Duration = defaultTrafficSend
	}
	if c.Traffic.Wifi == nil {
		c.Traffic.Wifi = append([]string(nil), defaultWifiIfaces...)
	}
	if c.Traffic.Mobile == nil {
		c.Traffic.Mobile = append([]string(nil), defaultMobileIfaces...)
	}
	if c.Traffic.Exclude == nil {
		c.Traffic.Exclude = []string{defaultTrafficExcluded}
	}

	c.Store.Backend = lowerOrDefault(c.Store.Backend, defaultStoreBackend)
	if c.Store.Backend == "badger" && strings.TrimSpace(c.Store.Dir) == "" {
		c.Store.Dir = defaultStoreDir
	}

	if c.Spool.MaxEvents == 0 {
		c.Spool.MaxEvents = defaultSpoolMaxEvents
	}
	if c.Spool.MaxAge.Duration <= 0 {
		c.Spool.MaxAge.Duration = defaultSpoolMaxAge
	}
	if c.Spool.Retry.Duration <= 0 {
		c.Spool.Retry.Duration = defaultSpoolRetry
	}

	if c.Ingest.Enabled && strings.TrimSpace(c.Ingest.Listen) == "" {
		c.Ingest.Listen = defaultIngestListen
	}
	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}

	return nil
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if strings.TrimSpace(c.App.AppVersion) == "" {
		return fmt.Errorf("app.app_version is required")
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validateListen("pprof", c.Pprof.Enabled, c.Pprof.Listen); err != nil {
		return err
	}
	if err := validateListen("ingest", c.Ingest.Enabled, c.Ingest.Listen); err != nil {
		return err
	}

	parsed, err := url.Parse(c.Stat.ServerURL)
	if err != nil {
		return fmt.Errorf("stat.server_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("stat.server_url must use http or https scheme")
	}

	if c.Pools.DefaultCore < 0 {
		return fmt.Errorf("pools.default_core cannot be negative")
	}
	seen := make(map[string]struct{}, len(c.Pools.Named))
	for idx, named := range c.Pools.Named {
		path := fmt.Sprintf("pools.named[%d]", idx)
		name := strings.TrimSpace(named.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s.name %q is duplicated", path, name)
		}
		seen[name] = struct{}{}
		if named.Core < 1 {
			return fmt.Errorf("%s.core must be >= 1", path)
		}
	}

	if len(c.Collector) == 0 {
		return fmt.Errorf("at least one [[collector]] section is required")
	}
	for idx, collector := range c.Collector {
		if err := validateCollector(fmt.Sprintf("collector[%d]", idx), collector); err != nil {
			return err
		}
	}

	if err := validateGlobs("traffic.wifi", c.Traffic.Wifi); err != nil {
		return err
	}
	if err := validateGlobs("traffic.mobile", c.Traffic.Mobile); err != nil {
		return err
	}
	if err := validateGlobs("traffic.exclude", c.Traffic.Exclude); err != nil {
		return err
	}

	return validateStore("store", c.Store)
}

// validateCollector validates one collector transport section.
// Params: path config path prefix; collector section.
// Returns: validation error or nil.
func validateCollector(path string, collector CollectorConfig) error {
	switch collector.Kind {
	case "http":
		switch collector.Encoding {
		case "form", "json", "msgpack":
		default:
			return fmt.Errorf("%s.encoding must be one of: form, json, msgpack", path)
		}
	case "grpc":
		if len(collector.Addr) == 0 {
			return fmt.Errorf("%s.addr must contain at least one host:port", path)
		}
		for addrIdx, addr := range collector.Addr {
			if strings.TrimSpace(addr) == "" {
				return fmt.Errorf("%s.addr[%d] cannot be empty", path, addrIdx)
			}
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("%s.addr[%d] must be host:port: %w", path, addrIdx, err)
			}
		}
	case "log":
	default:
		return fmt.Errorf("%s.kind must be one of: http, grpc, log", path)
	}
	if collector.Timeout.Duration <= 0 {
		return fmt.Errorf("%s.timeout must be > 0", path)
	}
	return nil
}

// validateStore validates store backend settings.
// Params: path config path prefix; cfg store section.
// Returns: validation error or nil.
func validateStore(path string, cfg StoreConfig) error {
	switch cfg.Backend {
	case "badger":
		if strings.TrimSpace(cfg.Dir) == "" {
			return fmt.Errorf("%s.dir is required for badger backend", path)
		}
	case "redis":
		if strings.TrimSpace(cfg.URL) == "" {
			return fmt.Errorf("%s.url is required for redis backend", path)
		}
	case "memory":
	default:
		return fmt.Errorf("%s.backend must be one of: badger, redis, memory", path)
	}
	return nil
}

// validateGlobs checks interface wildcard lists.
// Params: path config path; patterns wildcard list.
// Returns: validation error for blank patterns.
func validateGlobs(path string, patterns []string) error {
	for idx, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("%s[%d] cannot be empty", path, idx)
		}
	}
	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

// validateLogLevel validates known log levels.
// Params: level is lower-case level name.
// Returns: error when level is unsupported.
func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

// validateLogFormat validates supported sink formats.
// Params: format is lower-case format name.
// Returns: error when format is unsupported.
func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// validateListen validates optional listen endpoint settings.
// Params: path is config path prefix; enabled flag; listen address.
// Returns: validation error for invalid listen endpoint.
func validateListen(path string, enabled bool, listen string) error {
	if !enabled {
		return nil
	}
	if strings.TrimSpace(listen) == "" {
		return fmt.Errorf("%s.listen cannot be empty when enabled", path)
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
