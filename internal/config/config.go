package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds all runtime configuration for the flowgate process.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile string
	DataDir    string
	HTTPPort   int
	SIPPort    int
	SIPHost    string // host placed in Contact headers; auto-detected if empty
	SIPProxy   string // host[:port] for routes that carry no host
	LogLevel   string
	LogFormat  string // "text" or "json"
	LogFile    string // rotated copy of the log; stderr only when empty

	TickInterval    time.Duration
	DialTimeout     time.Duration
	FinishTimeout   time.Duration
	DrainGrace      time.Duration // 0 lets connected calls run until a party hangs up
	MaxCallDuration time.Duration // 0 means unlimited
	ShutdownTimeout time.Duration
	StatsInterval   time.Duration

	AuthMode       string // "permissive" or "accounts"
	TrustedPeers   string // comma-separated CIDRs allowed to send X- control headers
	AllowedSources string // comma-separated CIDRs allowed to place calls; empty allows any
	CallRate       float64
	CallBurst      int

	CDRBackend    string // "sqlite", "postgres", "webhook" or "log"
	PostgresDSN   string
	CDRBuffer     int
	CDRMaxAge     time.Duration // stored events older than this are pruned; 0 keeps them
	CDRWebhookURL string
	CDRWebhookKey string

	JWTSecret string // hex-encoded 32-byte secret for API bearer tokens
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultSIPPort         = 5060
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultTickInterval    = 100 * time.Millisecond
	defaultDialTimeout     = 32 * time.Second
	defaultFinishTimeout   = 32 * time.Second
	defaultShutdownTimeout = 60 * time.Second
	defaultStatsInterval   = 60 * time.Second
	defaultAuthMode        = "permissive"
	defaultCallBurst       = 10
	defaultCDRBackend      = "sqlite"
	defaultCDRBuffer       = 1024
)

// envPrefix is the prefix for all flowgate environment variables.
const envPrefix = "FLOWGATE_"

// iniSection is the config file section holding flowgate keys.
const iniSection = "flowgate"

// Load parses configuration from args (without the program name), the
// environment and the optional config file named by -config.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("flowgate", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to an ini config file (section [flowgate])")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "host or IP advertised in Contact headers (auto-detected if empty)")
	fs.StringVar(&cfg.SIPProxy, "outbound-proxy", "", "host[:port] that receives outbound legs whose route has no host")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "also write logs to this file, rotated by size")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", defaultTickInterval, "scheduler sweep interval")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", defaultDialTimeout, "how long an outbound attempt may ring before it is abandoned")
	fs.DurationVar(&cfg.FinishTimeout, "finish-timeout", defaultFinishTimeout, "how long a finishing call waits for both legs to release")
	fs.DurationVar(&cfg.DrainGrace, "drain-grace", 0, "on shutdown, hang up connected calls after this long (0 waits for the parties)")
	fs.DurationVar(&cfg.MaxCallDuration, "max-call-duration", 0, "hang up connected calls after this long (0 is unlimited)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", defaultShutdownTimeout, "upper bound on the graceful drain")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", defaultStatsInterval, "interval between call info log lines (0 disables)")
	fs.StringVar(&cfg.AuthMode, "auth-mode", defaultAuthMode, "call authorization policy (permissive, accounts)")
	fs.StringVar(&cfg.TrustedPeers, "trusted-peers", "", "comma-separated CIDRs trusted to send X- control headers")
	fs.StringVar(&cfg.AllowedSources, "allowed-sources", "", "comma-separated CIDRs allowed to place calls (empty allows any)")
	fs.Float64Var(&cfg.CallRate, "call-rate", 0, "new calls per second allowed per account (0 disables)")
	fs.IntVar(&cfg.CallBurst, "call-burst", defaultCallBurst, "burst size for call-rate")
	fs.StringVar(&cfg.CDRBackend, "cdr-backend", defaultCDRBackend, "where call detail events are stored (sqlite, postgres, webhook, log)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "postgres connection string for cdr-backend=postgres")
	fs.IntVar(&cfg.CDRBuffer, "cdr-buffer", defaultCDRBuffer, "queued call detail events before new ones are dropped")
	fs.DurationVar(&cfg.CDRMaxAge, "cdr-max-age", 0, "prune stored call detail events older than this (0 keeps them)")
	fs.StringVar(&cfg.CDRWebhookURL, "cdr-webhook-url", "", "URL that receives batches of call detail events for cdr-backend=webhook")
	fs.StringVar(&cfg.CDRWebhookKey, "cdr-webhook-key", "", "value sent in the X-Api-Key header of webhook posts")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API bearer tokens (auto-generated if empty)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		if err := applyFile(fs, set, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its FLOWGATE_ environment variable. Flags set here are added to set so
// the config file cannot override them.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || firstErr != nil {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			firstErr = fmt.Errorf("env %s: %w", envName(f.Name), err)
			return
		}
		set[f.Name] = true
	})
	return firstErr
}

// applyFile fills flags still at their defaults from the [flowgate] section
// of an ini file. Unknown keys are rejected so typos surface at startup.
func applyFile(fs *flag.FlagSet, set map[string]bool, path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	sec := file.Section(iniSection)
	for _, key := range sec.Keys() {
		name := key.Name()
		if name == "config" || fs.Lookup(name) == nil {
			return fmt.Errorf("config file %s: unknown key %q", path, name)
		}
		if set[name] {
			continue
		}
		if err := fs.Set(name, key.String()); err != nil {
			return fmt.Errorf("config file %s: key %q: %w", path, name, err)
		}
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}

	if c.SIPProxy != "" && strings.ContainsAny(c.SIPProxy, "@;/ ") {
		return fmt.Errorf("outbound-proxy must be host[:port], got %q", c.SIPProxy)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick-interval must be positive, got %s", c.TickInterval)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial-timeout must be positive, got %s", c.DialTimeout)
	}
	if c.FinishTimeout <= 0 {
		return fmt.Errorf("finish-timeout must be positive, got %s", c.FinishTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown-timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.DrainGrace < 0 || c.MaxCallDuration < 0 || c.StatsInterval < 0 {
		return fmt.Errorf("drain-grace, max-call-duration and stats-interval must not be negative")
	}

	c.AuthMode = strings.ToLower(c.AuthMode)
	if c.AuthMode != "permissive" && c.AuthMode != "accounts" {
		return fmt.Errorf("auth-mode must be one of permissive, accounts; got %q", c.AuthMode)
	}
	if _, err := c.TrustedPrefixes(); err != nil {
		return err
	}
	if _, err := c.AllowedPrefixes(); err != nil {
		return err
	}
	if c.CallRate < 0 {
		return fmt.Errorf("call-rate must not be negative, got %v", c.CallRate)
	}
	if c.CallRate > 0 && c.CallBurst < 1 {
		return fmt.Errorf("call-burst must be at least 1 when call-rate is set, got %d", c.CallBurst)
	}

	c.CDRBackend = strings.ToLower(c.CDRBackend)
	switch c.CDRBackend {
	case "sqlite", "log":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required when cdr-backend is postgres")
		}
	case "webhook":
		u, err := url.Parse(c.CDRWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("cdr-webhook-url must be an http or https URL when cdr-backend is webhook, got %q", c.CDRWebhookURL)
		}
	default:
		return fmt.Errorf("cdr-backend must be one of sqlite, postgres, webhook, log; got %q", c.CDRBackend)
	}
	if c.CDRBuffer < 1 {
		return fmt.Errorf("cdr-buffer must be at least 1, got %d", c.CDRBuffer)
	}
	if c.CDRMaxAge < 0 {
		return fmt.Errorf("cdr-max-age must not be negative, got %s", c.CDRMaxAge)
	}

	return nil
}

// TrustedPrefixes parses TrustedPeers.
func (c *Config) TrustedPrefixes() ([]netip.Prefix, error) {
	return parsePrefixes("trusted-peers", c.TrustedPeers)
}

// AllowedPrefixes parses AllowedSources.
func (c *Config) AllowedPrefixes() ([]netip.Prefix, error) {
	return parsePrefixes("allowed-sources", c.AllowedSources)
}

// parsePrefixes reads a comma-separated CIDR list. Bare addresses are
// treated as single-host prefixes.
func parsePrefixes(name, list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ContactHost returns the host to advertise in Contact headers. If SIPHost
// is configured, it is returned directly. Otherwise the machine's primary
// non-loopback IPv4 address is used, falling back to "127.0.0.1".
func (c *Config) ContactHost() string {
	if c.SIPHost != "" {
		return c.SIPHost
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// LogWriter returns where logs go: stderr, plus a size-rotated file when
// LogFile is set. The closer flushes the file and is a no-op otherwise.
func (c *Config) LogWriter() (io.Writer, io.Closer) {
	if c.LogFile == "" {
		return os.Stderr, io.NopCloser(nil)
	}
	lj := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	return io.MultiWriter(os.Stderr, lj), lj
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
