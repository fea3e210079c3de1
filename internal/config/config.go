// Package config resolves daemon and CLI settings. Every setting is a flag;
// a flag left unset on the command line falls back to its STREAMSHARE_*
// environment variable, then to a value from the .env file, then to its
// default.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"streamshare/internal/store"
)

// EnvPrefix is prepended to every flag name to form its environment variable.
const EnvPrefix = "STREAMSHARE_"

// Store drivers.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config holds every tunable of the daemon and the operator CLI.
type Config struct {
	EnvFile string

	LogLevel  string
	LogFormat string

	AdminAddr       string
	AdminToken      string
	ShutdownTimeout time.Duration

	StoreDriver string
	Redis       store.RedisConfig

	BufferRoot      string
	TempDir         string
	AllowedBinaries []string

	SourcesFile         string
	PostgresDSN         string
	PostgresMaxConns    int
	PostgresEnsureTable bool

	SegmentDuration time.Duration
	SegmentTTL      time.Duration
	IndexCap        int
	ChunkSize       int64
	FlushInterval   time.Duration
	Inactivity      time.Duration
	StderrLines     int
	DrainSlots      int
	SlotTimeout     time.Duration

	StopGrace          time.Duration
	MonitorDisabledTTL time.Duration

	MonitorInterval    time.Duration
	MonitorWorkers     int
	MonitorTickTimeout time.Duration
	StartupGrace       time.Duration
	StaleMultiplier    int

	LeaseTTL        time.Duration
	RedirectTTL     time.Duration
	MaxRedirectHops int

	JanitorPeriod   time.Duration
	DailyPeriod     time.Duration
	SweepTimeout    time.Duration
	IdleAfter       time.Duration
	MinAge          time.Duration
	StuckUptime     time.Duration
	StuckIdle       time.Duration
	StreamCap       int64
	StreamTarget    int64
	GlobalCap       int64
	GlobalRatio     float64
	TempMaxAge      time.Duration
	DailyTempMaxAge time.Duration
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		EnvFile:   ".env",
		LogLevel:  "info",
		LogFormat: "json",

		AdminAddr:       "127.0.0.1:8089",
		ShutdownTimeout: 15 * time.Second,

		StoreDriver: DriverRedis,
		Redis: store.RedisConfig{
			Addr:         "127.0.0.1:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     20,
		},

		BufferRoot: "/var/lib/streamshare/buffers",
		TempDir:    os.TempDir(),

		PostgresMaxConns: 4,

		SegmentDuration: 4 * time.Second,
		SegmentTTL:      300 * time.Second,
		IndexCap:        30,
		ChunkSize:       188 * 1024,
		FlushInterval:   time.Second,
		Inactivity:      60 * time.Second,
		StderrLines:     20,
		DrainSlots:      64,
		SlotTimeout:     5 * time.Second,

		StopGrace:          5 * time.Second,
		MonitorDisabledTTL: 10 * time.Minute,

		MonitorInterval:    10 * time.Second,
		MonitorWorkers:     16,
		MonitorTickTimeout: 15 * time.Second,
		StartupGrace:       20 * time.Second,
		StaleMultiplier:    3,

		LeaseTTL:        60 * time.Second,
		RedirectTTL:     300 * time.Second,
		MaxRedirectHops: 5,

		JanitorPeriod:   60 * time.Second,
		DailyPeriod:     24 * time.Hour,
		SweepTimeout:    150 * time.Second,
		IdleAfter:       600 * time.Second,
		MinAge:          120 * time.Second,
		StuckUptime:     14400 * time.Second,
		StuckIdle:       1800 * time.Second,
		StreamCap:       100 * 1000 * 1000,
		StreamTarget:    50 * 1000 * 1000,
		GlobalCap:       1 << 30,
		GlobalRatio:     0.8,
		TempMaxAge:      time.Hour,
		DailyTempMaxAge: 24 * time.Hour,
	}
}

// Load parses args into a Config and returns the positional arguments left
// over. The environment is consulted through getenv; nil means os.Getenv.
func Load(name string, args []string, getenv func(string) string) (Config, []string, error) {
	cfg := Default()
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	cfg.register(fset)
	if err := fset.Parse(args); err != nil {
		return Config{}, nil, err
	}

	if getenv == nil {
		if err := loadEnvFile(cfg.EnvFile); err != nil {
			return Config{}, nil, err
		}
		getenv = os.Getenv
	}
	if err := applyEnv(fset, getenv); err != nil {
		return Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, fset.Args(), nil
}

// Usage writes the flag defaults of the settings to w.
func Usage(name string, w io.Writer) {
	cfg := Default()
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.register(fset)
	fset.SetOutput(w)
	fset.PrintDefaults()
}

// loadEnvFile fills unset environment variables from path. godotenv never
// overrides variables that are already present. A missing file is ignored.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv sets every flag not given on the command line from its
// environment variable.
func applyEnv(fset *flag.FlagSet, getenv func(string) string) error {
	explicit := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var errs []error
	fset.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		key := EnvName(f.Name)
		value := strings.TrimSpace(getenv(key))
		if value == "" {
			return
		}
		if err := fset.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	})
	return errors.Join(errs...)
}

// EnvName returns the environment variable backing a flag.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(flagName))
}

func (c *Config) register(set *flag.FlagSet) {
	set.StringVar(&c.EnvFile, "env-file", c.EnvFile, "dotenv file consulted for unset settings")
	set.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	set.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (json or text)")

	set.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "admin API listen address")
	set.StringVar(&c.AdminToken, "admin-token", c.AdminToken, "bearer token required by the admin API")
	set.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "graceful shutdown bound")

	set.StringVar(&c.StoreDriver, "store", c.StoreDriver, "shared store driver (redis or memory)")
	set.StringVar(&c.Redis.Addr, "redis-addr", c.Redis.Addr, "redis address")
	set.Var((*listValue)(&c.Redis.Addrs), "redis-addrs", "comma separated redis cluster or sentinel addresses")
	set.StringVar(&c.Redis.Username, "redis-username", c.Redis.Username, "redis ACL username")
	set.StringVar(&c.Redis.Password, "redis-password", c.Redis.Password, "redis password")
	set.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "redis database")
	set.StringVar(&c.Redis.MasterName, "redis-master", c.Redis.MasterName, "redis sentinel master name")
	set.IntVar(&c.Redis.PoolSize, "redis-pool-size", c.Redis.PoolSize, "redis connection pool size")
	set.DurationVar(&c.Redis.DialTimeout, "redis-dial-timeout", c.Redis.DialTimeout, "redis dial timeout")
	set.DurationVar(&c.Redis.ReadTimeout, "redis-read-timeout", c.Redis.ReadTimeout, "redis read timeout")
	set.DurationVar(&c.Redis.WriteTimeout, "redis-write-timeout", c.Redis.WriteTimeout, "redis write timeout")
	set.StringVar(&c.Redis.TLS.CAFile, "redis-tls-ca", c.Redis.TLS.CAFile, "redis TLS CA bundle")
	set.StringVar(&c.Redis.TLS.CertFile, "redis-tls-cert", c.Redis.TLS.CertFile, "redis TLS client certificate")
	set.StringVar(&c.Redis.TLS.KeyFile, "redis-tls-key", c.Redis.TLS.KeyFile, "redis TLS client key")
	set.StringVar(&c.Redis.TLS.ServerName, "redis-tls-server-name", c.Redis.TLS.ServerName, "redis TLS server name")
	set.BoolVar(&c.Redis.TLS.InsecureSkipVerify, "redis-tls-insecure", c.Redis.TLS.InsecureSkipVerify, "skip redis certificate verification")

	set.StringVar(&c.BufferRoot, "buffer-root", c.BufferRoot, "directory holding per-stream output directories")
	set.StringVar(&c.TempDir, "temp-dir", c.TempDir, "scratch directory swept daily")
	set.Var((*listValue)(&c.AllowedBinaries), "allowed-binaries", "comma separated transcoder binaries a command may launch")

	set.StringVar(&c.SourcesFile, "sources-file", c.SourcesFile, "YAML file describing stream sources")
	set.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "postgres DSN of the stream_sources table")
	set.IntVar(&c.PostgresMaxConns, "postgres-max-conns", c.PostgresMaxConns, "postgres pool size")
	set.BoolVar(&c.PostgresEnsureTable, "postgres-ensure-schema", c.PostgresEnsureTable, "create the stream_sources table when missing")

	set.DurationVar(&c.SegmentDuration, "segment-duration", c.SegmentDuration, "target segment duration")
	set.DurationVar(&c.SegmentTTL, "segment-ttl", c.SegmentTTL, "stored segment lifetime")
	set.IntVar(&c.IndexCap, "index-cap", c.IndexCap, "segment sequence numbers kept per stream")
	set.Var((*byteSize)(&c.ChunkSize), "chunk-size", "segment chunk size (e.g. 188KiB)")
	set.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "write a short segment after this long without a full chunk")
	set.DurationVar(&c.Inactivity, "inactivity", c.Inactivity, "end the drain loop after this long without output")
	set.IntVar(&c.StderrLines, "stderr-lines", c.StderrLines, "transcoder stderr lines retained")
	set.IntVar(&c.DrainSlots, "drain-slots", c.DrainSlots, "maximum concurrent drain loops")
	set.DurationVar(&c.SlotTimeout, "slot-timeout", c.SlotTimeout, "how long a start waits for a drain slot")

	set.DurationVar(&c.StopGrace, "stop-grace", c.StopGrace, "wait after SIGTERM before SIGKILL")
	set.DurationVar(&c.MonitorDisabledTTL, "monitor-disabled-ttl", c.MonitorDisabledTTL, "lifetime of the monitor-disabled flag after a stop")

	set.DurationVar(&c.MonitorInterval, "monitor-interval", c.MonitorInterval, "health tick interval")
	set.IntVar(&c.MonitorWorkers, "monitor-workers", c.MonitorWorkers, "concurrent health ticks")
	set.DurationVar(&c.MonitorTickTimeout, "monitor-tick-timeout", c.MonitorTickTimeout, "bound on one health tick")
	set.DurationVar(&c.StartupGrace, "startup-grace", c.StartupGrace, "grace period before segment freshness is checked")
	set.IntVar(&c.StaleMultiplier, "stale-multiplier", c.StaleMultiplier, "segment durations before output counts as stalled")

	set.DurationVar(&c.LeaseTTL, "lease-ttl", c.LeaseTTL, "client lease lifetime")
	set.DurationVar(&c.RedirectTTL, "redirect-ttl", c.RedirectTTL, "failover redirect lifetime")
	set.IntVar(&c.MaxRedirectHops, "max-redirect-hops", c.MaxRedirectHops, "redirects followed when resolving a stream")

	set.DurationVar(&c.JanitorPeriod, "janitor-period", c.JanitorPeriod, "interval between janitor sweeps (0 disables)")
	set.DurationVar(&c.DailyPeriod, "daily-period", c.DailyPeriod, "interval between daily sweeps (0 disables)")
	set.DurationVar(&c.SweepTimeout, "sweep-timeout", c.SweepTimeout, "bound on one sweep")
	set.DurationVar(&c.IdleAfter, "idle-after", c.IdleAfter, "reclaim streams without clients after this long")
	set.DurationVar(&c.MinAge, "min-age", c.MinAge, "never reclaim streams younger than this")
	set.DurationVar(&c.StuckUptime, "stuck-uptime", c.StuckUptime, "uptime after which a stream may count as stuck")
	set.DurationVar(&c.StuckIdle, "stuck-idle", c.StuckIdle, "inactivity that makes a long-running stream stuck")
	set.Var((*byteSize)(&c.StreamCap), "stream-cap", "per-stream buffer cap (e.g. 100MB)")
	set.Var((*byteSize)(&c.StreamTarget), "stream-target", "per-stream trim target")
	set.Var((*byteSize)(&c.GlobalCap), "global-cap", "total buffer cap (e.g. 1GiB)")
	set.Float64Var(&c.GlobalRatio, "global-ratio", c.GlobalRatio, "fraction of the global cap to trim down to")
	set.DurationVar(&c.TempMaxAge, "temp-max-age", c.TempMaxAge, "age of stray temp files removed by every sweep")
	set.DurationVar(&c.DailyTempMaxAge, "daily-temp-max-age", c.DailyTempMaxAge, "age of temp-dir files removed by the daily sweep")
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" && len(c.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("redis address is required"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if strings.TrimSpace(c.BufferRoot) == "" {
		errs = append(errs, errors.New("buffer root is required"))
	}
	if c.SegmentDuration <= 0 {
		errs = append(errs, errors.New("segment duration must be positive"))
	}
	if c.IndexCap <= 0 || c.ChunkSize <= 0 || c.DrainSlots <= 0 || c.MonitorWorkers <= 0 {
		errs = append(errs, errors.New("index cap, chunk size, drain slots and monitor workers must be positive"))
	}
	if c.StreamTarget > c.StreamCap {
		errs = append(errs, fmt.Errorf("stream target %s exceeds stream cap %s",
			humanize.Bytes(uint64(c.StreamTarget)), humanize.Bytes(uint64(c.StreamCap))))
	}
	if c.GlobalRatio <= 0 || c.GlobalRatio > 1 {
		errs = append(errs, fmt.Errorf("global ratio %.2f must be in (0, 1]", c.GlobalRatio))
	}
	return errors.Join(errs...)
}

// listValue is a comma separated flag.
type listValue []string

func (l *listValue) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listValue) Set(value string) error {
	*l = splitAndTrim(value)
	return nil
}

// byteSize accepts plain byte counts and humanized sizes such as 100MB or
// 1GiB.
type byteSize int64

func (b *byteSize) String() string {
	if b == nil {
		return "0"
	}
	return strconv.FormatInt(int64(*b), 10)
}

func (b *byteSize) Set(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", value, err)
	}
	*b = byteSize(n)
	return nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
