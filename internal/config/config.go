// Package config assembles the coordinator daemon's runtime configuration
// via functional options, mirroring logiface's Option[E] pattern (a slice
// of option funcs applied over a private config struct before freezing
// into immutable fields).
package config

import "time"

// Config is the coordinator daemon's resolved configuration.
type Config struct {
	ListenAddr             string
	LogLevel               string
	CompactionWindowMs     uint64
	SinceProposalBuffer    int
	CopyBatchThresholdBytes int
	CopyNumWorkers          int
	TailChannelCapacity     int
	HeartbeatInterval       time.Duration
	PersistBlobStoreURI     string
	SchemaRegistryURL       string
	SchemaCacheSize         int
	MetricsAddr             string
}

// Option mutates a Config under construction.
type Option func(*Config)

// defaults mirror the values called out by spec.md (32 MiB COPY flush
// threshold, TAIL channel bounded at 256, compaction window disabled
// unless configured).
func defaults() Config {
	return Config{
		ListenAddr:              "127.0.0.1:6875",
		LogLevel:                "info",
		CompactionWindowMs:      0,
		SinceProposalBuffer:     256,
		CopyBatchThresholdBytes: 32 << 20,
		CopyNumWorkers:          0, // 0 means "use runtime.GOMAXPROCS"
		TailChannelCapacity:     256,
		HeartbeatInterval:       5 * time.Second,
		SchemaCacheSize:         1024,
		MetricsAddr:             "127.0.0.1:9090",
	}
}

// New builds a Config from defaults plus the given options, applied in
// order (later options override earlier ones).
func New(opts ...Option) Config {
	c := defaults()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithListenAddr(addr string) Option { return func(c *Config) { c.ListenAddr = addr } }
func WithLogLevel(level string) Option  { return func(c *Config) { c.LogLevel = level } }
func WithCompactionWindowMs(ms uint64) Option {
	return func(c *Config) { c.CompactionWindowMs = ms }
}
func WithSinceProposalBuffer(n int) Option {
	return func(c *Config) { c.SinceProposalBuffer = n }
}
func WithCopyBatchThresholdBytes(n int) Option {
	return func(c *Config) { c.CopyBatchThresholdBytes = n }
}
func WithCopyNumWorkers(n int) Option { return func(c *Config) { c.CopyNumWorkers = n } }
func WithTailChannelCapacity(n int) Option {
	return func(c *Config) { c.TailChannelCapacity = n }
}
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}
func WithPersistBlobStoreURI(uri string) Option {
	return func(c *Config) { c.PersistBlobStoreURI = uri }
}
func WithSchemaRegistryURL(url string) Option {
	return func(c *Config) { c.SchemaRegistryURL = url }
}
func WithSchemaCacheSize(n int) Option { return func(c *Config) { c.SchemaCacheSize = n } }
func WithMetricsAddr(addr string) Option { return func(c *Config) { c.MetricsAddr = addr } }
