package config

import (
	"geostream/cache"
	"geostream/fetch"
	"geostream/loader"
	"geostream/parser"
	"geostream/web"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"os"
	"time"
)

const DefaultCachePath = "geostream-cache.sqlite"

type Config struct {
	Cache  CacheConfig  `yaml:"cache"`
	Loader LoaderConfig `yaml:"loader"`
	Server ServerConfig `yaml:"server"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxEntries    int           `yaml:"max_entries"`
	Namespace     string        `yaml:"namespace"`
	SchemaVersion int           `yaml:"schema_version"`
}

type LoaderConfig struct {
	StreamThreshold int           `yaml:"stream_threshold"`
	ChunkSize       int           `yaml:"chunk_size"`
	Timeout         time.Duration `yaml:"timeout"`
	Concurrency     int           `yaml:"concurrency,omitempty"` // 0 means unlimited
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	StreamThreshold int           `yaml:"stream_threshold"`
	FlushEvery      int           `yaml:"flush_every"`
	Cooldown        time.Duration `yaml:"cooldown"`
}

func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Backend:       cache.BackendSQLite,
			Path:          DefaultCachePath,
			MaxAge:        cache.DefaultMaxAge,
			MaxEntries:    cache.DefaultMaxEntries,
			Namespace:     cache.DefaultNamespace,
			SchemaVersion: cache.DefaultSchemaVersion,
		},
		Loader: LoaderConfig{
			StreamThreshold: loader.DefaultStreamThreshold,
			ChunkSize:       parser.DefaultChunkSize,
			Timeout:         fetch.DefaultTimeout,
		},
		Server: ServerConfig{
			Port:            web.DefaultPort,
			StreamThreshold: loader.DefaultStreamThreshold,
			FlushEvery:      web.DefaultFlushEvery,
		},
	}
}

// Load reads the YAML configuration file. Values missing in the file keep their defaults, an empty path returns the
// defaults. Durations are written like "90s" or "1h".
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to read config file %s", path)
	}

	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to parse config file %s", path)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid config file %s", path)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case cache.BackendSQLite:
		if c.Cache.Path == "" {
			return errors.New("The sqlite cache backend needs a path")
		}
	case cache.BackendMemory, cache.BackendNone:
	default:
		return errors.Errorf("Unknown cache backend '%s', must be one of %s, %s, %s", c.Cache.Backend, cache.BackendSQLite, cache.BackendMemory, cache.BackendNone)
	}

	_, err := cache.TableName(c.Cache.Namespace, c.Cache.SchemaVersion)
	if err != nil {
		return errors.Wrap(err, "Invalid cache config")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.Errorf("Invalid cache max_entries %d: must be positive", c.Cache.MaxEntries)
	}
	if c.Cache.MaxAge < 0 {
		return errors.Errorf("Invalid cache max_age %s", c.Cache.MaxAge)
	}

	if c.Loader.ChunkSize <= 0 {
		return errors.Errorf("Invalid loader chunk_size %d: must be positive", c.Loader.ChunkSize)
	}
	if c.Loader.Timeout <= 0 {
		return errors.Errorf("Invalid loader timeout %s: must be positive", c.Loader.Timeout)
	}
	if c.Loader.Concurrency < 0 {
		return errors.Errorf("Invalid loader concurrency %d", c.Loader.Concurrency)
	}

	if c.Server.FlushEvery <= 0 {
		return errors.Errorf("Invalid server flush_every %d: must be positive", c.Server.FlushEvery)
	}
	if c.Server.Cooldown < 0 {
		return errors.Errorf("Invalid server cooldown %s", c.Server.Cooldown)
	}

	return nil
}

func (c CacheConfig) VersionedCacheConfig() cache.Config {
	return cache.Config{
		MaxAge:        c.MaxAge,
		MaxEntries:    c.MaxEntries,
		Namespace:     c.Namespace,
		SchemaVersion: c.SchemaVersion,
	}
}

func (c LoaderConfig) FetchOptions() []fetch.Option {
	return []fetch.Option{
		fetch.WithTimeout(c.Timeout),
		fetch.WithConcurrency(c.Concurrency),
		fetch.WithLoaderOptions(
			loader.WithStreamThreshold(c.StreamThreshold),
			loader.WithChunkSize(c.ChunkSize),
		),
	}
}

func (c ServerConfig) WebConfig() web.ServerConfig {
	return web.ServerConfig{
		Port:            c.Port,
		StreamThreshold: c.StreamThreshold,
		FlushEvery:      c.FlushEvery,
		Cooldown:        c.Cooldown,
	}
}
