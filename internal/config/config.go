// Package config loads the service configuration from a JSON file with
// environment substitution.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/embedding"
	"github.com/nidhogg/mnemo/internal/engine"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/provider"
	"github.com/nidhogg/mnemo/internal/upstream"
	"github.com/nidhogg/mnemo/internal/vectorindex"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Routing   RoutingConfig    `json:"routing"`
	Database  DatabaseConfig   `json:"database"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Index     IndexConfig      `json:"index"`
	Decay     DecayConfig      `json:"decay"`
	Cache     CacheConfig      `json:"cache"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	LogLevel        string   `json:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// GuardConfig is the file form of upstream.Config.
type GuardConfig struct {
	RatePerSecond float64  `json:"rate_per_second"`
	Burst         int      `json:"burst"`
	MaxFailures   uint32   `json:"max_failures"`
	OpenTimeout   Duration `json:"open_timeout"`
	HalfOpenMax   uint32   `json:"half_open_max"`
}

func (g GuardConfig) Upstream() upstream.Config {
	return upstream.Config{
		RatePerSecond: g.RatePerSecond,
		Burst:         g.Burst,
		MaxFailures:   g.MaxFailures,
		OpenTimeout:   g.OpenTimeout.Std(),
		HalfOpenMax:   g.HalfOpenMax,
	}
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  Duration          `json:"timeout"`
	Guard    GuardConfig       `json:"guard"`
}

func (p ProviderConfig) Provider() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Model:    p.Model,
		Extra:    p.Extra,
		Timeout:  p.Timeout.Std(),
		Guard:    p.Guard.Upstream(),
	}
}

// RoutingConfig binds LLM purposes to provider ids. Empty bindings use the
// first provider.
type RoutingConfig struct {
	Classifier string   `json:"classifier"`
	Graph      string   `json:"graph"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL           string `json:"url"`
	ArchiveStream string `json:"archive_stream"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string      `json:"provider"`
	Endpoint  string      `json:"endpoint"`
	Model     string      `json:"model"`
	APIKey    string      `json:"api_key"`
	Dimension int         `json:"dimension"`
	Guard     GuardConfig `json:"guard"`
}

func (e EmbeddingConfig) Embedding() embedding.Config {
	return embedding.Config{
		Provider:  e.Provider,
		Endpoint:  e.Endpoint,
		Model:     e.Model,
		APIKey:    e.APIKey,
		Dimension: e.Dimension,
		Guard:     e.Guard.Upstream(),
	}
}

// IndexConfig selects the ANN backend and label store.
type IndexConfig struct {
	Backend         string `json:"backend"` // "chromem" or "qdrant"
	Labels          string `json:"labels"`  // "memory" or "redis"
	Dimension       int    `json:"dimension"`
	InitialCapacity int    `json:"initial_capacity"`
	Collection      string `json:"collection"`
}

func (i IndexConfig) Options() vectorindex.Options {
	return vectorindex.Options{Dimension: i.Dimension, InitialCapacity: i.InitialCapacity}
}

type DecayConfig struct {
	DecayRate          float64  `json:"decay_rate"`
	InitialStrength    float64  `json:"initial_strength"`
	ReinforceAlpha     float64  `json:"reinforce_alpha"`
	ContextBeta        float64  `json:"context_beta"`
	ArchiveThreshold   float64  `json:"archive_threshold"`
	ReinforceThreshold float64  `json:"reinforce_threshold"`
	UpdateInterval     Duration `json:"update_interval"`
	SweepInterval      Duration `json:"sweep_interval"`
	SweepBatch         int      `json:"sweep_batch"`
	TouchOnQuery       bool     `json:"touch_on_query"`
	ContextBoost       bool     `json:"context_boost"`
	LinkConversation   bool     `json:"link_conversation"`
}

type CacheConfig struct {
	Items int64 `json:"items"`
}

// Engine converts the decay and cache sections into an engine.Config.
func (c *Config) Engine() engine.Config {
	d := c.Decay
	return engine.Config{
		Decay: decay.Config{
			ReinforceAlpha:     d.ReinforceAlpha,
			ContextBeta:        d.ContextBeta,
			ArchiveThreshold:   d.ArchiveThreshold,
			ReinforceThreshold: d.ReinforceThreshold,
			UpdateInterval:     d.UpdateInterval.Std(),
		},
		InitialStrength:  d.InitialStrength,
		DecayRate:        d.DecayRate,
		TouchOnQuery:     d.TouchOnQuery,
		ContextBoost:     d.ContextBoost,
		SweepBatch:       d.SweepBatch,
		CacheItems:       c.Cache.Items,
		LinkConversation: d.LinkConversation,
	}
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Database.Redis.ArchiveStream == "" {
		c.Database.Redis.ArchiveStream = "mnemo:archive"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "api"
	}
	if c.Index.Backend == "" {
		c.Index.Backend = "chromem"
	}
	if c.Index.Labels == "" {
		c.Index.Labels = "memory"
	}
	if c.Index.Dimension == 0 {
		c.Index.Dimension = c.Embedding.Dimension
	}
	if c.Index.Dimension == 0 {
		c.Index.Dimension = vectorindex.DefaultDimension
	}
	if c.Index.InitialCapacity == 0 {
		c.Index.InitialCapacity = vectorindex.DefaultInitialCapacity
	}
	if c.Index.Collection == "" {
		c.Index.Collection = "mnemo_memories"
	}
	if c.Decay.DecayRate == 0 {
		c.Decay.DecayRate = memory.DefaultDecayRate
	}
	if c.Decay.InitialStrength == 0 {
		c.Decay.InitialStrength = memory.DefaultInitialStrength
	}
	if c.Decay.SweepInterval == 0 {
		c.Decay.SweepInterval = Duration(time.Hour)
	}
	if c.Cache.Items == 0 {
		c.Cache.Items = 10_000
	}
}

// Validate reports settings that would make the service misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Postgres.DSN == "" {
		errs = append(errs, errors.New("database.postgres.dsn is required"))
	}
	if c.Decay.DecayRate < memory.MinDecayRate || c.Decay.DecayRate > memory.MaxDecayRate {
		errs = append(errs, fmt.Errorf("decay.decay_rate %v outside [%v,%v]", c.Decay.DecayRate, memory.MinDecayRate, memory.MaxDecayRate))
	}
	if c.Decay.InitialStrength < 0 || c.Decay.InitialStrength > 1 {
		errs = append(errs, fmt.Errorf("decay.initial_strength %v outside [0,1]", c.Decay.InitialStrength))
	}
	switch c.Index.Backend {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("index.backend %q: want chromem or qdrant", c.Index.Backend))
	}
	switch c.Index.Labels {
	case "memory":
	case "redis":
		if c.Database.Redis.URL == "" {
			errs = append(errs, errors.New("index.labels redis needs database.redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("index.labels %q: want memory or redis", c.Index.Labels))
	}
	if c.Index.Backend == "qdrant" && c.Database.Qdrant.Host == "" {
		errs = append(errs, errors.New("index.backend qdrant needs database.qdrant.host"))
	}
	if c.Embedding.Dimension != 0 && c.Embedding.Dimension != c.Index.Dimension {
		errs = append(errs, fmt.Errorf("embedding.dimension %d differs from index.dimension %d", c.Embedding.Dimension, c.Index.Dimension))
	}
	return errors.Join(errs...)
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:default} with environment values.
// Unset or empty variables take the default, or the empty string.
func Expand(data string) string {
	return envVarRe.ReplaceAllStringFunc(data, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(Expand(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Defaults()
	return &cfg, nil
}

// Duration is a time.Duration written as a Go duration string ("90s",
// "1h") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(x * float64(time.Second))
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration: unexpected %s", string(b))
	}
	return nil
}
