package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	backendLevelDB = "leveldb"
	backendRedis   = "redis"
	backendMemory  = "memory"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Backend           string   `yaml:"backend"`
		Version           string   `yaml:"version"`
		Dir               string   `yaml:"dir"`
		MaxBodySize       string   `yaml:"maxBodySize"`
		IgnoreQueryParams []string `yaml:"ignoreQueryParams"`
		Redis             struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`

		maxBodyBytes int64
	} `yaml:"storage"`

	Routes struct {
		APIPrefix  string `yaml:"apiPrefix"`
		APITimeout string `yaml:"apiTimeout"`

		apiTimeoutDur time.Duration
	} `yaml:"routes"`

	Expiration struct {
		MaxEntries int    `yaml:"maxEntries"`
		MaxAge     string `yaml:"maxAge"`
		Sweep      string `yaml:"sweep"`

		maxAgeDur time.Duration
	} `yaml:"expiration"`

	Precache struct {
		Manifest    string `yaml:"manifest"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"precache"`

	Push struct {
		DefaultTitle string `yaml:"defaultTitle"`
		DefaultBody  string `yaml:"defaultBody"`
		Icon         string `yaml:"icon"`
		Badge        string `yaml:"badge"`
		Tag          string `yaml:"tag"`
		StartURL     string `yaml:"startURL"`

		NSQ struct {
			Lookupd []string `yaml:"lookupd"`
			Nsqd    []string `yaml:"nsqd"`
			Topic   string   `yaml:"topic"`
			Channel string   `yaml:"channel"`
		} `yaml:"nsq"`
	} `yaml:"push"`

	// Identity lists the request headers that tell one client from another.
	// Runtime cache keys and hub windows are partitioned by them.
	Identity struct {
		Headers []string `yaml:"headers"`
	} `yaml:"identity"`

	Hub struct {
		Enabled bool `yaml:"enabled"`
		// AllowedOrigins are accepted in addition to the request's own host.
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"hub"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and compiles durations and sizes.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if err := cfg.compileStorage(); err != nil {
		return Config{}, err
	}
	if err := cfg.compileRoutes(); err != nil {
		return Config{}, err
	}
	if err := cfg.compileExpiration(); err != nil {
		return Config{}, err
	}

	if cfg.Identity.Headers == nil {
		cfg.Identity.Headers = []string{"Authorization", "Cookie"}
	}
	if len(cfg.Hub.AllowedOrigins) == 0 {
		cfg.Hub.AllowedOrigins = []string{cfg.Server.Origin}
	}

	if cfg.Precache.Concurrency <= 0 {
		cfg.Precache.Concurrency = 4
	}

	p := &cfg.Push
	p.DefaultTitle = defaultString(p.DefaultTitle, "Tagflow")
	p.DefaultBody = defaultString(p.DefaultBody, "Nova notificação")
	p.Icon = defaultString(p.Icon, "/pwa-192x192.png")
	p.Badge = defaultString(p.Badge, "/pwa-64x64.png")
	p.Tag = defaultString(p.Tag, "tagflow")
	p.StartURL = defaultString(p.StartURL, "/")
	if p.NSQ.Topic != "" {
		p.NSQ.Channel = defaultString(p.NSQ.Channel, "gateway")
		if len(p.NSQ.Lookupd) == 0 && len(p.NSQ.Nsqd) == 0 {
			return Config{}, fmt.Errorf("push.nsq: lookupd or nsqd address required with topic %q", p.NSQ.Topic)
		}
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	return cfg, nil
}

func (cfg *Config) compileStorage() error {
	st := &cfg.Storage
	st.Backend = strings.ToLower(defaultString(st.Backend, backendLevelDB))
	switch st.Backend {
	case backendLevelDB:
		st.Dir = defaultString(st.Dir, "./data/leveldb")
	case backendRedis:
		if st.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
		st.Redis.Prefix = defaultString(st.Redis.Prefix, "tagflow")
	case backendMemory:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", st.Backend)
	}

	n, err := parseBytes(defaultString(st.MaxBodySize, "5mb"))
	if err != nil {
		return fmt.Errorf("storage.maxBodySize: %w", err)
	}
	st.maxBodyBytes = n

	if st.IgnoreQueryParams == nil {
		st.IgnoreQueryParams = []string{"_", "utm_*", "fbclid"}
	}
	return nil
}

func (cfg *Config) compileRoutes() error {
	rt := &cfg.Routes
	rt.APIPrefix = "/" + strings.Trim(defaultString(rt.APIPrefix, "/api"), "/")
	d, err := time.ParseDuration(defaultString(rt.APITimeout, "3s"))
	if err != nil {
		return fmt.Errorf("routes.apiTimeout: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("routes.apiTimeout: must be positive")
	}
	rt.apiTimeoutDur = d
	return nil
}

func (cfg *Config) compileExpiration() error {
	ex := &cfg.Expiration
	if ex.MaxEntries == 0 {
		ex.MaxEntries = 60
	}
	if ex.MaxEntries < 0 {
		return fmt.Errorf("expiration.maxEntries: must not be negative")
	}
	d, err := parseAge(defaultString(ex.MaxAge, "30d"))
	if err != nil {
		return fmt.Errorf("expiration.maxAge: %w", err)
	}
	ex.maxAgeDur = d

	ex.Sweep = defaultString(ex.Sweep, "@every 1h")
	if ex.Sweep != "off" {
		if _, err := cron.ParseStandard(ex.Sweep); err != nil {
			return fmt.Errorf("expiration.sweep: %w", err)
		}
	}
	return nil
}

func (cfg Config) Policy() ExpirationPolicy {
	return ExpirationPolicy{MaxEntries: cfg.Expiration.MaxEntries, MaxAge: cfg.Expiration.maxAgeDur}
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
