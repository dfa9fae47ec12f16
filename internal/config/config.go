package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Service     ServiceConfig   `yaml:"service"`
	Cache       CacheConfig     `yaml:"cache"`
	Providers   ProvidersConfig `yaml:"providers"`
}

type BusConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Embedded        bool     `yaml:"embedded"`
	Port            int      `yaml:"port"`
	Servers         []string `yaml:"servers"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	Token           string   `yaml:"token"`
	TLSInsecure     bool     `yaml:"tls_insecure"`
	ConnectTimeout  int      `yaml:"connect_timeout_ms"`
	MaxPayloadBytes int      `yaml:"max_payload_bytes"`
}

type ServiceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Subject          string `yaml:"subject"`
	PurgeSubject     string `yaml:"purge_subject"`
	QueueGroup       string `yaml:"queue_group"`
	MaxConcurrency   int    `yaml:"max_concurrency"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

// Cache modes.
const (
	CacheDisabled = "disabled"
	CacheMemory   = "memory"
	CacheSQLite   = "sqlite"
)

// Expiry policies. Manual keeps entries until an explicit purge.
const (
	ExpiryManual = "manual"
	ExpiryAge    = "age"
)

type CacheConfig struct {
	Mode            string `yaml:"mode"`
	Path            string `yaml:"path"`
	MemoryEntries   int    `yaml:"memory_entries"`
	MaxEntries      int    `yaml:"max_entries"`
	Expiry          string `yaml:"expiry"`
	MaxAgeHours     int    `yaml:"max_age_hours"`
	SweepIntervalMS int    `yaml:"sweep_interval_ms"`
	VacuumOnPurge   bool   `yaml:"vacuum_on_purge"`
}

type ProvidersConfig struct {
	Bcut     ProviderConfig `yaml:"bcut"`
	JianYing ProviderConfig `yaml:"jianying"`
	Kuaishou ProviderConfig `yaml:"kuaishou"`
}

type ProviderConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BaseURL           string  `yaml:"base_url"`
	RequestTimeoutMS  int     `yaml:"request_timeout_ms"`
	PollIntervalMS    int     `yaml:"poll_interval_ms"`
	PollTimeoutMS     int     `yaml:"poll_timeout_ms"`
	MaxRetries        int     `yaml:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Words             bool    `yaml:"words"`
	ModelID           string  `yaml:"model_id"`
	ChunkSize         int     `yaml:"chunk_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:         true,
			Embedded:        true,
			Port:            4222,
			Servers:         []string{"nats://localhost:4222"},
			ConnectTimeout:  2000,
			MaxPayloadBytes: 32 << 20,
		},
		Service: ServiceConfig{
			Enabled:          true,
			Subject:          "asr.recognize",
			PurgeSubject:     "asr.cache.purge",
			QueueGroup:       "loqa-asr",
			MaxConcurrency:   4,
			RequestTimeoutMS: 600000,
		},
		Cache: CacheConfig{
			Mode:            CacheSQLite,
			Path:            "./data/loqa-asr-cache.db",
			MemoryEntries:   512,
			MaxEntries:      10000,
			Expiry:          ExpiryManual,
			MaxAgeHours:     24 * 30,
			SweepIntervalMS: 3600000,
		},
		Providers: ProvidersConfig{
			Bcut: ProviderConfig{
				Enabled:          true,
				BaseURL:          "https://member.bilibili.com/x/bcut/rubick-interface",
				RequestTimeoutMS: 60000,
				PollIntervalMS:   1000,
				PollTimeoutMS:    300000,
				MaxRetries:       3,
				Words:            true,
				ModelID:          "8",
				ChunkSize:        4 << 20,
			},
			JianYing: ProviderConfig{
				Enabled:          true,
				BaseURL:          "https://lv-pc-api-sinfonlinec.ulikecam.com",
				RequestTimeoutMS: 60000,
				PollIntervalMS:   1000,
				PollTimeoutMS:    120000,
				MaxRetries:       3,
				Words:            true,
			},
			Kuaishou: ProviderConfig{
				Enabled:          true,
				BaseURL:          "https://ai.kuaishou.com",
				RequestTimeoutMS: 120000,
				PollIntervalMS:   1000,
				PollTimeoutMS:    120000,
				MaxRetries:       3,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_ASR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_ASR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_ASR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_ASR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_ASR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_ASR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_ASR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_ASR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_ASR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_ASR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_ASR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_ASR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_ASR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_ASR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_ASR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_ASR_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayloadBytes, "LOQA_ASR_BUS_MAX_PAYLOAD_BYTES")
	overrideBool(&cfg.Service.Enabled, "LOQA_ASR_SERVICE_ENABLED")
	overrideString(&cfg.Service.Subject, "LOQA_ASR_SERVICE_SUBJECT")
	overrideString(&cfg.Service.PurgeSubject, "LOQA_ASR_SERVICE_PURGE_SUBJECT")
	overrideString(&cfg.Service.QueueGroup, "LOQA_ASR_SERVICE_QUEUE_GROUP")
	overrideInt(&cfg.Service.MaxConcurrency, "LOQA_ASR_SERVICE_MAX_CONCURRENCY")
	overrideInt(&cfg.Service.RequestTimeoutMS, "LOQA_ASR_SERVICE_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Cache.Mode, "LOQA_ASR_CACHE_MODE")
	overrideString(&cfg.Cache.Path, "LOQA_ASR_CACHE_PATH")
	overrideInt(&cfg.Cache.MemoryEntries, "LOQA_ASR_CACHE_MEMORY_ENTRIES")
	overrideInt(&cfg.Cache.MaxEntries, "LOQA_ASR_CACHE_MAX_ENTRIES")
	overrideString(&cfg.Cache.Expiry, "LOQA_ASR_CACHE_EXPIRY")
	overrideInt(&cfg.Cache.MaxAgeHours, "LOQA_ASR_CACHE_MAX_AGE_HOURS")
	overrideInt(&cfg.Cache.SweepIntervalMS, "LOQA_ASR_CACHE_SWEEP_INTERVAL_MS")
	overrideBool(&cfg.Cache.VacuumOnPurge, "LOQA_ASR_CACHE_VACUUM_ON_PURGE")
	overrideProvider(&cfg.Providers.Bcut, "LOQA_ASR_BCUT")
	overrideString(&cfg.Providers.Bcut.ModelID, "LOQA_ASR_BCUT_MODEL_ID")
	overrideInt(&cfg.Providers.Bcut.ChunkSize, "LOQA_ASR_BCUT_CHUNK_SIZE")
	overrideProvider(&cfg.Providers.JianYing, "LOQA_ASR_JIANYING")
	overrideProvider(&cfg.Providers.Kuaishou, "LOQA_ASR_KUAISHOU")
}

func overrideProvider(p *ProviderConfig, prefix string) {
	overrideBool(&p.Enabled, prefix+"_ENABLED")
	overrideString(&p.BaseURL, prefix+"_BASE_URL")
	overrideInt(&p.RequestTimeoutMS, prefix+"_REQUEST_TIMEOUT_MS")
	overrideInt(&p.PollIntervalMS, prefix+"_POLL_INTERVAL_MS")
	overrideInt(&p.PollTimeoutMS, prefix+"_POLL_TIMEOUT_MS")
	overrideInt(&p.MaxRetries, prefix+"_MAX_RETRIES")
	overrideFloat(&p.RequestsPerSecond, prefix+"_REQUESTS_PER_SECOND")
	overrideBool(&p.Words, prefix+"_WORDS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.MaxPayloadBytes < 0 {
			return errors.New("bus.max_payload_bytes must be >= 0")
		}
	}
	if cfg.Service.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("service.enabled requires bus.enabled")
		}
		if cfg.Service.Subject == "" || cfg.Service.PurgeSubject == "" {
			return errors.New("service.subject and service.purge_subject must not be empty")
		}
		if cfg.Service.MaxConcurrency <= 0 {
			return errors.New("service.max_concurrency must be >= 1")
		}
		if cfg.Service.RequestTimeoutMS <= 0 {
			return errors.New("service.request_timeout_ms must be positive")
		}
	}
	if err := validateCache(cfg.Cache); err != nil {
		return err
	}
	for name, p := range map[string]ProviderConfig{
		"bcut":     cfg.Providers.Bcut,
		"jianying": cfg.Providers.JianYing,
		"kuaishou": cfg.Providers.Kuaishou,
	} {
		if err := validateProvider(name, p); err != nil {
			return err
		}
	}
	return nil
}

func validateCache(c CacheConfig) error {
	switch c.Mode {
	case CacheDisabled, CacheMemory, CacheSQLite:
	default:
		return errors.New("cache.mode must be one of disabled|memory|sqlite")
	}
	switch c.Expiry {
	case ExpiryManual:
	case ExpiryAge:
		if c.MaxAgeHours <= 0 {
			return errors.New("cache.max_age_hours must be positive when expiry=age")
		}
		if c.SweepIntervalMS <= 0 {
			return errors.New("cache.sweep_interval_ms must be positive when expiry=age")
		}
	default:
		return errors.New("cache.expiry must be one of manual|age")
	}
	if c.Mode == CacheSQLite && c.Path == "" {
		return errors.New("cache.path must not be empty when mode=sqlite")
	}
	if c.Mode != CacheDisabled && c.MemoryEntries < 0 {
		return errors.New("cache.memory_entries must be >= 0")
	}
	if c.MaxEntries < 0 {
		return errors.New("cache.max_entries must be >= 0 (0 means unbounded)")
	}
	if c.Mode == CacheMemory && c.MemoryEntries == 0 {
		return errors.New("cache.memory_entries must be positive when mode=memory")
	}
	return nil
}

func validateProvider(name string, p ProviderConfig) error {
	if !p.Enabled {
		return nil
	}
	if p.BaseURL == "" {
		return fmt.Errorf("providers.%s.base_url must not be empty when enabled", name)
	}
	if p.PollIntervalMS <= 0 || p.PollIntervalMS > p.PollTimeoutMS {
		return fmt.Errorf("providers.%s.poll_interval_ms must be in (0, poll_timeout_ms]", name)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("providers.%s.max_retries must be >= 0", name)
	}
	if p.RequestTimeoutMS < 0 {
		return fmt.Errorf("providers.%s.request_timeout_ms must be >= 0", name)
	}
	if p.RequestsPerSecond < 0 {
		return fmt.Errorf("providers.%s.requests_per_second must be >= 0", name)
	}
	return nil
}
