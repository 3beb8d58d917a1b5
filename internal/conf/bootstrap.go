// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with METACREW_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Secrets can also be supplied through their conventional names:
//   - OPENROUTER_API_KEY: default API key for every model
//   - MYSQL_DSN: completion audit database
//   - ENCRYPTION_KEY: key used to open "enc:" prefixed model keys
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("METACREW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("openrouter.default_api_key", "OPENROUTER_API_KEY", "METACREW_OPENROUTER_DEFAULT_API_KEY")
	_ = v.BindEnv("openrouter.encryption_key", "ENCRYPTION_KEY", "METACREW_OPENROUTER_ENCRYPTION_KEY")
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "METACREW_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "METACREW_DATA_REDIS_ADDR")
	_ = v.BindEnv("server.http.api_token", "METACREW_SERVER_HTTP_API_TOKEN")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	openRouter, err := loadOpenRouter(v)
	if err != nil {
		return nil, err
	}
	conversation, err := loadConversation(v)
	if err != nil {
		return nil, err
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network:  v.GetString("server.http.network"),
				Addr:     v.GetString("server.http.addr"),
				Timeout:  durationpb.New(v.GetDuration("server.http.timeout")),
				ApiToken: v.GetString("server.http.api_token"),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				Db:           v.GetInt32("data.redis.db"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
			MaxSize:    v.GetInt32("log.max_size"),
			MaxAge:     v.GetInt32("log.max_age"),
			MaxBackups: v.GetInt32("log.max_backups"),
			Compress:   v.GetBool("log.compress"),
		},
		OpenRouter: openRouter,
		RateLimit: &RateLimit{
			RequestsPerMinute: v.GetInt32("rate_limit.requests_per_minute"),
			BucketCapacity:    v.GetFloat64("rate_limit.bucket_capacity"),
			RefillRate:        v.GetFloat64("rate_limit.refill_rate"),
			JitterFactor:      v.GetFloat64("rate_limit.jitter_factor"),
			MaxRetries:        v.GetInt32("rate_limit.max_retries"),
			BackoffBase:       durationpb.New(v.GetDuration("rate_limit.backoff_base")),
			BackoffMax:        durationpb.New(v.GetDuration("rate_limit.backoff_max")),
			RequestDelay:      durationpb.New(v.GetDuration("rate_limit.request_delay")),
			MaxWait:           durationpb.New(v.GetDuration("rate_limit.max_wait")),
			MaxParallel:       v.GetInt32("rate_limit.max_parallel"),
			FallbackDelay:     durationpb.New(v.GetDuration("rate_limit.fallback_delay")),
		},
		CircuitBreaker: &CircuitBreaker{
			FailureThreshold: v.GetInt32("circuit_breaker.failure_threshold"),
			RecoveryTimeout:  durationpb.New(v.GetDuration("circuit_breaker.recovery_timeout")),
			TimeoutFactor:    v.GetFloat64("circuit_breaker.timeout_factor"),
			MaxTimeout:       durationpb.New(v.GetDuration("circuit_breaker.max_timeout")),
		},
		Conversation: conversation,
		Cache: &Cache{
			Enabled: v.GetBool("cache.enabled"),
			Size:    v.GetInt32("cache.size"),
			Ttl:     durationpb.New(v.GetDuration("cache.ttl")),
		},
		Audit: &Audit{
			Database: v.GetBool("audit.database"),
			FilePath: v.GetString("audit.file_path"),
		},
		Cron: &Cron{
			CircuitSnapshot: v.GetString("cron.circuit_snapshot"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

type modelKeyEntry struct {
	Model  string `mapstructure:"model"`
	ApiKey string `mapstructure:"api_key"`
}

type capabilityEntry struct {
	Pattern      string        `mapstructure:"pattern"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PromptSuffix string        `mapstructure:"prompt_suffix"`
}

type participantEntry struct {
	Role         string   `mapstructure:"role"`
	Model        string   `mapstructure:"model"`
	BackupModels []string `mapstructure:"backup_models"`
	SystemPrompt string   `mapstructure:"system_prompt"`
}

// loadOpenRouter reads the list-valued sections with UnmarshalKey; model ids
// contain dots and mixed case, so they cannot be used as viper map keys.
func loadOpenRouter(v *viper.Viper) (*OpenRouter, error) {
	var keys []modelKeyEntry
	if err := v.UnmarshalKey("openrouter.model_keys", &keys); err != nil {
		return nil, fmt.Errorf("failed to parse openrouter.model_keys: %w", err)
	}
	var caps []capabilityEntry
	if err := v.UnmarshalKey("openrouter.capabilities", &caps); err != nil {
		return nil, fmt.Errorf("failed to parse openrouter.capabilities: %w", err)
	}

	or := &OpenRouter{
		BaseUrl:       v.GetString("openrouter.base_url"),
		DefaultApiKey: v.GetString("openrouter.default_api_key"),
		EncryptionKey: v.GetString("openrouter.encryption_key"),
		ProxyUrl:      v.GetString("openrouter.proxy_url"),
		Referer:       v.GetString("openrouter.referer"),
		Title:         v.GetString("openrouter.title"),
		BaseTimeout:   durationpb.New(v.GetDuration("openrouter.base_timeout")),
	}
	for _, k := range keys {
		or.ModelKeys = append(or.ModelKeys, &ModelKey{Model: k.Model, ApiKey: k.ApiKey})
	}
	for _, c := range caps {
		or.Capabilities = append(or.Capabilities, &ModelCapability{
			Pattern:      c.Pattern,
			Timeout:      durationpb.New(c.Timeout),
			PromptSuffix: c.PromptSuffix,
		})
	}
	return or, nil
}

func loadConversation(v *viper.Viper) (*Conversation, error) {
	var participants []participantEntry
	if err := v.UnmarshalKey("conversation.participants", &participants); err != nil {
		return nil, fmt.Errorf("failed to parse conversation.participants: %w", err)
	}

	c := &Conversation{
		MaxTurns:           v.GetInt32("conversation.max_turns"),
		MinTurns:           v.GetInt32("conversation.min_turns"),
		ConsensusThreshold: v.GetFloat64("conversation.consensus_threshold"),
		Temperature:        v.GetFloat64("conversation.temperature"),
		MaxTokens:          v.GetInt32("conversation.max_tokens"),
		SummaryTruncate:    v.GetInt32("conversation.summary_truncate"),
		TranscriptTtl:      durationpb.New(v.GetDuration("conversation.transcript_ttl")),
	}
	for _, p := range participants {
		c.Participants = append(c.Participants, &Participant{
			Role:         p.Role,
			Model:        p.Model,
			BackupModels: p.BackupModels,
			SystemPrompt: p.SystemPrompt,
		})
	}
	return c, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	// A conversation runs many sequential completions.
	v.SetDefault("server.http.timeout", 30*time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.compress", true)

	// OpenRouter defaults
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.referer", "https://github.com/metacrew/metacrew")
	v.SetDefault("openrouter.title", "MetaCrew")
	v.SetDefault("openrouter.base_timeout", 120*time.Second)
	v.SetDefault("openrouter.capabilities", []map[string]interface{}{
		{"pattern": "*70b*", "timeout": "240s"},
		{"pattern": "*128k*", "timeout": "300s"},
		{"pattern": "*32b*", "timeout": "180s"},
		{"pattern": "*22b*", "timeout": "180s"},
	})

	// Rate limit defaults
	v.SetDefault("rate_limit.requests_per_minute", 20)
	v.SetDefault("rate_limit.bucket_capacity", 20)
	v.SetDefault("rate_limit.refill_rate", 0.33)
	v.SetDefault("rate_limit.jitter_factor", 0.2)
	v.SetDefault("rate_limit.max_retries", 3)
	v.SetDefault("rate_limit.backoff_base", 2*time.Second)
	v.SetDefault("rate_limit.backoff_max", 60*time.Second)
	v.SetDefault("rate_limit.request_delay", 500*time.Millisecond)
	v.SetDefault("rate_limit.max_wait", 5*time.Minute)
	v.SetDefault("rate_limit.max_parallel", 3)
	v.SetDefault("rate_limit.fallback_delay", time.Second)

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout", 30*time.Second)
	v.SetDefault("circuit_breaker.timeout_factor", 2.0)
	v.SetDefault("circuit_breaker.max_timeout", 300*time.Second)

	// Conversation defaults
	v.SetDefault("conversation.max_turns", 10)
	v.SetDefault("conversation.min_turns", 3)
	v.SetDefault("conversation.consensus_threshold", 0.8)
	v.SetDefault("conversation.temperature", 0.7)
	v.SetDefault("conversation.max_tokens", 1500)
	v.SetDefault("conversation.summary_truncate", 200)
	v.SetDefault("conversation.transcript_ttl", 7*24*time.Hour)

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.size", 256)
	v.SetDefault("cache.ttl", time.Hour)

	// Audit defaults
	v.SetDefault("audit.database", false)

	// Cron defaults
	v.SetDefault("cron.circuit_snapshot", "@every 30s")
}

// Validate checks that the tuning knobs are usable.
// It returns an error listing every invalid field.
func Validate(bc *Bootstrap) error {
	var invalid []string

	if bc.RateLimit == nil {
		invalid = append(invalid, "rate_limit")
	} else {
		rl := bc.RateLimit
		if rl.BucketCapacity <= 0 {
			invalid = append(invalid, "rate_limit.bucket_capacity (must be > 0)")
		}
		if rl.RefillRate < 0 {
			invalid = append(invalid, "rate_limit.refill_rate (must be >= 0)")
		}
		if rl.JitterFactor < 0 || rl.JitterFactor > 1 {
			invalid = append(invalid, "rate_limit.jitter_factor (must be within [0,1])")
		}
		if rl.MaxRetries < 0 {
			invalid = append(invalid, "rate_limit.max_retries (must be >= 0)")
		}
	}

	if bc.CircuitBreaker == nil {
		invalid = append(invalid, "circuit_breaker")
	} else {
		if bc.CircuitBreaker.FailureThreshold <= 0 {
			invalid = append(invalid, "circuit_breaker.failure_threshold (must be > 0)")
		}
		if bc.CircuitBreaker.TimeoutFactor < 1 {
			invalid = append(invalid, "circuit_breaker.timeout_factor (must be >= 1)")
		}
	}

	if bc.Conversation == nil {
		invalid = append(invalid, "conversation")
	} else {
		c := bc.Conversation
		if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
			invalid = append(invalid, "conversation.consensus_threshold (must be within (0,1])")
		}
		if c.MinTurns > c.MaxTurns {
			invalid = append(invalid, "conversation.min_turns (must be <= max_turns)")
		}
	}

	if bc.OpenRouter != nil {
		for i, c := range bc.OpenRouter.Capabilities {
			if c.Pattern == "" {
				invalid = append(invalid, fmt.Sprintf("openrouter.capabilities[%d].pattern (empty)", i))
			}
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration fields: %s", strings.Join(invalid, ", "))
	}

	return nil
}
