package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration object, built once at startup and
// handed to every layer through wire.
type Bootstrap struct {
	Server         *Server
	Data           *Data
	Log            *Log
	OpenRouter     *OpenRouter
	RateLimit      *RateLimit
	CircuitBreaker *CircuitBreaker
	Conversation   *Conversation
	Cache          *Cache
	Audit          *Audit
	Cron           *Cron
}

type Server struct {
	Http *Server_HTTP
}

type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
	// ApiToken enables bearer-token auth on every route when non-empty.
	ApiToken string
}

type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

type Data_Database struct {
	Driver string
	Source string
}

type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	Db           int32
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
	MaxSize    int32 // megabytes
	MaxAge     int32 // days
	MaxBackups int32
	Compress   bool
}

// OpenRouter holds endpoint, credential and per-model settings for the
// outbound completion API.
type OpenRouter struct {
	BaseUrl       string
	DefaultApiKey string
	ModelKeys     []*ModelKey
	// EncryptionKey opens API keys written as "enc:<base64>".
	EncryptionKey string
	ProxyUrl      string
	Referer       string
	Title         string
	BaseTimeout   *durationpb.Duration
	Capabilities  []*ModelCapability
}

type ModelKey struct {
	Model  string
	ApiKey string
}

// ModelCapability maps a model-id glob pattern to request tuning.
type ModelCapability struct {
	Pattern      string
	Timeout      *durationpb.Duration
	PromptSuffix string
}

type RateLimit struct {
	RequestsPerMinute int32
	BucketCapacity    float64
	RefillRate        float64 // tokens per second
	JitterFactor      float64
	MaxRetries        int32
	BackoffBase       *durationpb.Duration
	BackoffMax        *durationpb.Duration
	RequestDelay      *durationpb.Duration
	// MaxWait bounds the total time one request may spend waiting for
	// bucket admission. Zero waits forever.
	MaxWait       *durationpb.Duration
	MaxParallel   int32
	FallbackDelay *durationpb.Duration
}

type CircuitBreaker struct {
	FailureThreshold int32
	RecoveryTimeout  *durationpb.Duration
	TimeoutFactor    float64
	MaxTimeout       *durationpb.Duration
}

type Conversation struct {
	MaxTurns           int32
	MinTurns           int32
	ConsensusThreshold float64
	Temperature        float64
	MaxTokens          int32
	SummaryTruncate    int32
	TranscriptTtl      *durationpb.Duration
	Participants       []*Participant
}

type Participant struct {
	Role         string
	Model        string
	BackupModels []string
	SystemPrompt string
}

type Cache struct {
	Enabled bool
	Size    int32
	Ttl     *durationpb.Duration
}

type Audit struct {
	Database bool
	FilePath string
}

type Cron struct {
	CircuitSnapshot string
}
