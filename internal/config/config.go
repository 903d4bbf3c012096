package config

import (
	"time"

	"github.com/IBM/sarama"
	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Queue    *QueueConfig
	Ocr      *OcrConfig
	Storage  *StorageConfig
	Stream   *StreamConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"docpipeline"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address         string `envconfig:"DOCPIPE_ADDRESS" default:":3443"`
	MetricsAddress  string `envconfig:"DOCPIPE_METRICS_ADDRESS" default:":8080"`
	BaseUrl         string `envconfig:"DOCPIPE_BASE_URL" default:"http://localhost:3443"`
	LogLevel        string `envconfig:"DOCPIPE_LOG_LEVEL" default:"info"`
	MigrationFolder string   `envconfig:"DOCPIPE_MIGRATIONS_FOLDER" default:""`
	AllowedOrigins  []string `envconfig:"DOCPIPE_ALLOWED_ORIGINS" default:"*"`
	PathPrefix      string   `envconfig:"DOCPIPE_PATH_PREFIX" default:""`
	Kafka           kafkaConfig
}

type kafkaConfig struct {
	Brokers  []string            `envconfig:"DOCPIPE_KAFKA_BROKERS" default:""`
	Topic    string              `envconfig:"DOCPIPE_KAFKA_TOPIC" default:""`
	Version  sarama.KafkaVersion `envconfig:"DOCPIPE_KAFKA_VERSION" default:""`
	ClientID string              `envconfig:"DOCPIPE_KAFKA_CLIENT_ID" default:""`

	SaramaConfig *sarama.Config
}

type QueueConfig struct {
	Workers        int           `envconfig:"DOCPIPE_QUEUE_WORKERS" default:"4"`
	PollInterval   time.Duration `envconfig:"DOCPIPE_QUEUE_POLL_INTERVAL" default:"2s"`
	LeaseDuration  time.Duration `envconfig:"DOCPIPE_QUEUE_LEASE" default:"10m"`
	JobTimeout     time.Duration `envconfig:"DOCPIPE_QUEUE_JOB_TIMEOUT" default:"5m"`
	MaxAttempts    int           `envconfig:"DOCPIPE_QUEUE_MAX_ATTEMPTS" default:"3"`
	ReapInterval   time.Duration `envconfig:"DOCPIPE_QUEUE_REAP_INTERVAL" default:"1m"`
	CompletedTTL   time.Duration `envconfig:"DOCPIPE_QUEUE_COMPLETED_RETENTION" default:"168h"`
	FailedTTL      time.Duration `envconfig:"DOCPIPE_QUEUE_FAILED_RETENTION" default:"720h"`
	PruneInterval  time.Duration `envconfig:"DOCPIPE_QUEUE_PRUNE_INTERVAL" default:"1h"`
	MaintenanceOff bool          `envconfig:"DOCPIPE_QUEUE_MAINTENANCE_DISABLED" default:"false"`
}

type OcrConfig struct {
	MaxFileSize           int64         `envconfig:"DOCPIPE_OCR_MAX_FILE_SIZE" default:"26214400"`
	StructuralThreshold   float64       `envconfig:"DOCPIPE_OCR_STRUCTURAL_THRESHOLD" default:"0.85"`
	ConfidenceThreshold   float64       `envconfig:"DOCPIPE_OCR_CONFIDENCE_THRESHOLD" default:"0.75"`
	CompletenessThreshold float64       `envconfig:"DOCPIPE_OCR_COMPLETENESS_THRESHOLD" default:"0.6"`
	ProviderTimeout       time.Duration `envconfig:"DOCPIPE_OCR_PROVIDER_TIMEOUT" default:"30s"`
	Vision                VisionConfig
	Tesseract             TesseractConfig
	Llm                   LlmConfig
}

type VisionConfig struct {
	Enabled  bool          `envconfig:"DOCPIPE_VISION_ENABLED" default:"false"`
	Endpoint string        `envconfig:"DOCPIPE_VISION_ENDPOINT" default:"https://vision.googleapis.com/v1"`
	ApiKey   string        `envconfig:"DOCPIPE_VISION_API_KEY" default:""`
	Timeout  time.Duration `envconfig:"DOCPIPE_VISION_TIMEOUT" default:"20s"`
}

type TesseractConfig struct {
	Enabled   bool          `envconfig:"DOCPIPE_TESSERACT_ENABLED" default:"true"`
	Languages []string      `envconfig:"DOCPIPE_TESSERACT_LANGUAGES" default:"eng"`
	PdfToPpm  string        `envconfig:"DOCPIPE_PDFTOPPM_PATH" default:"pdftoppm"`
	Dpi       int           `envconfig:"DOCPIPE_RASTER_DPI" default:"300"`
	MaxPages  int           `envconfig:"DOCPIPE_RASTER_MAX_PAGES" default:"10"`
	Timeout   time.Duration `envconfig:"DOCPIPE_TESSERACT_TIMEOUT" default:"60s"`
}

type LlmConfig struct {
	Enabled  bool          `envconfig:"DOCPIPE_LLM_ENABLED" default:"false"`
	Endpoint string        `envconfig:"DOCPIPE_LLM_ENDPOINT" default:"https://api.openai.com/v1"`
	ApiKey   string        `envconfig:"DOCPIPE_LLM_API_KEY" default:""`
	Model    string        `envconfig:"DOCPIPE_LLM_MODEL" default:"gpt-4o-mini"`
	Timeout  time.Duration `envconfig:"DOCPIPE_LLM_TIMEOUT" default:"45s"`
}

type StorageConfig struct {
	Type      string `envconfig:"DOCPIPE_STORAGE_TYPE" default:"local"`
	LocalPath string `envconfig:"DOCPIPE_STORAGE_PATH" default:"/var/lib/docpipeline"`
	Endpoint  string `envconfig:"DOCPIPE_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"DOCPIPE_S3_BUCKET" default:"documents"`
	AccessKey string `envconfig:"DOCPIPE_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"DOCPIPE_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"DOCPIPE_S3_USE_SSL" default:"true"`
}

type StreamConfig struct {
	TickInterval time.Duration `envconfig:"DOCPIPE_STREAM_TICK" default:"2s"`
	MaxLifetime  time.Duration `envconfig:"DOCPIPE_STREAM_MAX_LIFETIME" default:"10m"`
	PollRetry    time.Duration `envconfig:"DOCPIPE_STREAM_POLL_RETRY" default:"3s"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns the built-in defaults backed by an in-memory SQLite
// database. The process environment is ignored.
func NewDefault() *Config {
	cfg := &Config{
		Database: &dbConfig{Type: "sqlite", Name: ":memory:"},
		Service:  &svcConfig{Address: ":3443", MetricsAddress: ":8080", LogLevel: "debug", AllowedOrigins: []string{"*"}},
		Queue: &QueueConfig{
			Workers:       2,
			PollInterval:  50 * time.Millisecond,
			LeaseDuration: time.Minute,
			JobTimeout:    10 * time.Second,
			MaxAttempts:   3,
			ReapInterval:  time.Second,
			CompletedTTL:  168 * time.Hour,
			FailedTTL:     720 * time.Hour,
			PruneInterval: time.Hour,
		},
		Ocr: &OcrConfig{
			MaxFileSize:           25 << 20,
			StructuralThreshold:   0.85,
			ConfidenceThreshold:   0.75,
			CompletenessThreshold: 0.6,
			ProviderTimeout:       5 * time.Second,
			Tesseract:             TesseractConfig{Languages: []string{"eng"}, PdfToPpm: "pdftoppm", Dpi: 300, MaxPages: 10},
		},
		Storage: &StorageConfig{Type: "local"},
		Stream:  &StreamConfig{TickInterval: 50 * time.Millisecond, MaxLifetime: time.Minute, PollRetry: 3 * time.Second},
	}
	return cfg
}
