package config

import (
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// EngineConfig holds every tunable the match lifecycle engine needs,
// decoded from environment variables via struct tags.
type EngineConfig struct {
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	DatabaseURL       string `env:"DATABASE_URL,required"`
	DatabaseMaxOpen   int    `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MigrationsPath    string `env:"MIGRATIONS_PATH,default=migrations"`
	RedisAddr         string `env:"REDIS_ADDR,default=127.0.0.1:6379"`
	RedisPassword     string `env:"REDIS_PASSWORD,default="`
	RedisDB           int    `env:"REDIS_DB,default=0"`
	LedgerRPCURL      string `env:"LEDGER_RPC_URL,required"`
	LedgerMaxRetries  int    `env:"LEDGER_MAX_RETRIES,default=3"`
	LedgerCallTimeout time.Duration `env:"LEDGER_CALL_TIMEOUT,default=60s"`

	ContentStoreBaseURL string `env:"CONTENT_STORE_BASE_URL,required"`

	SchedulerInterval     time.Duration `env:"SCHEDULER_INTERVAL,default=30s"`
	PromoterInterval      time.Duration `env:"PROMOTER_INTERVAL,default=5s"`
	PreMatchBettingWindow time.Duration `env:"PRE_MATCH_BETTING_WINDOW,default=120s"`

	HeartbeatTimeout   time.Duration `env:"HEARTBEAT_TIMEOUT,default=60s"`
	WatchdogInterval   time.Duration `env:"WATCHDOG_INTERVAL,default=30s"`
	ReconcilerInterval time.Duration `env:"RECONCILER_INTERVAL,default=60s"`
	StaleMatchTimeout  time.Duration `env:"STALE_MATCH_TIMEOUT,default=30m"`
	TimeoutInterval    time.Duration `env:"TIMEOUT_LOOP_INTERVAL,default=60s"`

	EventListenerPollInterval time.Duration `env:"EVENT_LISTENER_POLL_INTERVAL,default=2s"`
	EventListenerMaxCatchup   uint64        `env:"EVENT_LISTENER_MAX_CATCHUP,default=5000"`
	EventListenerMaxBlockRange uint64       `env:"EVENT_LISTENER_MAX_BLOCK_RANGE,default=500"`

	WorkerPoolMaxConcurrent int           `env:"WORKER_POOL_MAX_CONCURRENT,default=4"`
	WorkerPoolPollInterval  time.Duration `env:"WORKER_POOL_POLL_INTERVAL,default=1s"`
	WorkerDrainTimeout      time.Duration `env:"WORKER_DRAIN_TIMEOUT,default=5m"`

	MaxMatchFrames int `env:"MAX_MATCH_FRAMES,default=100000"`
	FrameSkip      int `env:"FRAME_SKIP,default=4"`
	StreamingFPS   int `env:"STREAMING_FPS,default=60"`
	DataHz         int `env:"DATA_HZ,default=10"`

	ModelCacheSize int `env:"MODEL_CACHE_SIZE,default=16"`

	CalibrationRounds            int     `env:"CALIBRATION_ROUNDS,default=5"`
	CalibrationReferenceModelRef string  `env:"CALIBRATION_REFERENCE_MODEL_REF,default=reference/baseline.bin"`
	CalibrationReferenceElo      float64 `env:"CALIBRATION_REFERENCE_ELO,default=1200"`

	MatchmakerClusterPrefixes string        `env:"MATCHMAKER_CLUSTER_PREFIXES,default="`
	MatchmakerPairCooldown    time.Duration `env:"MATCHMAKER_PAIR_COOLDOWN,default=30m"`

	UploadRetrySchedule string  `env:"UPLOAD_RETRY_SCHEDULE,default=*/1 * * * *"`
	UploadRetryBatch    int     `env:"UPLOAD_RETRY_BATCH,default=25"`
	UploadRetryRate     float64 `env:"UPLOAD_RETRY_RATE,default=5"`

	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`
}

// Load reads a local .env file (if present, ignored otherwise) and decodes
// EngineConfig from the process environment.
func Load() (*EngineConfig, error) {
	_ = godotenv.Load()

	var cfg EngineConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
