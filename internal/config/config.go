package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/SirClappington/chunkq/internal/logger"
)

type Config struct {
	AppEnv       string        `env:"APP_ENV" envDefault:"local"`
	BrokerURL    string        `env:"BROKER_URL,notEmpty"`
	BatchConfig  string        `env:"BATCH_CONFIG"`
	PostgresDSN  string        `env:"POSTGRES_DSN"`
	APIAddr      string        `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr  string        `env:"METRICS_ADDR"`
	JobTTL       time.Duration `env:"JOB_TTL" envDefault:"24h"`
	JobResultTTL time.Duration `env:"JOB_RESULT_TTL" envDefault:"168h"`
	DBRetry      int           `env:"DB_RETRY" envDefault:"5"`
	BatchLogDir  string        `env:"BATCH_LOG_DIR"`
	BatchUser    string        `env:"BATCH_USER" envDefault:"admin"`

	WorkerQueues      []string      `env:"WORKER_QUEUES" envSeparator:","`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	WorkerBlock       time.Duration `env:"WORKER_BLOCK" envDefault:"5s"`
	BisectMaxDepth    int           `env:"BISECT_MAX_DEPTH" envDefault:"0"`
	CallTimeout       time.Duration `env:"CALL_TIMEOUT" envDefault:"5m"`
	PromoteInterval   time.Duration `env:"PROMOTE_INTERVAL" envDefault:"1s"`
	PromoteBatch      int64         `env:"PROMOTE_BATCH" envDefault:"200"`

	Log logger.Config
}

// Load reads the environment, after loading a .env file when one is present.
func Load() (Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	return c, nil
}
