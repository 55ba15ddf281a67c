package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServiceConf holds process-level settings read from the environment.
//
// Environment variables:
//   - HTTP_ADDR: listen address (default :8080)
//   - LOG_LEVEL / LOG_FORMAT: debug|info|warn|error and text|json
//   - STORE_DRIVER / STORE_DSN: "sqlite" or "pgx" decision log (empty driver = in-memory)
//   - REDIS_ADDRESS / REDIS_PASSWORD / REDIS_DB: enables Redis dedup and notifications
//   - NOTIFY_CHANNEL_PREFIX: Redis channel prefix (default "notifications:")
//   - RUNNER_URL / RUNNER_TIMEOUT: deployment runner collaborator
type ServiceConf struct {
	HTTPAddr            string
	LogLevel            string
	LogFormat           string
	StoreDriver         string
	StoreDSN            string
	RedisAddress        string
	RedisPassword       string
	RedisDB             int
	NotifyChannelPrefix string
	RunnerURL           string
	RunnerTimeout       time.Duration
}

// LoadEnv reads .env files (missing files are ignored) and then the process
// environment. Variables already set in the environment take precedence.
func LoadEnv(files ...string) (*ServiceConf, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	conf := &ServiceConf{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		StoreDriver:         os.Getenv("STORE_DRIVER"),
		StoreDSN:            os.Getenv("STORE_DSN"),
		RedisAddress:        os.Getenv("REDIS_ADDRESS"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		NotifyChannelPrefix: getEnv("NOTIFY_CHANNEL_PREFIX", "notifications:"),
		RunnerURL:           os.Getenv("RUNNER_URL"),
		RunnerTimeout:       10 * time.Second,
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("REDIS_DB must be an integer")
		}
		conf.RedisDB = n
	}
	if v := os.Getenv("RUNNER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.New("RUNNER_TIMEOUT must be a duration")
		}
		conf.RunnerTimeout = d
	}
	if conf.StoreDriver != "" && conf.StoreDSN == "" {
		return nil, errors.New("STORE_DSN is required when STORE_DRIVER is set")
	}
	return conf, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
