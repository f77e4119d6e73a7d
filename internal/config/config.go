package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"sohio.net/snowgen/internal/snowflake"
)

const (
	JTISnowflake = "snowflake"
	JTIUUID      = "uuid"
)

type Config struct {
	PartitionID uint8
	WorkerID    uint8
	EpochMs     int64

	HTTPAddr    string
	LogLevel    string
	DatabaseURL string

	JWTSecret string
	TokenTTL  time.Duration
	JTI       string

	RateLimit int
	MaxBatch  int
}

func Default() Config {
	return Config{
		EpochMs:   snowflake.DefaultEpochMs,
		HTTPAddr:  ":9000",
		LogLevel:  "info",
		TokenTTL:  time.Hour,
		JTI:       JTISnowflake,
		RateLimit: 600,
		MaxBatch:  1000,
	}
}

// Load reads the environment, after merging in a .env file from the working
// directory if there is one.
//
// The partition and worker ids come from SNOWGEN_PARTITION_ID and
// SNOWGEN_WORKER_ID. When neither is set and POD_IP is, they are derived from
// the pod address within SNOWGEN_WORKER_CIDR.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	var err error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int, min, max int) {
		v, ok := lookup(key)
		if !ok || v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		if n < min || n > max {
			err = fmt.Errorf("%s=%d must be between %d and %d", key, n, min, max)
			return
		}
		*dst = n
	}

	str("SNOWGEN_HTTP_ADDR", &cfg.HTTPAddr)
	str("SNOWGEN_LOG_LEVEL", &cfg.LogLevel)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("SNOWGEN_JTI", &cfg.JTI)

	partition, worker := -1, -1
	integer("SNOWGEN_PARTITION_ID", &partition, 0, snowflake.MaxPartitionID)
	integer("SNOWGEN_WORKER_ID", &worker, 0, snowflake.MaxWorkerID)
	integer("SNOWGEN_RATE_LIMIT", &cfg.RateLimit, 1, 1<<20)
	integer("SNOWGEN_MAX_BATCH", &cfg.MaxBatch, 1, snowflake.MaxSequence+1)
	if err != nil {
		return nil, err
	}

	if v, ok := lookup("SNOWGEN_EPOCH_MS"); ok && v != "" {
		if cfg.EpochMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("SNOWGEN_EPOCH_MS: %w", err)
		}
	}
	if v, ok := lookup("SNOWGEN_TOKEN_TTL"); ok && v != "" {
		if cfg.TokenTTL, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("SNOWGEN_TOKEN_TTL: %w", err)
		}
		if cfg.TokenTTL <= 0 {
			return nil, fmt.Errorf("SNOWGEN_TOKEN_TTL=%s must be positive", v)
		}
	}
	if cfg.JTI != JTISnowflake && cfg.JTI != JTIUUID {
		return nil, fmt.Errorf("SNOWGEN_JTI=%s, use %s or %s", cfg.JTI, JTISnowflake, JTIUUID)
	}

	podIP, _ := lookup("POD_IP")
	switch {
	case partition >= 0 || worker >= 0:
		if partition < 0 || worker < 0 {
			return nil, errors.New("SNOWGEN_PARTITION_ID and SNOWGEN_WORKER_ID must be set together")
		}
		cfg.PartitionID, cfg.WorkerID = uint8(partition), uint8(worker)
	case podIP != "":
		cidr, _ := lookup("SNOWGEN_WORKER_CIDR")
		if cfg.PartitionID, cfg.WorkerID, err = TopologyFromPodIP(cidr, podIP); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("one of SNOWGEN_PARTITION_ID/SNOWGEN_WORKER_ID or POD_IP/SNOWGEN_WORKER_CIDR is required")
	}

	return &cfg, nil
}
