package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port                 string
	AllowedOrigin        string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RemoteBaseURL        string
	RemoteTimeoutSeconds int
	ProbeIntervalSeconds int
	TaxRate              decimal.Decimal
	LowStockThreshold    int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	remoteTimeout, err := strconv.Atoi(getEnv("REMOTE_TIMEOUT_SECONDS", "10"))
	if err != nil || remoteTimeout < 1 {
		remoteTimeout = 10
	}
	probeInterval, err := strconv.Atoi(getEnv("PROBE_INTERVAL_SECONDS", "15"))
	if err != nil || probeInterval < 1 {
		probeInterval = 15
	}
	lowStock, err := strconv.Atoi(getEnv("LOW_STOCK_THRESHOLD", "10"))
	if err != nil || lowStock < 0 {
		lowStock = 10
	}

	// 16% VAT, matching the default the surrounding application ships with.
	taxRate, err := decimal.NewFromString(getEnv("TAX_RATE", "0.16"))
	if err != nil || taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
		taxRate = decimal.RequireFromString("0.16")
	}

	return Config{
		Port:                 getEnv("PORT", "7070"),
		AllowedOrigin:        getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              redisDB,
		RemoteBaseURL:        getEnv("REMOTE_BASE_URL", "http://127.0.0.1:8080"),
		RemoteTimeoutSeconds: remoteTimeout,
		ProbeIntervalSeconds: probeInterval,
		TaxRate:              taxRate,
		LowStockThreshold:    lowStock,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
