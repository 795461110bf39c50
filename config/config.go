// Package config loads detector configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"candlewatch/models"
)

// Config holds all application configuration.
type Config struct {
	Symbol      string
	Interval    string
	CandleCount int
	TrainSplit  float64

	Epochs       int
	BatchSize    int
	LearningRate float64
	DropoutRate  float64
	EncoderUnits []int
	LatentSize   int
	Patience     int
	Seed         int64

	WarningMultiplier  float64
	CriticalMultiplier float64
	SigmaMultiplier    float64
	Percentile         float64

	Ensemble bool

	LogLevel       string
	RequestTimeout int // seconds

	TelegramToken  string
	TelegramChatID int64

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
}

// Load initializes configuration from environment variables. A .env file in
// the working directory is honored when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := &Config{
		Symbol:      getEnvWithDefault("SYMBOL", "BTCUSDT"),
		Interval:    getEnvWithDefault("INTERVAL", "1h"),
		CandleCount: getEnvIntWithDefault("CANDLE_COUNT", 500),
		TrainSplit:  getEnvFloatWithDefault("TRAIN_SPLIT", 0.8),

		Epochs:       getEnvIntWithDefault("EPOCHS", 30),
		BatchSize:    getEnvIntWithDefault("BATCH_SIZE", 64),
		LearningRate: getEnvFloatWithDefault("LEARNING_RATE", 0.001),
		DropoutRate:  getEnvFloatWithDefault("DROPOUT_RATE", 0.2),
		EncoderUnits: getEnvIntsWithDefault("ENCODER_UNITS", []int{16, 8, 4}),
		LatentSize:   getEnvIntWithDefault("LATENT_SIZE", 2),
		Patience:     getEnvIntWithDefault("EARLY_STOPPING_PATIENCE", 5),
		Seed:         int64(getEnvIntWithDefault("SEED", 1)),

		WarningMultiplier:  getEnvFloatWithDefault("WARNING_MULTIPLIER", 1.0),
		CriticalMultiplier: getEnvFloatWithDefault("CRITICAL_MULTIPLIER", 1.2),
		SigmaMultiplier:    getEnvFloatWithDefault("SIGMA_MULTIPLIER", 1.5),
		Percentile:         getEnvFloatWithDefault("PERCENTILE", 0.95),

		Ensemble: getEnvBoolWithDefault("ENSEMBLE", false),

		LogLevel:       getEnvWithDefault("LOG_LEVEL", "info"),
		RequestTimeout: getEnvIntWithDefault("REQUEST_TIMEOUT", 30),

		TelegramToken:  os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID: getEnvInt64WithDefault("TELEGRAM_CHAT_ID", 0),

		DBHost:     os.Getenv("DATABASE_HOST"),
		DBPort:     getEnvWithDefault("DATABASE_PORT", "5432"),
		DBUser:     getEnvWithDefault("DATABASE_USER", "postgres"),
		DBPassword: os.Getenv("DATABASE_PASSWORD"),
		DBName:     getEnvWithDefault("DATABASE_NAME", "candlewatch"),
		DBSSLMode:  getEnvWithDefault("DATABASE_SSLMODE", "disable"),
	}
	return cfg, nil
}

// ModelParameters assembles the autoencoder configuration from the loaded
// values. The decoder mirrors the encoder.
func (c *Config) ModelParameters() models.ModelParameters {
	decoder := make([]int, len(c.EncoderUnits))
	for i, u := range c.EncoderUnits {
		decoder[len(decoder)-1-i] = u
	}
	return models.ModelParameters{
		InputSize:    models.FeatureCount,
		EncoderUnits: c.EncoderUnits,
		LatentSize:   c.LatentSize,
		DecoderUnits: decoder,
		DropoutRate:  c.DropoutRate,
		LearningRate: c.LearningRate,
		Patience:     c.Patience,
		Seed:         c.Seed,
	}
}

// Helper functions for environment variable handling.
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64WithDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvIntsWithDefault(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return defaultValue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
