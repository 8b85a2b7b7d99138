package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	ListenAddr  string `yaml:"listenAddr"`
	RedisURL    string `yaml:"redisURL"`
	DatabaseURL string `yaml:"databaseURL"`

	MinNumber int     `yaml:"minNumber"`
	MaxNumber int     `yaml:"maxNumber"`
	WinRate   float64 `yaml:"winRate"`
	WinScore  int     `yaml:"winScore"`

	MaxLossStreak   int     `yaml:"maxLossStreak"`
	StreakBonusRate float64 `yaml:"streakBonusRate"`

	TurnsPerPurchase int `yaml:"turnsPerPurchase"`

	LockTTL        time.Duration `yaml:"lockTTL"`
	LockRetries    int           `yaml:"lockRetries"`
	LockRetryDelay time.Duration `yaml:"lockRetryDelay"`

	GameDataTTL         time.Duration `yaml:"gameDataTTL"`
	UserInfoTTL         time.Duration `yaml:"userInfoTTL"`
	LossStreakTTL       time.Duration `yaml:"lossStreakTTL"`
	LeaderboardCacheTTL time.Duration `yaml:"leaderboardCacheTTL"`

	SyncInterval time.Duration `yaml:"syncInterval"`

	// Consumed by the session service, not the game core. Recognized here
	// so the two processes can share one config file.
	MaxSessionsPerUser int `yaml:"maxSessionsPerUser"`
}

// Load builds the config from defaults, an optional YAML file pointed at
// by NUMGAME_CONFIG, and finally environment variables. Later sources win.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:          ":8080",
		MinNumber:           1,
		MaxNumber:           10,
		WinRate:             0.05,
		WinScore:            1,
		MaxLossStreak:       19,
		StreakBonusRate:     0.01,
		TurnsPerPurchase:    10,
		LockTTL:             5 * time.Second,
		LockRetries:         2,
		LockRetryDelay:      50 * time.Millisecond,
		GameDataTTL:         24 * time.Hour,
		UserInfoTTL:         time.Hour,
		LossStreakTTL:       24 * time.Hour,
		LeaderboardCacheTTL: time.Minute,
		SyncInterval:        5 * time.Minute,
		MaxSessionsPerUser:  3,
	}

	if path := strings.TrimSpace(os.Getenv("NUMGAME_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}

	envInt("GAME_MIN_NUMBER", &cfg.MinNumber)
	envInt("GAME_MAX_NUMBER", &cfg.MaxNumber)
	envFloat("GAME_WIN_RATE", &cfg.WinRate)
	envInt("GAME_WIN_SCORE", &cfg.WinScore)
	envInt("GAME_MAX_LOSS_STREAK", &cfg.MaxLossStreak)
	envFloat("GAME_STREAK_BONUS_RATE", &cfg.StreakBonusRate)
	envInt("GAME_TURNS_PER_PURCHASE", &cfg.TurnsPerPurchase)
	envDuration("GAME_LOCK_TTL", &cfg.LockTTL)
	envInt("GAME_LOCK_RETRIES", &cfg.LockRetries)
	envDuration("GAME_LOCK_RETRY_DELAY", &cfg.LockRetryDelay)
	envDuration("GAME_DATA_TTL", &cfg.GameDataTTL)
	envDuration("USER_INFO_TTL", &cfg.UserInfoTTL)
	envDuration("LOSS_STREAK_TTL", &cfg.LossStreakTTL)
	envDuration("LEADERBOARD_CACHE_TTL", &cfg.LeaderboardCacheTTL)
	envDuration("SYNC_INTERVAL", &cfg.SyncInterval)
	envInt("MAX_SESSIONS_PER_USER", &cfg.MaxSessionsPerUser)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.MinNumber >= c.MaxNumber {
		return fmt.Errorf("invalid guess range [%d, %d]", c.MinNumber, c.MaxNumber)
	}
	if c.WinRate < 0.01 || c.WinRate > 1.0 {
		return fmt.Errorf("win rate %v outside [0.01, 1.0]", c.WinRate)
	}
	if c.MaxLossStreak <= 0 {
		return fmt.Errorf("max loss streak must be positive, got %d", c.MaxLossStreak)
	}
	if c.LockRetries <= 0 {
		return fmt.Errorf("lock retries must be positive, got %d", c.LockRetries)
	}
	return nil
}

func envInt(name string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
