package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Store       StoreConfig
	Redis       RedisConfig
	NATS        NATSConfig `mapstructure:"nats"`
	Mail        MailConfig
	Auth        AuthConfig
	Quiz        QuizConfig
	Wallet      WalletConfig
	OTP         OTPConfig `mapstructure:"otp"`
	Competition CompetitionConfig
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Jobs        JobsConfig
}

type ServerConfig struct {
	Port           string
	Mode           string
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	File       string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

type StoreConfig struct {
	Driver        string
	PostgresURL   string `mapstructure:"postgres_url"`
	MongoURL      string `mapstructure:"mongo_url"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// LeaderboardTTL bounds how stale a cached leaderboard can be.
	LeaderboardTTL time.Duration `mapstructure:"leaderboard_ttl"`
}

type NATSConfig struct {
	URL     string
	Subject string
	Timeout time.Duration
}

type MailConfig struct {
	Driver      string
	FunctionURL string `mapstructure:"function_url"`
	APIKey      string `mapstructure:"api_key"`
	From        string
	Timeout     time.Duration
}

type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	TokenTTLHours     int    `mapstructure:"token_ttl_hours"`
	AdminUsername     string `mapstructure:"admin_username"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

type QuizConfig struct {
	Fee                float64
	Prize              float64
	HighScoreThreshold int    `mapstructure:"high_score_threshold"`
	QuestionCount      int    `mapstructure:"question_count"`
	QuestionSeconds    int    `mapstructure:"question_seconds"`
	StreakTimezone     string `mapstructure:"streak_timezone"`
}

type WalletConfig struct {
	MinDeposit    float64 `mapstructure:"min_deposit"`
	MaxDeposit    float64 `mapstructure:"max_deposit"`
	MinWithdrawal float64 `mapstructure:"min_withdrawal"`
	Currency      string
	MerchantName  string `mapstructure:"merchant_name"`
}

type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int `mapstructure:"max_attempts"`
	Cooldown    time.Duration
}

type CompetitionConfig struct {
	AllowDuplicateRegistrations bool `mapstructure:"allow_duplicate_registrations"`
	PrizeThreshold              int  `mapstructure:"prize_threshold"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

type JobsConfig struct {
	NotificationRetry    string `mapstructure:"notification_retry"`
	OTPSweep             string `mapstructure:"otp_sweep"`
	NotificationAttempts int    `mapstructure:"notification_attempts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.file", "logs/quizmaster.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.mongo_database", "quizmaster")

	v.SetDefault("redis.leaderboard_ttl", "30s")

	v.SetDefault("nats.subject", "quizmaster.email.send")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("mail.driver", "log")
	v.SetDefault("mail.from", "QuizMaster <noreply@quizmaster.app>")
	v.SetDefault("mail.timeout", "10s")

	v.SetDefault("auth.token_ttl_hours", 72)
	v.SetDefault("auth.admin_username", "admin")

	v.SetDefault("quiz.fee", 5)
	v.SetDefault("quiz.prize", 10)
	v.SetDefault("quiz.high_score_threshold", 80)
	v.SetDefault("quiz.question_count", 5)
	v.SetDefault("quiz.question_seconds", 30)
	v.SetDefault("quiz.streak_timezone", "UTC")

	v.SetDefault("wallet.min_deposit", 100)
	v.SetDefault("wallet.max_deposit", 50000)
	v.SetDefault("wallet.min_withdrawal", 100)
	v.SetDefault("wallet.currency", "INR")
	v.SetDefault("wallet.merchant_name", "QuizMaster")

	v.SetDefault("otp.ttl", "10m")
	v.SetDefault("otp.max_attempts", 3)
	v.SetDefault("otp.cooldown", "60s")

	v.SetDefault("competition.allow_duplicate_registrations", false)
	v.SetDefault("competition.prize_threshold", 80)

	v.SetDefault("rate_limit.max_requests", 100)
	v.SetDefault("rate_limit.window_seconds", 60)

	v.SetDefault("jobs.notification_retry", "@every 1m")
	v.SetDefault("jobs.otp_sweep", "@every 5m")
	v.SetDefault("jobs.notification_attempts", 5)
}

// Load reads config.yaml from path, then .env, then QUIZ_* environment
// variables. A missing config file or .env is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("QUIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.mode", "SERVER_MODE")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("store.postgres_url", "DATABASE_URL")
	v.BindEnv("store.mongo_url", "MONGO_URL")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("nats.url", "NATS_URL")
	v.BindEnv("mail.driver", "MAIL_DRIVER")
	v.BindEnv("mail.function_url", "MAIL_FUNCTION_URL")
	v.BindEnv("mail.api_key", "MAIL_API_KEY")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("auth.admin_username", "ADMIN_USERNAME")
	v.BindEnv("auth.admin_password_hash", "ADMIN_PASSWORD_HASH")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsRelease() bool {
	return c.Server.Mode == "release"
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres driver")
		}
	case "mongo":
		if c.Store.MongoURL == "" {
			return errors.New("store.mongo_url is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Mail.Driver {
	case "log":
	case "http":
		if c.Mail.FunctionURL == "" {
			return errors.New("mail.function_url is required for the http mail driver")
		}
	case "nats":
		if c.NATS.URL == "" {
			return errors.New("nats.url is required for the nats mail driver")
		}
	default:
		return fmt.Errorf("unknown mail.driver %q", c.Mail.Driver)
	}

	if c.IsRelease() && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 characters in release mode")
	}
	if c.Quiz.QuestionCount <= 0 || c.Quiz.QuestionSeconds <= 0 {
		return errors.New("quiz.question_count and quiz.question_seconds must be positive")
	}
	if c.Wallet.MinDeposit > c.Wallet.MaxDeposit {
		return errors.New("wallet.min_deposit exceeds wallet.max_deposit")
	}
	if _, err := time.LoadLocation(c.Quiz.StreakTimezone); err != nil {
		return fmt.Errorf("quiz.streak_timezone: %w", err)
	}
	return nil
}
