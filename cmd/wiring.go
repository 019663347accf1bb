package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"quizmaster/internal/auth"
	"quizmaster/internal/config"
	"quizmaster/internal/database"
	"quizmaster/internal/notify"
	"quizmaster/internal/store"
)

const (
	devJWTSecret     = "quizmaster-development-secret-change-me"
	devAdminPassword = "admin@123"
)

type closer func(ctx context.Context) error

func noopCloser(context.Context) error { return nil }

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, closer, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := database.NewDB(cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info("using postgres store")
		return db, func(context.Context) error { return db.Close() }, nil
	case "mongo":
		m, err := database.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		log.Info("using mongo store", zap.String("database", cfg.MongoDatabase))
		return m, m.Close, nil
	default:
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), noopCloser, nil
	}
}

func openRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("redis connected", zap.String("addr", cfg.Addr))
	return client, nil
}

func newMailer(cfg *config.Config, log *zap.Logger) (notify.Mailer, closer, error) {
	switch cfg.Mail.Driver {
	case "http":
		return notify.NewHTTPMailer(cfg.Mail.FunctionURL, cfg.Mail.APIKey, cfg.Mail.From, cfg.Mail.Timeout), noopCloser, nil
	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name("quizmaster"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		log.Info("mail jobs go over nats", zap.String("subject", cfg.NATS.Subject))
		return notify.NewNATSMailer(conn, cfg.NATS.Subject, cfg.Mail.From, cfg.NATS.Timeout),
			func(context.Context) error { return conn.Drain() }, nil
	default:
		log.Warn("emails are logged, not delivered")
		return notify.NewLogMailer(log), noopCloser, nil
	}
}

// adminCredentials falls back to a well-known password outside release mode.
func adminCredentials(cfg *config.Config, log *zap.Logger) (auth.AdminCredentials, error) {
	creds := auth.AdminCredentials{Username: cfg.Auth.AdminUsername, PasswordHash: cfg.Auth.AdminPasswordHash}
	if creds.PasswordHash != "" {
		return creds, nil
	}
	if cfg.IsRelease() {
		return creds, errors.New("auth.admin_password_hash is required in release mode")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(devAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return creds, err
	}
	creds.PasswordHash = string(hash)
	log.Warn("no admin password hash configured; using the development password",
		zap.String("username", creds.Username))
	return creds, nil
}

func streakLocation(cfg *config.Config) (*time.Location, error) {
	loc, err := time.LoadLocation(cfg.Quiz.StreakTimezone)
	if err != nil {
		return nil, fmt.Errorf("load streak timezone %q: %w", cfg.Quiz.StreakTimezone, err)
	}
	return loc, nil
}

func jwtSecret(cfg *config.Config, log *zap.Logger) string {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret
	}
	log.Warn("no jwt secret configured; using the development secret")
	return devJWTSecret
}
