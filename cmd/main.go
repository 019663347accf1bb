package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quizmaster/internal/auth"
	"quizmaster/internal/cache"
	"quizmaster/internal/config"
	"quizmaster/internal/logger"
	"quizmaster/internal/metrics"
	"quizmaster/internal/notify"
	"quizmaster/internal/payment"
	"quizmaster/internal/server"
	"quizmaster/internal/services"
	"quizmaster/internal/verification"
)

func main() {
	configDir := flag.String("config", ".", "directory holding config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server, cfg.Log)
	defer log.Sync()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	redisClient, err := openRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("failed to open redis", zap.Error(err))
	}
	mailer, closeMailer, err := newMailer(cfg, log)
	if err != nil {
		log.Fatal("failed to set up mailer", zap.Error(err))
	}
	notifier := notify.NewNotifier(st, mailer, cfg.Jobs.NotificationAttempts, log)

	accounts := services.NewAccountService(st, log)
	ledger := services.NewLedger(st, log)
	game := services.NewGamificationService(st, log)
	if game.Location, err = streakLocation(cfg); err != nil {
		log.Fatal("invalid streak timezone", zap.Error(err))
	}
	if redisClient != nil {
		game.UseCache(cache.NewLeaderboard(redisClient, cfg.Redis.LeaderboardTTL))
	}
	limits := services.WalletLimits{
		MinDeposit:    decimal.NewFromFloat(cfg.Wallet.MinDeposit),
		MaxDeposit:    decimal.NewFromFloat(cfg.Wallet.MaxDeposit),
		MinWithdrawal: decimal.NewFromFloat(cfg.Wallet.MinWithdrawal),
	}
	wallet := services.NewWalletService(accounts, ledger, game, limits, log)

	questions := services.NewQuestionService(st, log)
	if err := questions.Seed(ctx); err != nil {
		log.Fatal("failed to seed question bank", zap.Error(err))
	}
	competitions := services.NewCompetitionService(st, accounts, wallet, notifier, services.CompetitionPolicy{
		AllowDuplicateRegistrations: cfg.Competition.AllowDuplicateRegistrations,
		PrizeThreshold:              cfg.Competition.PrizeThreshold,
	}, log)
	quiz := services.NewQuizService(st, questions, wallet, game, services.QuizRules{
		Fee:                decimal.NewFromFloat(cfg.Quiz.Fee),
		Prize:              decimal.NewFromFloat(cfg.Quiz.Prize),
		HighScoreThreshold: cfg.Quiz.HighScoreThreshold,
		QuestionCount:      cfg.Quiz.QuestionCount,
		QuestionTime:       time.Duration(cfg.Quiz.QuestionSeconds) * time.Second,
	}, log)

	// Codes live in redis when it is available so every replica sees them.
	var (
		otpStore  verification.Store
		otpMemory *verification.MemoryStore
	)
	if redisClient != nil {
		otpStore = verification.NewRedisStore(redisClient)
	} else {
		otpMemory = verification.NewMemoryStore()
		otpStore = otpMemory
	}
	otp := verification.NewService(otpStore, mailer, accounts, verification.Config{
		TTL:         cfg.OTP.TTL,
		MaxAttempts: cfg.OTP.MaxAttempts,
		Cooldown:    cfg.OTP.Cooldown,
	}, log)

	checkout := payment.NewCheckout(st, wallet, payment.Config{
		Currency:     cfg.Wallet.Currency,
		MerchantName: cfg.Wallet.MerchantName,
		MinAmount:    limits.MinDeposit,
		MaxAmount:    limits.MaxDeposit,
	}, log)

	admin, err := adminCredentials(cfg, log)
	if err != nil {
		log.Fatal("invalid admin credentials", zap.Error(err))
	}
	srv := server.NewServer(server.Services{
		Accounts:     accounts,
		Wallet:       wallet,
		Ledger:       ledger,
		Questions:    questions,
		Competitions: competitions,
		Game:         game,
		Quiz:         quiz,
		OTP:          otp,
		Checkout:     checkout,
	}, server.Options{
		Tokens:          auth.NewIssuer(jwtSecret(cfg, log), time.Duration(cfg.Auth.TokenTTLHours)*time.Hour),
		Admin:           admin,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimit:       cfg.RateLimit.MaxRequests,
		RateLimitWindow: time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	}, log)

	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.Jobs.NotificationRetry, func() {
		sent, err := notifier.RetryPending(ctx)
		if err != nil {
			log.Error("notification retry failed", zap.Error(err))
			return
		}
		if sent > 0 {
			log.Info("retried pending notifications", zap.Int("sent", sent))
		}
	}); err != nil {
		log.Fatal("invalid notification retry schedule", zap.Error(err))
	}
	if otpMemory != nil {
		if _, err := jobs.AddFunc(cfg.Jobs.OTPSweep, func() {
			if n := otpMemory.Sweep(time.Now()); n > 0 {
				log.Debug("swept expired verification codes", zap.Int("removed", n))
			}
		}); err != nil {
			log.Fatal("invalid otp sweep schedule", zap.Error(err))
		}
	}
	jobs.Start()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("starting server", zap.String("addr", httpServer.Addr), zap.String("mode", cfg.Server.Mode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	<-jobs.Stop().Done()
	if err := closeMailer(shutdownCtx); err != nil {
		log.Error("mailer shutdown", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Error("redis shutdown", zap.Error(err))
		}
	}
	if err := closeStore(shutdownCtx); err != nil {
		log.Error("store shutdown", zap.Error(err))
	}
}
