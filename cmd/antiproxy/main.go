// Package main is the entry point for the antiproxy gateway.
package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/antiproxy/antiproxy/internal/account"
	"github.com/antiproxy/antiproxy/internal/cloudcode"
	"github.com/antiproxy/antiproxy/internal/codec"
	"github.com/antiproxy/antiproxy/internal/config"
	"github.com/antiproxy/antiproxy/internal/dispatch"
	"github.com/antiproxy/antiproxy/internal/server"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	accounts, err := account.LoadAccounts(cfg.Pool.AccountsPath)
	if err != nil {
		log.Fatal("failed to load accounts", zap.Error(err), zap.String("path", cfg.Pool.AccountsPath))
	}
	log.Info("loaded accounts", zap.Int("count", len(accounts)), zap.String("path", cfg.Pool.AccountsPath))

	pool := account.NewPool(accounts, cfg.Pool.MaxAccounts)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pool.SetMirror(account.NewRedisMirror(rdb, cfg.Redis.Prefix))
		log.Info("rate-limit mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	httpClient := &http.Client{Timeout: 120 * time.Second}

	engine := &dispatch.Engine{
		Pool:     pool,
		Tokens:   cloudcode.NewTokenCache(cfg.Upstream.OAuthTokenURL, httpClient),
		Projects: cloudcode.NewProjectCache(cfg.Upstream.EndpointProd+cloudcode.LoadCodeAssistPath, httpClient),
		HTTP:     cloudcode.NewClient(httpClient),
		Sigs:     codec.NewSignatureCache(time.Duration(cfg.Pool.ThinkingSignatureTTLMs) * time.Millisecond),
		Endpoints: cloudcode.Endpoints{
			Daily: cfg.Upstream.EndpointDaily,
			Prod:  cfg.Upstream.EndpointProd,
		},
		Opts: dispatch.Options{
			MaxRetries:               cfg.Pool.MaxRetries,
			MaxEmptyRetries:          cfg.Pool.MaxEmptyRetries,
			MaxWaitBeforeErrorMs:     cfg.Pool.MaxWaitBeforeErrorMs,
			DefaultCooldownMs:        cfg.Pool.DefaultCooldownMs,
			FallbackEnabled:          cfg.Pool.FallbackEnabled,
			GeminiMaxOutputTokensCap: cfg.Pool.GeminiMaxOutputTokens,
			FallbackModel:            cfg.Pool.FallbackModels,
		},
		Logger: log,
	}

	if err := dispatch.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration skipped", zap.Error(err))
	}

	srv := server.New(cfg, engine, pool, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info("antiproxy listening", zap.Int("port", cfg.Server.Port))

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
