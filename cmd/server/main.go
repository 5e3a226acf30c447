// Command server is the composition root: load config, open the two
// databases, wire every engine to its dependencies, and run the
// scheduled background pipelines until a termination signal arrives.
// HTTP transport is an explicit spec.md Non-goal — this binary is the
// sidecar's own process, driven entirely by its scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/new-api-tools/sidecar/internal/autoban"
	"github.com/new-api-tools/sidecar/internal/autogroup"
	"github.com/new-api-tools/sidecar/internal/cachetier"
	"github.com/new-api-tools/sidecar/internal/config"
	"github.com/new-api-tools/sidecar/internal/dashboard"
	"github.com/new-api-tools/sidecar/internal/database"
	"github.com/new-api-tools/sidecar/internal/geoip"
	"github.com/new-api-tools/sidecar/internal/logger"
	"github.com/new-api-tools/sidecar/internal/logstore"
	"github.com/new-api-tools/sidecar/internal/modelstatus"
	"github.com/new-api-tools/sidecar/internal/risk"
	"github.com/new-api-tools/sidecar/internal/scale"
	"github.com/new-api-tools/sidecar/internal/scheduler"
	"github.com/new-api-tools/sidecar/internal/writer"
)

// Version/BuildTime/GitCommit are injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("load config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init("info", false); err != nil {
		fmt.Printf("init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("moderation sidecar starting",
		zap.String("version", Version), zap.String("build_time", BuildTime), zap.String("git_commit", GitCommit))

	if err := database.Init(cfg); err != nil {
		logger.Error("init database failed", zap.Error(err))
		os.Exit(1)
	}
	defer database.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, cachetier will degrade to the local mirror only", zap.Error(err))
		rdb = nil
	}
	cancelPing()

	geo, err := geoip.New(cfg.GeoIPCountryDB, cfg.GeoIPASNDB, cfg.GeoIPCityDB, 50_000, 24*time.Hour)
	if err != nil {
		logger.Warn("geoip unavailable, IP geo lookups and dual-stack detection will degrade", zap.Error(err))
		geo = nil
	} else {
		defer geo.Close()
	}

	scaleProvider := scale.New(database.Gateway())
	if err := scaleProvider.Refresh(context.Background()); err != nil {
		logger.Warn("initial system scale refresh failed, defaulting to medium", zap.Error(err))
	}

	cache := cachetier.New(rdb)
	store := logstore.New()

	dashboardEngine := dashboard.New(store, cache, geo, scaleProvider.Current)
	riskEngine := risk.New(store, cache, geo, scaleProvider.Current)
	modelStatusEngine := modelstatus.New(store, cache, scaleProvider.Current)
	autoGroupEngine := autogroup.New(cache)
	writerEngine := writer.New(cache)
	autoBanEngine := autoban.New(cache, store, riskEngine, writerEngine)

	if err := autoBanEngine.EnsureWhitelistBootstrap(context.Background()); err != nil {
		logger.Warn("auto-ban whitelist bootstrap failed", zap.Error(err))
	}

	_ = dashboardEngine

	sched := scheduler.New()

	sched.Register("system_scale", 5*time.Minute, scaleProvider.Refresh)

	sched.RegisterAfterWarmup("autoban_scan", scanInterval(cfg.AutoBanScanIntervalMin), func(ctx context.Context) error {
		banCfg, err := autoBanEngine.GetConfig(ctx)
		if err != nil {
			return err
		}
		if !banCfg.Enabled {
			return nil
		}
		if cfg.DryRun {
			banCfg.DryRun = true
		}
		result, err := autoBanEngine.Scan(ctx, banCfg, "24h", scanID("ban"))
		if err != nil {
			return err
		}
		logger.Info("autoban scan complete", zap.String("status", result.Status),
			zap.Int("candidates", result.Candidates), zap.Int("banned", result.Banned),
			zap.Int("warned", result.Warned), zap.Int("errors", result.Errors))
		return nil
	})

	sched.RegisterAfterWarmup("autogroup_scan", scanInterval(cfg.AutoGroupScanIntervalMin), func(ctx context.Context) error {
		groupCfg, err := autoGroupEngine.GetConfig(ctx)
		if err != nil {
			return err
		}
		if !groupCfg.AutoScanEnabled {
			return nil
		}
		result, err := autoGroupEngine.RunScan(ctx, cfg.DryRun)
		if err != nil {
			return err
		}
		logger.Info("autogroup scan complete", zap.Int("assigned", result.Assigned), zap.Int("skipped", result.Skipped))
		return nil
	})

	sched.Start()
	defer sched.Stop()

	warmup(context.Background(), dashboardEngine, riskEngine, modelStatusEngine)
	sched.SignalWarmupDone()

	logger.Info("moderation sidecar ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("moderation sidecar shutting down")
}

// warmup primes the hot caches (overview/usage/leaderboards/model
// status for common windows) so the first real request after startup
// isn't the one paying for a cold cache.
func warmup(ctx context.Context, d *dashboard.Engine, r *risk.Engine, m *modelstatus.Engine) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := d.SystemOverview(ctx, "24h", false); err != nil {
		logger.Warn("warmup: dashboard overview failed", zap.Error(err))
	}
	if _, err := r.Leaderboards(ctx, []string{"24h"}, 50, "requests"); err != nil {
		logger.Warn("warmup: risk leaderboard failed", zap.Error(err))
	}
	if _, err := m.Status(ctx, nil, "24h", false); err != nil {
		logger.Warn("warmup: model status failed", zap.Error(err))
	}
}

func scanInterval(minutes int) time.Duration {
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

func scanID(kind string) string {
	return fmt.Sprintf("%s-%d", kind, time.Now().UnixNano())
}
