package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"campaignd/internal/campaign"
	"campaignd/internal/config"
	"campaignd/internal/gateway/telegram"
	"campaignd/internal/observability/pprof"
	"campaignd/internal/scheduler"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logClose, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logClose.Close()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	callTimeout, err := config.ParseDurationOrDefault("telegram.call_timeout", cfg.Telegram.CallTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	gw, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		CallTimeout: callTimeout,
		ParseMode:   cfg.Telegram.ParseMode,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("init telegram gateway: %w", err)
	}

	engCfg, err := engineConfig(cfg.Engine)
	if err != nil {
		return err
	}
	svc := campaign.New(engCfg, pricing(cfg.Pricing), store, store, store, gw, log.With(logx.String("comp", "engine")))

	sched := scheduler.New(schedulerConfig(cfg.Scheduler), svc, log.With(logx.String("comp", "scheduler")))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer stopWithTimeout(sched.Stop)

	prof := pprof.New(pprofConfig(cfg.Pprof), log.With(logx.String("comp", "pprof")))
	if err := prof.Start(ctx); err != nil {
		return fmt.Errorf("start pprof: %w", err)
	}
	defer stopWithTimeout(prof.Stop)

	// Hot reload: dispatch tuning and the scheduler poll spec follow the file.
	sub := cfgm.Subscribe(1)
	defer cfgm.Unsubscribe(sub)
	go func() {
		for next := range sub {
			if next == nil {
				continue
			}
			if ec, err := engineConfig(next.Engine); err == nil {
				svc.Apply(ec)
			} else {
				log.Warn("engine config rejected on reload", logx.Err(err))
			}
			sched.Apply(schedulerConfig(next.Scheduler))
			log.Info("config applied")
		}
	}()
	go func() {
		if err := cfgm.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("campaignd ready", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")
	return nil
}

func newLogger(lc config.LoggingConfig) (logx.Logger, io.Closer, error) {
	console := true
	if lc.Console != nil {
		console = *lc.Console
	}
	return logx.New(logx.Config{
		Level:   lc.Level,
		Console: console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
	})
}

func engineConfig(ec config.EngineConfig) (campaign.Config, error) {
	base, err := config.ParseDurationField("engine.retry_base", ec.RetryBase)
	if err != nil {
		return campaign.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.retry_max_delay", ec.RetryMaxDelay)
	if err != nil {
		return campaign.Config{}, err
	}
	return campaign.Config{
		Workers:       ec.Workers,
		RatePerSec:    ec.RatePerSec,
		RetryMax:      ec.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func schedulerConfig(sc config.SchedulerConfig) scheduler.Config {
	enabled := true
	if sc.Enabled != nil {
		enabled = *sc.Enabled
	}
	return scheduler.Config{Enabled: enabled, Poll: sc.Poll, Timezone: sc.Timezone}
}

func pprofConfig(pc config.PprofConfig) pprof.Config {
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          pc.Addr,
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
	}
}

func pricing(pc *config.PricingConfig) campaign.Pricing {
	if pc == nil {
		return campaign.Pricing{}
	}
	return campaign.Pricing{UnitCost: pc.UnitCost, MediaSurcharge: pc.MediaSurcharge}
}

func validateConfig(ctx context.Context, cfg *config.Config) error {
	if _, err := engineConfig(cfg.Engine); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.call_timeout", cfg.Telegram.CallTimeout); err != nil {
		return err
	}
	return nil
}

func stopWithTimeout(stop func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stop(ctx)
}
