// Package main is the entry point for the ChatGuard moderation daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"

	"chatguard/internal/alert"
	"chatguard/internal/arbiter"
	"chatguard/internal/audit"
	"chatguard/internal/config"
	"chatguard/internal/detect"
	"chatguard/internal/engine"
	"chatguard/internal/executor"
	"chatguard/internal/logging"
	"chatguard/internal/normalize"
	"chatguard/internal/platform"
	"chatguard/internal/source"
	"chatguard/internal/state"
	"chatguard/internal/storage"
	"chatguard/internal/watchdog"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		configPath  string
	)
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.Parse()

	if showVersion {
		fmt.Printf("chatguard %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)
	store := config.NewStore(cfg, configPath)

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		slog.Error("DISCORD_TOKEN is not set")
		os.Exit(1)
	}

	slog.Info("starting chatguard",
		"version", version,
		"workers", cfg.Engine.Workers,
		"guild_overrides", len(cfg.Guilds),
		"redis", cfg.State.Redis.Enabled,
		"clickhouse", cfg.Audit.ClickHouse.Enabled,
		"kafka", cfg.Source.Kafka.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Actor state and the audit key-value store share a Redis client when
	// one is configured; otherwise everything stays in process memory.
	var actorState state.Store
	var auditKV storage.KV
	if cfg.State.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis unreachable", "addr", cfg.State.Redis.Addr, "error", err)
			os.Exit(1)
		}
		actorState = state.NewRedisStore(rdb, cfg.State.MaxHorizon)
		auditKV = storage.NewRedisKV(rdb)
	} else {
		actorState = state.NewMemoryStore(state.MemoryStoreConfig{
			MaxHorizon: cfg.State.MaxHorizon,
			StaleAfter: cfg.State.StaleAfter,
			MaxActors:  cfg.State.MaxActors,
		})
		auditKV = storage.NewMemoryKV()
	}

	var sinks []audit.Sink
	var chSink *audit.ClickHouseSink
	if cfg.Audit.ClickHouse.Enabled {
		chSink, err = audit.NewClickHouseSink(audit.ClickHouseConfig{
			Hosts:         cfg.Audit.ClickHouse.Hosts,
			Database:      cfg.Audit.ClickHouse.Database,
			Username:      cfg.Audit.ClickHouse.Username,
			Password:      cfg.Audit.ClickHouse.Password,
			DialTimeout:   cfg.Audit.ClickHouse.DialTimeout,
			BatchSize:     cfg.Audit.ClickHouse.BatchSize,
			FlushInterval: cfg.Audit.ClickHouse.FlushInterval,
		})
		if err != nil {
			slog.Error("clickhouse sink init failed", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, chSink)
	}

	trail, err := audit.NewLog(ctx, auditKV, sinks...)
	if err != nil {
		slog.Error("audit log init failed", "error", err)
		os.Exit(1)
	}

	alerts := alert.NewDispatcher(cfg.Alerts.QueueSize)
	for _, wh := range cfg.Alerts.Webhooks {
		alerts.AddNotifier(alert.NewWebhookNotifier(wh.Name, wh.URL, wh.Headers))
	}
	alerts.Start(ctx)

	client, err := platform.Dial(token)
	if err != nil {
		slog.Error("discord connection failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	thresholds := store.GuildThresholds
	detectors := []detect.Detector{
		detect.NewSpamDetector(actorState, thresholds),
		detect.NewRaidDetector(actorState, thresholds, nil),
		detect.NewNukeDetector(actorState, thresholds),
		detect.NewContentRiskDetector(actorState, thresholds, nil),
	}

	arb := arbiter.New(arbiter.Config{
		CorrelationWindow: cfg.Engine.CorrelationWindow,
		DetectorCount:     len(detectors),
	}, thresholds)

	exec := executor.New(client, trail, alerts, thresholds, executor.Config{
		MaxAttempts: cfg.Executor.MaxAttempts,
		BaseBackoff: cfg.Executor.InitialBackoff,
		RateLimit:   int64(cfg.Executor.GuildCallLimit),
		RateWindow:  cfg.Executor.GuildCallWindow,
	})

	wd := watchdog.New(cfg.Watchdog, alerts)

	normalizer := normalize.New(normalize.NewAuditLogResolver(client.Session()))
	eng := engine.New(engine.FromEngineConfig(cfg.Engine), normalizer, detectors, arb, exec, trail, wd)
	eng.Start(ctx)

	registerGatewayHandlers(client.Session(), eng, exec)

	var consumer *source.Consumer
	if cfg.Source.Kafka.Enabled {
		consumer, err = source.New(cfg.Source.Kafka, eng)
		if err != nil {
			slog.Error("kafka source init failed", "error", err)
			os.Exit(1)
		}
		consumer.Start(ctx)
	}

	if cfg.Audit.Archive.Enabled {
		s3cfg := audit.DefaultS3Config()
		s3cfg.Bucket = cfg.Audit.Archive.Bucket
		s3cfg.Region = cfg.Audit.Archive.Region
		if cfg.Audit.Archive.Prefix != "" {
			s3cfg.Prefix = cfg.Audit.Archive.Prefix
		}
		archiver, err := audit.NewArchiver(ctx, s3cfg, trail)
		if err != nil {
			slog.Error("archiver init failed", "error", err)
			os.Exit(1)
		}
		go runArchiveLoop(ctx, archiver)
	}

	slog.Info("chatguard running")

	// SIGHUP reloads thresholds in place; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := store.Reload(); err != nil {
				slog.Error("config reload failed, keeping previous config", "error", err)
			}
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			slog.Error("kafka source shutdown failed", "error", err)
		}
	}
	eng.Stop()
	alerts.Stop()
	if chSink != nil {
		if err := chSink.Close(); err != nil {
			slog.Error("clickhouse sink close failed", "error", err)
		}
	}
	cancel()
	slog.Info("shutdown complete")
}

// runArchiveLoop periodically rotates aged audit entries to S3.
func runArchiveLoop(ctx context.Context, archiver *audit.Archiver) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key, err := archiver.Archive(ctx)
			if err != nil {
				slog.Error("audit archive failed", "error", err)
			} else if key != "" {
				slog.Info("audit segment archived", "key", key)
			}
		}
	}
}

// registerGatewayHandlers feeds gateway events into the pipeline and keeps
// a fresh structural snapshot per guild so a nuke can be reverted.
func registerGatewayHandlers(s *discordgo.Session, eng *engine.Engine, exec *executor.Executor) {
	ingest := func(raw any) {
		if err := eng.Ingest(raw); err != nil {
			slog.Warn("event dropped", "error", err)
		}
	}

	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { ingest(m) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) { ingest(m) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.ChannelDelete) { ingest(m) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildRoleDelete) { ingest(m) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildBanAdd) { ingest(m) })

	s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		go func() {
			if err := exec.RefreshSnapshot(context.Background(), g.ID); err != nil {
				slog.Warn("guild snapshot failed", "guild_id", g.ID, "error", err)
			}
		}()
	})
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: logging.ReplaceAttr}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
