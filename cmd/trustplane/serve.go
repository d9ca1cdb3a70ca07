package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veridian-labs/trustplane/pkg/audit"
	"github.com/veridian-labs/trustplane/pkg/auth"
	"github.com/veridian-labs/trustplane/pkg/canary"
	"github.com/veridian-labs/trustplane/pkg/check"
	"github.com/veridian-labs/trustplane/pkg/config"
	"github.com/veridian-labs/trustplane/pkg/consumer"
	"github.com/veridian-labs/trustplane/pkg/multisig"
	"github.com/veridian-labs/trustplane/pkg/observability"
	"github.com/veridian-labs/trustplane/pkg/policy"
	"github.com/veridian-labs/trustplane/pkg/promotion"
	"github.com/veridian-labs/trustplane/pkg/server"
	"github.com/veridian-labs/trustplane/pkg/signer"

	_ "github.com/lib/pq"
)

// localAllocator answers allocations in-process when no external allocator
// is configured (lite mode).
type localAllocator struct{}

func (localAllocator) Allocate(context.Context, promotion.AllocationRequest) (*promotion.AllocationResult, error) {
	return &promotion.AllocationResult{AllocationID: uuid.New().String(), Pool: "local"}, nil
}

func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			fmt.Fprintf(stderr, "profile: %v\n", err)
			return 2
		}
		if err := profile.Apply(cfg); err != nil {
			fmt.Fprintf(stderr, "profile: %v\n", err)
			return 2
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	setupLogger(cfg)
	logger := slog.Default().With("component", "main")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: Postgres when configured, SQLite lite mode otherwise.
	var (
		chainStore audit.Store
		policies   policy.Registry
		upgrades   multisig.Store
		promotions promotion.Store
		idem       server.IdempotencyStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			return 1
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("postgres ping failed", "error", err)
			return 1
		}
		chainStore, err = audit.NewPGStore(db)
		if err != nil {
			logger.Error("audit store init failed", "error", err)
			return 1
		}
		policies, err = policy.NewPGRegistry(db)
		if err != nil {
			logger.Error("policy registry init failed", "error", err)
			return 1
		}
		upgrades, err = multisig.NewPGStore(db)
		if err != nil {
			logger.Error("upgrade store init failed", "error", err)
			return 1
		}
		promotions, err = promotion.NewPGStore(db)
		if err != nil {
			logger.Error("promotion store init failed", "error", err)
			return 1
		}
		pgIdem := server.NewPGIdempotencyStore(db, 24*time.Hour)
		if _, err := db.ExecContext(ctx, pgIdem.Schema()); err != nil {
			logger.Error("idempotency schema failed", "error", err)
			return 1
		}
		idem = pgIdem
		logger.Info("postgres connected")
	} else {
		logger.Info("DATABASE_URL not set, running lite mode on sqlite")
		sqlitePath := getenvDefault("SQLITE_PATH", "data/trustplane.db")
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o755); err != nil {
			logger.Error("data dir", "error", err)
			return 1
		}
		store, err := audit.OpenSQLiteStore(sqlitePath)
		if err != nil {
			logger.Error("sqlite open failed", "error", err)
			return 1
		}
		defer store.Close()
		chainStore = store
		policies = policy.NewMemoryRegistry()
		upgrades = multisig.NewMemoryStore()
		promotions = promotion.NewMemoryStore()
		idem = server.NewMemoryIdempotencyStore(24 * time.Hour)
	}

	selection, err := buildSigner(ctx, cfg)
	if err != nil {
		logger.Error("signer selection failed", "error", err)
		return 1
	}
	selection.StartProbeLoop(ctx, 30*time.Second)

	chain := audit.NewChain(chainStore, selection,
		audit.WithRetry(cfg.AuditRetryAttempts, 200*time.Millisecond))

	// Every policy write lands a policy.updated event, which is also the
	// cache invalidation signal.
	policies = policy.NewAuditedRegistry(policies, func(ctx context.Context, payload map[string]any) error {
		_, err := chain.Append(ctx, audit.TypePolicyUpdated, payload)
		return err
	})

	ctrl := canary.NewController(policies, chain,
		canary.WithWindow(cfg.CanaryWindow),
		canary.WithThreshold(cfg.CanaryThreshold),
		canary.WithCooldown(cfg.CanaryCooldown))

	evaluator := policy.NewEvaluator()
	cel, err := policy.NewCELBackend()
	if err != nil {
		logger.Error("cel backend init failed", "error", err)
		return 1
	}
	cache := policy.NewCache(policies, 5*time.Second)
	chain.AddHandler(func(ev *audit.Event) { cache.HandleAuditEvent(ev.EventType) })
	checkSvc := check.NewService(cache, evaluator, ctrl, check.WithCELBackend(cel))

	approverKeys := signer.NewRegistry()
	upgradeCtrl := multisig.NewController(upgrades, approverKeys, chain,
		multisig.WithApplier(multisig.TargetPolicy, multisig.PolicyApplier{Registry: policies}),
		multisig.WithApplier(multisig.TargetSystem, multisig.SignerRemovalApplier{Registry: approverKeys}))

	var allocator promotion.Allocator = localAllocator{}
	if cfg.AllocatorURL != "" {
		allocator = promotion.NewHTTPAllocator(cfg.AllocatorURL)
	}
	orchestrator := promotion.NewOrchestrator(promotions, promotion.NewStaticSentinel(),
		allocator, chain, promotion.WithEnvironment(cfg.Env))

	// Async decision path: bus mode publishes committed events to Redis and
	// consumes the stream; poll mode tails the chain directly.
	handler := consumer.NewHandler(cache, evaluator, chain, ctrl)
	var cons *consumer.Consumer
	if cfg.ConsumerMode == "bus" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pub := consumer.NewPublisher(rdb, consumer.DefaultStream)
		chain.AddHandler(pub.Publish)
		cache.SubscribeInvalidations(ctx, rdb)
		chain.AddHandler(func(ev *audit.Event) {
			if ev.EventType != audit.TypePolicyUpdated {
				return
			}
			if err := policy.PublishInvalidation(ctx, rdb, hostname()); err != nil {
				logger.Warn("policy invalidation publish failed", "error", err)
			}
		})
		cons = consumer.New(handler, chain, rdb, consumer.ModeBus,
			consumer.WithGroup(cfg.ConsumerGroup, hostname()))
	} else {
		cons = consumer.New(handler, chain, nil, consumer.ModePoll)
	}
	go func() {
		if err := cons.Run(ctx); err != nil {
			logger.Error("consumer stopped", "error", err)
		}
	}()

	if cfg.OTLPEndpoint != "" {
		obs, err := observability.New(ctx, &observability.Config{
			ServiceName:  "trustplane",
			Environment:  cfg.Env,
			OTLPEndpoint: cfg.OTLPEndpoint,
			SampleRate:   1.0,
			BatchTimeout: 5 * time.Second,
			Enabled:      true,
			Insecure:     !cfg.Production(),
		})
		if err != nil {
			logger.Error("observability init failed", "error", err)
			return 1
		}
		defer func() { _ = obs.Shutdown(context.Background()) }()
	}

	validator := auth.NewJWTValidator([]byte(os.Getenv("JWT_SECRET")))
	allowHeaderRoles := !cfg.Production() || cfg.DevSkipMTLS

	srv := server.New(":"+cfg.Port, server.Deps{
		Chain:       chain,
		Policies:    policies,
		Check:       checkSvc,
		Upgrades:    upgradeCtrl,
		Promotions:  orchestrator,
		Signers:     selection,
		Metrics:     observability.NewMetrics("trustplane"),
		SLO:         observability.NewSLOTracker(),
		Auth:        auth.Middleware(validator, allowHeaderRoles),
		Limiter:     auth.NewRateLimiter(100, 200),
		Idempotency: idem,
	})

	fmt.Fprintf(stdout, "trustplane listening on :%s (%s)\n", cfg.Port, cfg.Env)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func buildSigner(ctx context.Context, cfg *config.Config) (*signer.Selection, error) {
	var backends []signer.Signer
	switch cfg.SignerBackend {
	case "kms":
		s, err := signer.NewKMSSignerFromEnv(ctx, cfg.KMSKeyID)
		if err != nil {
			return nil, err
		}
		backends = append(backends, s)
	case "proxy":
		var opts []signer.ProxyOption
		if cfg.SignerProxyAPIKey != "" {
			opts = append(opts, signer.WithProxyAPIKey(cfg.SignerProxyAPIKey))
		}
		backends = append(backends, signer.NewProxySigner(cfg.SignerProxyURL, "proxy-key", opts...))
	default:
		s, err := signer.NewEd25519Signer("local-dev")
		if err != nil {
			return nil, err
		}
		backends = append(backends, s)
	}
	return signer.Select(ctx, cfg.RequireKMS, backends...)
}

func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Production() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "consumer-1"
}
