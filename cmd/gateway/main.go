package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/safeprompt/gateway/pkg/config"
	"github.com/safeprompt/gateway/pkg/guard"
	"github.com/safeprompt/gateway/pkg/judge"
	"github.com/safeprompt/gateway/pkg/pipeline"
	"github.com/safeprompt/gateway/pkg/semantic"
	"github.com/safeprompt/gateway/pkg/session"
	"github.com/safeprompt/gateway/pkg/telemetry"
)

const Version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		addr := ""
		if len(os.Args) > 2 {
			addr = ":" + strings.TrimPrefix(os.Args[2], ":")
		}
		runServer(addr)
	case "scan":
		if len(os.Args) < 3 {
			fmt.Println("Usage: safeprompt scan <text>")
			os.Exit(1)
		}
		runCLIScan(strings.Join(os.Args[2:], " "))
	case "version":
		fmt.Printf("SafePrompt Gateway v%s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("SafePrompt Gateway v%s - prompt injection guardrail\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  safeprompt serve [port]   Start the HTTP gateway (default: 8080)")
	fmt.Println("  safeprompt scan <text>    Validate text from the command line")
	fmt.Println("  safeprompt version        Show version")
	fmt.Println("")
	fmt.Println("Key environment variables:")
	fmt.Println("  SAFEPROMPT_API_KEYS        Accepted X-API-Key values (comma-separated)")
	fmt.Println("  SAFEPROMPT_JUDGE_API_KEY   API key for the AI judge provider")
	fmt.Println("  SAFEPROMPT_SESSION_STORE   memory (default) | redis | postgres")
	fmt.Println("  SAFEPROMPT_ENABLE_SEMANTIC Enable the similarity stage (needs embeddings URL)")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var logger *zap.Logger
	var err error
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// buildStore selects the session backend from configuration.
func buildStore(cfg *config.Config, logger *zap.Logger) (session.Store, error) {
	switch cfg.SessionStore {
	case config.StoreMemory:
		logger.Info("session store: in-memory")
		return session.NewMemoryStore(session.WithTTL(cfg.SessionTTL)), nil

	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("session store: redis", zap.String("addr", opts.Addr))
		return session.NewRedisStore(client, cfg.SessionTTL), nil

	case config.StorePostgres:
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("session store: postgres")
		return session.NewPostgresStore(pool, cfg.SessionTTL), nil
	}
	return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
}

// buildSemantic initializes the optional similarity stage. Any failure
// disables the stage rather than blocking startup.
func buildSemantic(cfg *config.Config, logger *zap.Logger) *semantic.Detector {
	if !cfg.EnableSemantic {
		return nil
	}

	embed := semantic.NewOpenRouterEmbedder(cfg.EmbeddingsURL, cfg.JudgeAPIKey, cfg.EmbeddingsModel)
	detector, err := semantic.NewDetector(embed)
	if err != nil {
		logger.Warn("semantic stage disabled", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := detector.Seed(ctx, nil); err != nil {
		logger.Warn("semantic stage disabled, seeding failed", zap.Error(err))
		return nil
	}

	logger.Info("semantic stage enabled", zap.String("model", cfg.EmbeddingsModel))
	return detector
}

func buildPipeline(cfg *config.Config, logger *zap.Logger, metrics *telemetry.Metrics) (*pipeline.Pipeline, session.Store, error) {
	store, err := buildStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	judgeCfg, err := cfg.JudgeConfig()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	client := judge.NewClient(cfg.JudgeBaseURL, cfg.JudgeAPIKey, logger)
	engine := judge.NewEngine(judgeCfg, client, logger)
	tracker := session.NewTracker(store, logger,
		session.WithOverrideThreshold(cfg.OverrideThreshold))

	opts := []pipeline.Option{pipeline.WithMetrics(metrics)}
	if detector := buildSemantic(cfg, logger); detector != nil {
		opts = append(opts, pipeline.WithSemanticDetector(detector))
	}

	return pipeline.New(engine, tracker, logger, opts...), store, nil
}

// keyLimiter hands out one token bucket per API key.
type keyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newKeyLimiter(rps float64, burst int) *keyLimiter {
	return &keyLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (k *keyLimiter) allow(key string) bool {
	k.mu.Lock()
	lim, ok := k.limiters[key]
	if !ok {
		lim = rate.NewLimiter(k.rps, k.burst)
		k.limiters[key] = lim
	}
	k.mu.Unlock()
	return lim.Allow()
}

type validateRequest struct {
	Prompt       string             `json:"prompt"`
	SessionToken string             `json:"sessionToken"`
	CustomRules  *guard.CustomRules `json:"customRules"`
}

type validateResponse struct {
	Safe             bool     `json:"safe"`
	Confidence       float64  `json:"confidence"`
	Threats          []string `json:"threats,omitempty"`
	Reasoning        string   `json:"reasoning"`
	SessionToken     string   `json:"session_token,omitempty"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

func newApp(cfg *config.Config, p *pipeline.Pipeline, metrics *telemetry.Metrics, logger *zap.Logger) *fiber.App {
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}
	limiter := newKeyLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	app := fiber.New(fiber.Config{
		AppName: "SafePrompt Gateway",
		// A handler panic must read as unsafe downstream, never as a
		// silently dropped request.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			logger.Error("request failed", zap.Error(err))
			metrics.ObserveHTTPRequest(c.Path(), http.StatusInternalServerError)
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
				"error": "internal error",
				"note":  "treat this response as unsafe",
			})
		},
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": Version})
	})

	app.Post("/v1/validate", func(c fiber.Ctx) error {
		apiKey := c.Get("X-API-Key")
		if _, ok := keys[apiKey]; apiKey == "" || !ok {
			metrics.ObserveHTTPRequest("/v1/validate", http.StatusUnauthorized)
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "missing or invalid API key"})
		}

		if !limiter.allow(apiKey) {
			metrics.ObserveHTTPRequest("/v1/validate", http.StatusTooManyRequests)
			return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}

		var req validateRequest
		if err := c.Bind().Body(&req); err != nil {
			metrics.ObserveHTTPRequest("/v1/validate", http.StatusBadRequest)
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if req.Prompt == "" {
			metrics.ObserveHTTPRequest("/v1/validate", http.StatusBadRequest)
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "prompt field is required"})
		}

		requestID := uuid.NewString()
		start := time.Now()

		result, err := p.Validate(c.Context(), guard.Request{
			Prompt:       req.Prompt,
			SessionToken: req.SessionToken,
			UserIP:       c.Get("X-User-IP", c.IP()),
			CustomRules:  req.CustomRules,
		})
		if err != nil {
			var perr *guard.PhraseError
			if errors.As(err, &perr) {
				metrics.ObserveHTTPRequest("/v1/validate", http.StatusBadRequest)
				return c.Status(http.StatusBadRequest).JSON(fiber.Map{
					"error":   "invalid custom rules",
					"details": fiber.Map{"list": perr.List, "phrase": perr.Phrase, "reason": perr.Reason},
				})
			}
			return err // 500 via the app error handler, fail closed
		}

		logger.Info("validated",
			zap.String("requestId", requestID),
			zap.Bool("safe", result.Verdict.Safe),
			zap.String("stage", string(result.Verdict.Stage)),
			zap.Int64("latencyMs", result.Verdict.LatencyMs))

		metrics.ObserveHTTPRequest("/v1/validate", http.StatusOK)
		return c.JSON(validateResponse{
			Safe:             result.Verdict.Safe,
			Confidence:       result.Verdict.Confidence,
			Threats:          result.Verdict.Threats,
			Reasoning:        result.Verdict.Reasoning,
			SessionToken:     result.SessionToken,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		})
	})

	return app
}

func runServer(addr string) {
	cfg := config.NewDefaultConfig()
	if addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.MustValidate()

	logger := newLogger(cfg)
	defer logger.Sync()

	metrics := telemetry.New("safeprompt")

	p, store, err := buildPipeline(cfg, logger, metrics)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer store.Close()

	app := newApp(cfg, p, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		return app.Listen(cfg.ListenAddr)
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(metrics)}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func metricsMux(metrics *telemetry.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// runCLIScan validates one text and prints the verdict as JSON.
func runCLIScan(text string) {
	cfg := config.NewDefaultConfig()
	logger := zap.NewNop()
	metrics := telemetry.New("safeprompt")

	cfg.SessionStore = config.StoreMemory
	p, store, err := buildPipeline(cfg, logger, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := p.Validate(ctx, guard.Request{Prompt: text})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result.Verdict, "", "  ")
	fmt.Println(string(out))

	if !result.Verdict.Safe {
		os.Exit(2)
	}
}
