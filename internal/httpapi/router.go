package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"llm_proxy/internal/analysis"
	"llm_proxy/internal/archive"
	"llm_proxy/internal/config"
	"llm_proxy/internal/middleware"
	"llm_proxy/internal/pricing"
	"llm_proxy/internal/queue"
	"llm_proxy/internal/ratelimit"
	"llm_proxy/internal/relay"
	"llm_proxy/internal/storage"
	"llm_proxy/internal/tracking"
	"llm_proxy/internal/utils"
)

// Dependencies holds everything the router needs, plus the pieces that
// require an orderly shutdown.
type Dependencies struct {
	DB       *storage.DB
	Server   *Server
	Limiter  ratelimit.Limiter
	worker   *storage.UsageQueueWorker
	archiver archive.Archiver
	log      *logrus.Logger
}

// BuildDependencies wires the full stack from configuration: database,
// queues, relay engine, tracking, analysis and the HTTP server.
func BuildDependencies(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Dependencies, error) {
	if err := storage.Migrate(cfg.Database); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	db, err := storage.NewDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	enc, err := storage.NewEncryptionFromBase64(cfg.Vault.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("encryption: %w", err)
	}

	credentials := db.NewCredentialRepository(enc)
	users := db.NewUserRepository()
	sessions := db.NewSessionRepository()
	requests := db.NewRequestRepository()
	personas := db.NewPersonaRepository()
	analysisConfigs := db.NewAnalysisConfigRepository()
	analysisResults := db.NewAnalysisResultRepository()

	usageQueue, usageDLQ, err := buildUsageQueue(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("usage queue: %w", err)
	}
	workerCfg := queue.DefaultConfig("usage")
	workerCfg.BatchSize = cfg.Queue.BatchSize
	workerCfg.BatchTimeout = cfg.Queue.FlushInterval
	workerCfg.MaxRetries = cfg.Queue.MaxRetries
	worker := storage.NewUsageQueueWorker(usageQueue, usageDLQ, db, workerCfg, log)
	worker.Start(ctx)

	archiver, err := buildArchiver(ctx, cfg.Archive, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}

	estimator := pricing.NewEstimator(log)
	upstream := relay.NewClient(cfg.Upstream)
	ledger := tracking.NewLedger(requests, worker, estimator, archiver, log)
	engine := relay.NewEngine(upstream, ledger, log)
	tracker := tracking.NewTracker(users, sessions)

	analyzer := analysis.NewService(requests, users, analysisConfigs, analysisResults, credentials, upstream, estimator, log)

	limiter := buildLimiter(cfg)

	server := NewServer(ServerParams{
		Config:          cfg,
		Log:             log,
		Tracker:         tracker,
		Ledger:          ledger,
		Engine:          engine,
		Upstream:        upstream,
		Credentials:     credentials,
		Personas:        personas,
		Requests:        requests,
		Users:           users,
		Sessions:        sessions,
		AnalysisConfigs: analysisConfigs,
		Analyzer:        analyzer,
	})

	return &Dependencies{
		DB:       db,
		Server:   server,
		Limiter:  limiter,
		worker:   worker,
		archiver: archiver,
		log:      log,
	}, nil
}

func buildUsageQueue(cfg *config.Config) (queue.Queue, queue.DeadLetterQueue, error) {
	qcfg := queue.DefaultConfig("usage")
	qcfg.BatchSize = cfg.Queue.BatchSize
	qcfg.BatchTimeout = cfg.Queue.FlushInterval
	qcfg.MaxRetries = cfg.Queue.MaxRetries

	if cfg.Queue.Backend == "redis" {
		qcfg.RedisAddr = cfg.Redis.Address
		qcfg.RedisPassword = cfg.Redis.Password
		qcfg.RedisDB = cfg.Redis.DB

		q, err := queue.NewRedisQueue(qcfg)
		if err != nil {
			return nil, nil, err
		}
		dlq, err := queue.NewRedisDeadLetterQueue(qcfg)
		if err != nil {
			return nil, nil, err
		}
		return q, dlq, nil
	}

	return queue.NewMemoryQueue(qcfg), queue.NewMemoryDeadLetterQueue(), nil
}

func buildArchiver(ctx context.Context, cfg config.ArchiveConfig, log *logrus.Logger) (archive.Archiver, error) {
	if !cfg.Enabled {
		return archive.NewNoopArchiver(), nil
	}
	writer, err := archive.NewS3Writer(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix, cfg.PodName, log)
	if err != nil {
		return nil, err
	}
	return archive.NewS3Archiver(writer, cfg, log), nil
}

func buildLimiter(cfg *config.Config) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled || !cfg.Redis.Enabled {
		return ratelimit.NewNoopLimiter()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	return ratelimit.NewRedisLimiter(client, cfg.RateLimit.Requests, cfg.RateLimit.Window)
}

// Shutdown stops background workers, drains buffers and closes the
// database. Safe to call once.
func (d *Dependencies) Shutdown(ctx context.Context) {
	if err := d.worker.Stop(); err != nil {
		d.log.WithError(err).Warn("usage worker stop failed")
	}
	if err := d.archiver.Shutdown(ctx); err != nil {
		d.log.WithError(err).Warn("archiver shutdown failed")
	}
	if err := d.DB.Close(); err != nil {
		d.log.WithError(err).Warn("database close failed")
	}
}

// NewRouter assembles the routing table. The /v1 surface sits behind
// organization JWT auth and rate limiting; liveness does not.
func NewRouter(deps *Dependencies, cfg *config.Config) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORSMiddleware(cfg.CORSOrigins))

	r.HandleFunc("/healthz", livenessHandler(deps.DB)).Methods(http.MethodGet, http.MethodOptions)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(middleware.OrgJWTMiddleware(cfg))
	api.Use(middleware.RateLimitMiddleware(deps.Limiter))
	registerRoutes(api, deps.Server)

	return r
}

func registerRoutes(api *mux.Router, s *Server) {
	// Relay. The health probe route must precede the {id} route.
	api.HandleFunc("/responses", s.handleCreateResponse).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/responses/health", s.handleRelayHealth).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/responses/{id}", s.handleGetResponse).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/responses/{id}/rate", s.handleRateResponse).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/responses/{id}/cancel", s.handleCancelResponse).Methods(http.MethodPost, http.MethodOptions)

	// Sessions.
	api.HandleFunc("/sessions/{token}/end", s.handleEndSession).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{id}/requests", s.handleListSessionRequests).Methods(http.MethodGet, http.MethodOptions)

	// Synthetic keys.
	api.HandleFunc("/keys", s.handleCreateKey).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/keys", s.handleListKeys).Methods(http.MethodGet)
	api.HandleFunc("/keys/{id}", s.handleGetKey).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/keys/{id}", s.handleUpdateKey).Methods(http.MethodPut)
	api.HandleFunc("/keys/{id}", s.handleDeactivateKey).Methods(http.MethodDelete)

	// Personas.
	api.HandleFunc("/personas", s.handleCreatePersona).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/personas", s.handleListPersonas).Methods(http.MethodGet)
	api.HandleFunc("/personas/{id}", s.handleGetPersona).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/personas/{id}", s.handleUpdatePersona).Methods(http.MethodPut)
	api.HandleFunc("/personas/{id}", s.handleDeactivatePersona).Methods(http.MethodDelete)

	// Analysis.
	api.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/analysis/configs", s.handleCreateAnalysisConfig).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/analysis/configs", s.handleListAnalysisConfigs).Methods(http.MethodGet)
	api.HandleFunc("/analysis/configs/{id}", s.handleGetAnalysisConfig).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/analysis/configs/{id}", s.handleUpdateAnalysisConfig).Methods(http.MethodPut)
	api.HandleFunc("/analysis/configs/{id}", s.handleDeactivateAnalysisConfig).Methods(http.MethodDelete)
}

func livenessHandler(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Health(ctx); err != nil {
			utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
