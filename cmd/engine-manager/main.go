// cmd/engine-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"persona-engine/internal/cache"
	"persona-engine/internal/chat"
	"persona-engine/internal/common/config"
	"persona-engine/internal/common/database"
	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/common/observability"
	"persona-engine/internal/composer"
	"persona-engine/internal/engine"
	"persona-engine/internal/extractor"
	"persona-engine/internal/gate"
	"persona-engine/internal/models"
	"persona-engine/internal/persona"
	"persona-engine/internal/retrieval"
	"persona-engine/internal/safety"
	"persona-engine/internal/store"
	"persona-engine/internal/synthesis"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting engine manager...",
		zap.String("app", cfg.App.Name),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New("engine-manager")
	defer obs.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Cache.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Inference gate: sole owner of the model backend ---
	backend := gate.NewOpenAIBackend(cfg.Model)
	g := gate.New(backend, gate.Config{MaxQueueDepth: cfg.Gate.MaxQueueDepth}, log, obs)
	defer g.Stop()

	semcache := cache.NewRedisCache(redis)
	validator := safety.NewValidator(safety.Config{
		MaxInputLength:  cfg.Safety.MaxInputLength,
		MaxOutputLength: cfg.Safety.MaxOutputLength,
	})
	index := retrieval.NewIndex(retrieval.Config{
		RecencyHalfLifeHours: cfg.Retrieval.RecencyHalfLifeHours,
		MinRelevance:         cfg.Retrieval.MinRelevance,
	})
	registry := persona.NewRegistry(cfg.Personas, log)

	basePersona := ""
	if names := registry.Names(); len(names) > 0 {
		basePersona = names[0]
	}

	ex := extractor.New(g, semcache, validator, extractor.Config{
		ContextBudget: cfg.Model.ContextBudget,
		ModelVersion:  cfg.Model.Version,
		CacheTTL:      time.Duration(cfg.Cache.MetadataTTL) * time.Second,
		Deadline:      time.Duration(cfg.Gate.BatchDeadline) * time.Millisecond,
	}, log)
	synth := synthesis.New(g, semcache, index, validator, synthesis.Config{
		MaxQueryLength: cfg.Safety.MaxQueryLength,
		TopK:           cfg.Retrieval.DefaultTopK,
		CacheTTL:       time.Duration(cfg.Cache.SynthesisTTL) * time.Second,
		Deadline:       time.Duration(cfg.Gate.SynthesisDeadline) * time.Millisecond,
	}, log)
	comp := composer.New(g, semcache, validator, composer.Config{
		CacheTTL: time.Duration(cfg.Cache.CompositionTTL) * time.Second,
		Deadline: time.Duration(cfg.Gate.SynthesisDeadline) * time.Millisecond,
	}, log)
	adjuster := chat.New(g, registry, comp, validator, chat.Config{
		BasePersona:      basePersona,
		MaxMessageLength: cfg.Safety.MaxQueryLength,
		Deadline:         time.Duration(cfg.Gate.InteractiveDeadline) * time.Millisecond,
	}, log)

	eng := engine.New(engine.Deps{
		Extractor:   ex,
		Synthesizer: synth,
		Composer:    comp,
		Adjuster:    adjuster,
		Registry:    registry,
		Index:       index,
		Metadata:    store.NewMetadataStore(pg.DB, log),
		Adjustments: store.NewAdjustmentStore(pg.DB, log),
		Segments:    store.NewSegmentStore(pg.DB, log),
	}, log)

	if err := eng.Restore(ctx); err != nil {
		zapLog.Fatal("retrieval index restore failed", zap.Error(err))
	}

	// --- Article stream from the feed ingestor ---
	articles := make(chan models.Article, 64)
	go func() {
		if err := eng.Run(ctx, articles); err != nil && err != context.Canceled {
			zapLog.Error("article pipeline stopped", zap.Error(err))
		}
	}()

	// --- API server ---
	api := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: newAPIHandler(eng, articles, basePersona, log),
	}
	go func() {
		zapLog.Info("API server listening", zap.String("addr", api.Addr))
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("api server failed", zap.Error(err))
		}
	}()

	// --- Metrics + pprof server ---
	if cfg.Metrics.Enabled {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			zapLog.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Address))
			if err := http.ListenAndServe(cfg.Metrics.Address, nil); err != nil && err != http.ErrServerClosed {
				zapLog.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("api shutdown failed", zap.Error(err))
	}

	zapLog.Info("Engine manager stopped")
}

type synthesizeRequest struct {
	SessionID  string  `json:"session_id"`
	Query      string  `json:"query"`
	ArticleIDs []int64 `json:"article_ids"`
}

type composeRequest struct {
	SessionID  string               `json:"session_id"`
	Query      string               `json:"query"`
	ArticleIDs []int64              `json:"article_ids"`
	Persona    string               `json:"persona"`
	Overrides  *models.PersonaDelta `json:"overrides,omitempty"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	Adjustment models.PersonaAdjustment `json:"adjustment"`
	Segment    *models.ComposedSegment  `json:"segment"`
}

func newAPIHandler(eng *engine.Engine, articles chan<- models.Article, defaultPersona string, log logger.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var article models.Article
		if err := json.NewDecoder(r.Body).Decode(&article); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		select {
		case articles <- article:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		case <-r.Context().Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
	})

	mux.HandleFunc("/v1/synthesize", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var (
			result models.SynthesisResult
			err    error
		)
		if req.SessionID != "" {
			result, err = eng.SynthesizeForSession(r.Context(), req.SessionID, req.Query, req.ArticleIDs)
		} else {
			result, err = eng.Synthesize(r.Context(), req.Query, req.ArticleIDs)
		}
		if err != nil {
			writeError(w, err, log)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("/v1/compose", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req composeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Persona == "" {
			req.Persona = defaultPersona
		}

		var (
			result models.SynthesisResult
			err    error
		)
		if req.SessionID != "" {
			result, err = eng.SynthesizeForSession(r.Context(), req.SessionID, req.Query, req.ArticleIDs)
		} else {
			result, err = eng.Synthesize(r.Context(), req.Query, req.ArticleIDs)
		}
		if err != nil {
			writeError(w, err, log)
			return
		}
		if result.Empty {
			writeJSON(w, http.StatusOK, result)
			return
		}

		segment, err := eng.Compose(r.Context(), result, req.Persona, req.Overrides)
		if err != nil {
			writeError(w, err, log)
			return
		}
		writeJSON(w, http.StatusOK, segment)
	})

	mux.HandleFunc("/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		adjustment, segment, err := eng.Chat(r.Context(), req.SessionID, req.Message)
		if err != nil {
			writeError(w, err, log)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{Adjustment: adjustment, Segment: segment})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, log logger.Logger) {
	log.Warn("request failed", map[string]interface{}{"error": err.Error()})
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

func httpStatus(err error) int {
	switch stderrors.CodeOf(err) {
	case stderrors.ErrCodeInputTooLong, stderrors.ErrCodeInputRejectedUnsafe, stderrors.ErrCodeSchemaValidationFailure:
		return http.StatusBadRequest
	case stderrors.ErrCodePersonaNotFound:
		return http.StatusNotFound
	case stderrors.ErrCodeModelQueueTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
