package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/twmb/franz-go/pkg/kgo"

	jwttoken "fhir-gateway/internal/jwt_token"
	"fhir-gateway/internal/platform/config"
	"fhir-gateway/internal/platform/kafka"
	platformmetrics "fhir-gateway/internal/platform/metrics"
	"fhir-gateway/internal/platform/middleware"
	"fhir-gateway/internal/platform/postgres"
	redisclient "fhir-gateway/internal/platform/redis"
	"fhir-gateway/internal/resource"
	"fhir-gateway/internal/resource/handler"
	"fhir-gateway/internal/resource/hooks"
	resourcemetrics "fhir-gateway/internal/resource/metrics"
	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/notify"
	"fhir-gateway/internal/resource/precondition"
	"fhir-gateway/internal/resource/service"
	"fhir-gateway/internal/resource/store/cache"
	"fhir-gateway/internal/resource/store/memory"
	pgstore "fhir-gateway/internal/resource/store/postgres"
	"fhir-gateway/internal/resource/validation"
	"fhir-gateway/pkg/platform/httputil"
)

// app holds everything serve needs and what must be closed afterwards.
type app struct {
	logger   *slog.Logger
	db       *sql.DB
	redis    *redisclient.Client
	producer *kgo.Client
	events   *notify.Async
	router   http.Handler
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	var err error
	if a.db, err = postgres.Open(ctx, cfg.Database); err != nil {
		return fail(err)
	}
	if a.redis, err = redisclient.New(ctx, cfg.Redis); err != nil {
		return fail(err)
	}

	resourceMetrics := resourcemetrics.New()
	sinks := notify.Fanout{notify.NewLog(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		if a.producer, err = kafka.NewProducer(cfg.Kafka); err != nil {
			return fail(err)
		}
		if err = kafka.EnsureTopic(ctx, a.producer, cfg.Kafka, logger); err != nil {
			return fail(err)
		}
		sinks = append(sinks, notify.NewKafka(a.producer, cfg.Kafka.Topic, logger))
	}
	a.events = notify.NewAsync(sinks, cfg.Kafka.EventBuffer,
		notify.WithAsyncLogger(logger),
		notify.WithAsyncMetrics(resourceMetrics),
	)

	validator := validation.New(models.DefaultTypes, validation.WithLogger(logger))
	var writeHooks hooks.Hooks = hooks.Nop{}
	if cfg.Resources.ValidateOnWrite {
		writeHooks = validation.NewHook(validator)
	}

	registry, err := resource.NewRegistry(models.DefaultTypes, cfg.Resources.Types, a.storeFactory(cfg),
		service.WithLogger(logger),
		service.WithMetrics(resourceMetrics),
		service.WithNotifier(a.events),
		service.WithHooks(writeHooks),
		service.WithValidator(validator),
		service.WithServerBase(cfg.Server.BaseURL),
		service.WithUpdateAsCreate(cfg.Resources.UpdateAsCreate),
		service.WithConditionalDeleteMultiple(cfg.Resources.ConditionalDeleteMultiple),
		service.WithDefaultPageCount(cfg.Resources.DefaultPageCount),
		service.WithMaxPageCount(cfg.Resources.MaxPageCount),
	)
	if err != nil {
		return fail(err)
	}

	services := make([]handler.Service, 0, len(registry.Services()))
	for _, svc := range registry.Services() {
		services = append(services, svc)
	}
	h := handler.New(services, registry.Types(),
		precondition.NewParser(precondition.DefaultHeaderNames(), logger),
		logger,
		handler.WithBaseURL(cfg.Server.BaseURL),
		handler.WithPolicies(handler.Policies{
			UpdateAsCreate:            cfg.Resources.UpdateAsCreate,
			ConditionalDeleteMultiple: cfg.Resources.ConditionalDeleteMultiple,
		}),
	)
	a.router = a.newRouter(cfg, h, platformmetrics.New())

	logger.Info("resource engines ready",
		"types", len(registry.Types()),
		"postgres", a.db != nil,
		"redis", a.redis != nil,
		"kafka", a.producer != nil,
	)
	return a, nil
}

// storeFactory picks postgres when configured, memory otherwise, and puts
// the redis snapshot cache in front when redis is configured.
func (a *app) storeFactory(cfg config.Config) resource.StoreFactory {
	return func(t models.ResourceType) (service.Store, error) {
		var store service.Store
		if a.db != nil {
			store = pgstore.New(a.db, t)
		} else {
			store = memory.New(t)
		}
		if a.redis != nil {
			store = cache.New(store, a.redis.Client, t, cfg.Redis.SnapshotTTL, cache.WithLogger(a.logger))
		}
		return store, nil
	}
}

func (a *app) newRouter(cfg config.Config, h *handler.Handler, m *platformmetrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.Logger(a.logger))
	r.Use(m.Middleware)

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", m.Handler())

	mount := func(r chi.Router) {
		if cfg.Server.JWTSigningKey != "" {
			validator := jwttoken.NewJWTServiceAdapter(newTokenService(cfg))
			r.Use(middleware.RequireAuth(validator, a.logger))
		}
		h.Register(r)
	}
	if base := basePath(cfg.Server.BaseURL); base != "" {
		r.Route(base, mount)
	} else {
		r.Group(mount)
	}
	return r
}

func basePath(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/")
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			status["postgres"], code = err.Error(), http.StatusServiceUnavailable
		}
	}
	if a.redis != nil {
		if err := a.redis.Health(ctx); err != nil {
			status["redis"], code = err.Error(), http.StatusServiceUnavailable
		}
	}
	if a.producer != nil {
		if err := kafka.Ping(ctx, a.producer); err != nil {
			status["kafka"], code = err.Error(), http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		status["status"] = "degraded"
	}
	httputil.WriteJSON(w, code, status)
}

// Close flushes pending events and releases connections.
func (a *app) Close() {
	if a.producer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.producer.Flush(ctx); err != nil {
			a.logger.Warn("kafka flush incomplete", "error", err)
		}
		cancel()
		a.producer.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
