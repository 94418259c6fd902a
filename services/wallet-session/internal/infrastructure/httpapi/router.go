// Package httpapi exposes the wallet session, profile and catalog over a
// local HTTP API with a websocket snapshot stream.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/recovery"
	"github.com/quangdang46/Course-Marketplace/shared/resilience"
)

type SessionService interface {
	Snapshot() domain.Snapshot
	Connect(ctx context.Context) (domain.Snapshot, error)
	Disconnect(ctx context.Context) (domain.Snapshot, error)
	Refresh(ctx context.Context) (domain.Snapshot, error)
	Authenticate(ctx context.Context) (domain.Snapshot, error)
	Subscribe(fn func(domain.Snapshot)) func()
}

type ProfileService interface {
	Profile() *domain.Profile
	UpdateProfile(ctx context.Context, upd domain.ProfileUpdate) (*domain.Profile, error)
	UploadAvatar(ctx context.Context, filename string, r io.Reader) (*domain.Profile, error)
}

type CatalogService interface {
	ListCourses(ctx context.Context) ([]domain.Course, error)
	CourseDetail(ctx context.Context, id string) (*domain.Course, error)
	CreateCourse(ctx context.Context, draft domain.CourseDraft) (map[string]interface{}, error)
	UploadFile(ctx context.Context, filename string, r io.Reader) (*domain.UploadResult, error)
}

// ProfileProxy forwards a raw profile request to the backend
type ProfileProxy interface {
	ProxyProfile(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type BreakerReporter interface {
	BreakerStats() []resilience.CircuitBreakerStats
}

// Deps wires the router to the services it fronts
type Deps struct {
	Session        SessionService
	Profiles       ProfileService
	Catalog        CatalogService
	Proxy          ProfileProxy
	Store          HealthChecker
	Breakers       BreakerReporter
	Metrics        *metrics.Metrics
	Logger         *logging.Logger
	AllowedOrigins []string
	Environment    string
	MaxUploadSize  int64
	ServiceVersion string
}

type api struct {
	deps     Deps
	logger   *logging.Logger
	upgrader websocket.Upgrader
	panics   *recovery.PanicHandler
}

// NewRouter builds the HTTP handler
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = 10 << 20
	}
	a := &api{
		deps:   deps,
		logger: deps.Logger.WithField("component", "http"),
	}
	a.panics = recovery.NewPanicHandler(
		recovery.WithLogger(a.logger),
		recovery.WithErrorReturn(deps.Environment == "development"),
		recovery.WithPanicCallback(func(interface{}, []byte) {
			if deps.Metrics != nil {
				deps.Metrics.PanicsRecovered.Inc()
			}
		}),
	)
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}

	r := chi.NewRouter()
	r.Use(a.cors().Handler)
	r.Use(middleware.RealIP)
	r.Use(logging.CorrelationMiddleware)
	r.Use(a.observe)
	r.Use(a.panics.HTTPMiddleware)

	r.Get("/health", a.handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", a.handleSnapshot)
			r.Post("/connect", a.handleConnect)
			r.Post("/disconnect", a.handleDisconnect)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/authenticate", a.handleAuthenticate)
			r.Get("/ws", a.handleStream)
		})

		r.Get("/profile", a.handleGetProfile)
		r.Put("/profile", a.handleUpdateProfile)
		r.Post("/profile/avatar", a.handleUploadAvatar)
		r.Post("/user/profile", a.handleProxyProfile)

		r.Get("/course/list", a.handleListCourses)
		r.Get("/course/detail/{id}", a.handleCourseDetail)
		r.Post("/courses", a.handleCreateCourse)
		r.Post("/upload", a.handleUpload)
	})

	return r
}

func (a *api) cors() *cors.Cors {
	origins := a.deps.AllowedOrigins
	if a.deps.Environment == "development" {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", logging.RequestIDHeader, logging.CorrelationHeader},
		ExposedHeaders:   []string{logging.RequestIDHeader, logging.CorrelationHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

func (a *api) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || a.deps.Environment == "development" {
		return true
	}
	for _, allowed := range a.deps.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	a.logger.WithField("origin", origin).Warn("websocket origin rejected")
	return false
}

// observe logs and measures each request under its route pattern
func (a *api) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if a.deps.Metrics != nil {
			a.deps.Metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
		}
		a.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	checks := map[string]string{}

	if a.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Store.HealthCheck(ctx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["store"] = "ok"
		}
	}

	data := map[string]interface{}{
		"status":  status,
		"service": "wallet-session",
		"version": a.deps.ServiceVersion,
		"checks":  checks,
	}
	if a.deps.Breakers != nil {
		data["breakers"] = a.deps.Breakers.BreakerStats()
	}
	if a.deps.Session != nil {
		data["session"] = a.deps.Session.Snapshot().State
	}
	respondMessage(w, httpStatus, status, data)
}
