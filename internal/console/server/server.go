package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/console/handler"
	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/engine"
	"github.com/xela07ax/toxguard/internal/infra/auth"
)

// Handlers — обработчики бизнес-доменов. nil — группа роутов не монтируется
// (консоль администратора поднимается без модерации).
type Handlers struct {
	Moderation *handler.ModerationHandler // /v1/moderations, /v1/stats
	Credential *handler.CredentialHandler // /v1/credentials
	Audit      *handler.AuditHandler      // /v1/audit (Logs + SSE)
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator

	h Handlers
}

// NewConsoleServer инициализирует HTTP API со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		if mh := s.h.Moderation; mh != nil {
			r.Route("/v1/moderations", func(r chi.Router) {
				r.Post("/", mh.Create) // Любой аутентифицированный клиент
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole((*domain.CustomClaims).CanModerate))
					r.Get("/", mh.List) // Очередь модерации
					r.Get("/{id}", mh.Get)
					r.Post("/{id}/state", mh.SetState) // approve / reject / delete / override
				})
			})
			r.With(auth.RequireRole((*domain.CustomClaims).CanModerate)).Get("/v1/stats", mh.Stats)
		}

		// Аудит и Логи (Observability)
		if ah := s.h.Audit; ah != nil {
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole((*domain.CustomClaims).CanModerate))
				r.Get("/v1/audit", ah.GetLogs)
				r.Get("/v1/audit/stream", ah.Stream)
			})
		}

		// Пул ключей — только администраторы
		if ch := s.h.Credential; ch != nil {
			r.Route("/v1/credentials", func(r chi.Router) {
				r.Use(auth.RequireRole((*domain.CustomClaims).IsAdmin))
				r.Get("/", ch.List)
				r.Post("/", ch.Add)
				r.Post("/{id}/deactivate", ch.Deactivate)
				r.Post("/{id}/reactivate", ch.Reactivate)
			})
		}
	})
}

// requestLogger — access log в zap вместо стандартного middleware.Logger
func (s *ConsoleServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
