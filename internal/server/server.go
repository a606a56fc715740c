// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mcp-nutrition-log/internal/apperrors"
	"mcp-nutrition-log/internal/models"
	"mcp-nutrition-log/internal/notice"
	"mcp-nutrition-log/internal/reconcile"
	"mcp-nutrition-log/internal/session"
	"mcp-nutrition-log/internal/tracker"
)

type Config struct {
	Host string
	Port int
}

// Sessions is the sign-in surface of the session observer.
type Sessions interface {
	Current() models.Identity
	SignIn(token string) (models.Identity, error)
	SignOut()
}

// Advisor estimates meals and answers nutrition questions.
type Advisor interface {
	EstimateMeal(ctx context.Context, description string) (*models.MealEstimate, error)
	Ask(ctx context.Context, question string, profile *models.UserProfile, log *models.DailyLog) (string, error)
}

type NoticeSource interface {
	Recent() []notice.Notice
}

type EngineStatus interface {
	Current() string
}

// Deps are the components the tool handlers operate on. Advisor may be nil.
type Deps struct {
	State    *reconcile.State
	Tracker  *tracker.Tracker
	Sessions Sessions
	Engine   EngineStatus
	Notices  NoticeSource
	Advisor  Advisor
}

type toolHandler func(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error)

type NutritionServer struct {
	httpServer *http.Server
	deps       Deps
	tools      map[string]toolHandler
	logger     *zap.Logger
}

func NewNutritionServer(cfg *Config, deps Deps, logger *zap.Logger) *NutritionServer {
	s := &NutritionServer{
		deps:   deps,
		logger: logger.Named("server"),
	}
	s.registerTools()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the HTTP routes.
func (s *NutritionServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(s.logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	router.Post("/", s.handleToolCall)
	router.Post("/mcp", s.handleToolCall)
	router.Get("/health", s.handleHealth)
	router.Get("/notices", s.handleNotices)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func (s *NutritionServer) Start(ctx context.Context) error {
	s.logger.Info("starting nutrition log server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *NutritionServer) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *NutritionServer) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var request protocol.CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	handler, ok := s.tools[request.Name]
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown tool: %s", request.Name), http.StatusNotFound)
		return
	}

	result, err := handler(r.Context(), &request)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("tool failed", zap.String("tool", request.Name), zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.writeJSON(w, result)
}

func (s *NutritionServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status": "ok",
		"engine": s.deps.Engine.Current(),
		"ready":  s.deps.State.Ready(),
	})
}

func (s *NutritionServer) handleNotices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.deps.Notices.Recent())
}

func (s *NutritionServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func createJSONResponse(data interface{}) (*protocol.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		},
	}, nil
}

// paramError marks bad tool arguments.
type paramError struct {
	err error
}

func (e *paramError) Error() string { return "invalid parameters: " + e.err.Error() }
func (e *paramError) Unwrap() error { return e.err }

var errAdvisorDisabled = errors.New("advisor is not configured")

func statusFor(err error) int {
	var pe *paramError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrMissingToken),
		errors.Is(err, session.ErrInvalidToken),
		errors.Is(err, session.ErrExpiredToken),
		errors.Is(err, session.ErrInvalidClaims):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrSignInDisabled), errors.Is(err, errAdvisorDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrWriteFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())))
		})
	}
}
