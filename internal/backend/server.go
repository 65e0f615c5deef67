package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"go-chatsync/internal/auth"
	myMiddleware "go-chatsync/internal/middleware"
)

type Options struct {
	JWTSecret string
	TokenTTL  time.Duration
	// Broker defaults to a LocalBroker.
	Broker Broker
	// RequestLogging enables chi's access log.
	RequestLogging bool
}

// Server is the reference backend: REST under /api, the websocket at /ws,
// Prometheus metrics at /metrics and a development token endpoint at /token.
type Server struct {
	Repo    *Repository
	Hub     *Hub
	Metrics *Metrics
	handler *Handler
	opts    Options
}

func New(opts Options, log *logrus.Entry) *Server {
	if opts.Broker == nil {
		opts.Broker = NewLocalBroker()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	repo := NewRepository()
	metrics := NewMetrics()
	hub := NewHub(opts.Broker, repo, metrics, log.WithField("component", "hub"))
	return &Server{
		Repo:    repo,
		Hub:     hub,
		Metrics: metrics,
		handler: NewHandler(hub, repo, opts.JWTSecret, opts.TokenTTL, log),
		opts:    opts,
	}
}

// Start runs the hub until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	return s.Hub.Start(ctx)
}

func (s *Server) Router() http.Handler {
	authMiddleware := myMiddleware.NewAuthMiddleware(auth.NewValidator(s.opts.JWTSecret))
	h := s.handler

	r := chi.NewRouter()
	if s.opts.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Post("/token", h.IssueToken)
	r.Handle("/metrics", s.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/ws", h.ServeWs)

		r.Route("/api", func(r chi.Router) {
			r.Get("/chat/history/{conversationId}", h.GetChatHistory)
			r.Get("/chat/conversations", h.ListConversations)
			r.Get("/chat/conversation/{userId}", h.StartConversation)
			r.Get("/chat/unread-count", h.UnreadCount)

			r.Get("/notification", h.ListNotifications)
			r.Post("/notification", h.CreateNotification)
			r.Get("/notification/stats", h.NotificationStats)
			r.Put("/notification/mark-all-seen", h.MarkAllNotificationsSeen)
			r.Put("/notification/{id}/seen", h.MarkNotificationSeen)
		})
	})
	return r
}
