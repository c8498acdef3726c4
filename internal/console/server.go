// Package console serves the operator API: route lifecycle actions, the live
// route view and a websocket that pushes updates to browsers.
package console

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/config"
	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/lifecycle"
	"github.com/markus-barta/routedeck/internal/routes"
	"github.com/markus-barta/routedeck/internal/view"
)

const notificationLimit = 50

// Journal persists lifecycle actions and answers per-route history.
// *lifecycle.Journal implements it.
type Journal interface {
	lifecycle.Recorder
	History(ctx context.Context, routeID string, limit int) ([]lifecycle.Entry, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Config  *config.Config
	API     routes.API
	Feed    view.Feed
	Journal Journal       // optional
	Clock   history.Clock // optional
}

// Server is the console HTTP server.
type Server struct {
	cfg     *config.Config
	log     zerolog.Logger
	auth    *AuthService
	hub     *Hub
	api     routes.API
	ctrl    *lifecycle.Controller
	session *view.Session
	inbox   *lifecycle.Inbox
	journal Journal

	// base outlives requests; live subscriptions are bound to it.
	base   context.Context
	cancel context.CancelFunc

	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
}

// New creates a console server and starts its browser hub.
func New(deps Deps, log zerolog.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())

	hub := NewHub(log)
	inbox := lifecycle.NewInbox(notificationLimit)
	out := &broadcaster{inbox: inbox, hub: hub}

	ctrl := lifecycle.NewController(log, deps.API, out, out)
	if deps.Journal != nil {
		ctrl.SetRecorder(deps.Journal)
	}

	s := &Server{
		cfg:     deps.Config,
		log:     log.With().Str("component", "console").Logger(),
		auth:    NewAuthService(deps.Config),
		hub:     hub,
		api:     deps.API,
		ctrl:    ctrl,
		inbox:   inbox,
		journal: deps.Journal,
		base:    base,
		cancel:  cancel,
	}
	s.session = view.NewSession(view.Options{
		Routes:    ctrl,
		Feed:      deps.Feed,
		Notifier:  out,
		Navigator: out,
		Clock:     deps.Clock,
		Capacity:  deps.Config.HistorySize,
		OnUpdate: func(routeID string) {
			hub.Broadcast(MsgRouteUpdate, map[string]string{"route_id": routeID})
		},
	}, log)
	s.wsUpgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRouter()
	go s.hub.Run(base)

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/ws", s.handleWebSocket)
		r.With(s.requireCSRF).Post("/logout", s.handleLogout)

		r.Route("/api", func(r chi.Router) {
			r.Use(s.requireCSRF)

			r.Get("/routes", s.handleListRoutes)
			r.Delete("/routes/{routeID}", s.handleDeleteRoute)
			r.Post("/routes/{routeID}/open", s.handleOpenRoute)
			r.Post("/routes/{routeID}/start", s.handleAction(lifecycle.ActionStart))
			r.Post("/routes/{routeID}/stop", s.handleAction(lifecycle.ActionStop))
			r.Post("/routes/{routeID}/toggle", s.handleToggle)
			r.Post("/routes/{routeID}/restart", s.handleAction(lifecycle.ActionRestart))
			r.Get("/routes/{routeID}/history", s.handleRouteHistory)
			r.Delete("/routes/{routeID}/destinations/{destID}", s.handleDeleteDestination)

			r.Get("/view", s.handleView)
			r.Delete("/view", s.handleCloseView)
			r.Put("/view/tab", s.handleSetTab)
			r.Put("/view/filter", s.handleSetFilter)
			r.Post("/view/destinations/{destID}/expand", s.handleToggleExpanded)

			r.Get("/notifications", s.handleNotifications)
			r.Get("/actions", s.handleActions)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware checks for a valid session when login is enabled.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		session, err := s.auth.GetSessionFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
	})
}

// requireCSRF middleware validates the CSRF token for state-changing requests.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		session := sessionFromContext(r.Context())
		if session == nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !s.auth.ValidateCSRF(session, r.Header.Get("X-CSRF-Token")) {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts same-host origins, or only the configured ones when
// allowed_origins is set. Non-browser clients send no Origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Listen).Str("version", VersionInfo()).Msg("starting console server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the live feed and disconnects browsers.
func (s *Server) Close() {
	s.session.Close()
	s.cancel()
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Controller exposes the lifecycle controller.
func (s *Server) Controller() *lifecycle.Controller {
	return s.ctrl
}

// broadcaster forwards controller and view side effects to the inbox and
// to connected browsers.
type broadcaster struct {
	inbox *lifecycle.Inbox
	hub   *Hub
}

func (b *broadcaster) Notify(n lifecycle.Notification) {
	b.inbox.Notify(n)
	b.hub.Broadcast(MsgNotification, n)
}

func (b *broadcaster) Navigate(path string) {
	b.hub.Broadcast(MsgNavigate, map[string]string{"path": path})
}

func (b *broadcaster) SetBreadcrumbs(crumbs []view.Breadcrumb) {
	b.hub.Broadcast(MsgBreadcrumbs, crumbs)
}

var (
	_ lifecycle.Notifier  = (*broadcaster)(nil)
	_ lifecycle.Navigator = (*broadcaster)(nil)
	_ view.BreadcrumbSink = (*broadcaster)(nil)
	_ Journal             = (*lifecycle.Journal)(nil)
)
