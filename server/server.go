// Package server provides the web front-end: an HTML chat page and a JSON API
// over per-session conversations.
package server

import (
	"errors"
	"net"
	"regexp"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/logger"
	"github.com/papercomputeco/flowchat/pkg/session"
)

// SessionCookie carries the session ID of browser clients.
const SessionCookie = "flowchat_session"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageRequest is the body of POST /api/sessions/:id/messages.
type MessageRequest struct {
	Content string `json:"content"`
}

// SessionResponse is a snapshot of one conversation.
type SessionResponse struct {
	SessionID string              `json:"session_id"`
	Stage     conversation.Stage  `json:"stage"`
	Turns     []conversation.Turn `json:"turns"`
}

// Server serves the chat page and API. It holds no conversation state of its
// own; every request goes through the session manager.
type Server struct {
	config  Config
	manager *session.Manager
	logger  *zap.Logger
	app     *fiber.App
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes gatherer on GET /metrics.
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// New creates a new Server.
func New(config Config, manager *session.Manager, logger *zap.Logger, opts ...Option) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		// Session IDs outlive the request as store and lock keys.
		Immutable:             true,
		ErrorHandler:          errorHandler(logger),
	})

	s := &Server{
		config:  config,
		manager: manager,
		logger:  logger,
		app:     app,
	}
	s.routes()

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})

	s.app.Get("/", s.handlePage)
	s.app.Post("/", s.handleFormSubmit)
	s.app.Post("/reset", s.handleFormReset)

	api := s.app.Group("/api/sessions")
	api.Get("/", s.handleListSessions)
	api.Get("/:id", s.handleGetSession)
	api.Post("/:id/messages", s.handlePostMessage)
	api.Delete("/:id", s.handleDeleteSession)
}

// Run starts the server on the configured listen address.
func (s *Server) Run() error {
	s.logger.Info("starting chat server", zap.String("listen", s.config.ListenAddr))
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener serves on an existing listener.
func (s *Server) RunWithListener(ln net.Listener) error {
	s.logger.Info("starting chat server", zap.String("listen", ln.Addr().String()))
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handlePage(c *fiber.Ctx) error {
	id := s.browserSession(c)

	state, err := s.manager.Get(c.UserContext(), id)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return pageTemplate.Execute(c, pageData{
		Title:    s.config.Title,
		Subtitle: s.config.Subtitle,
		Turns:    state.Turns,
		Pending:  state.Stage == conversation.StageAwaitingBotResponse,
	})
}

func (s *Server) handleFormSubmit(c *fiber.Ctx) error {
	id := s.browserSession(c)

	if _, err := s.manager.Send(c.UserContext(), id, c.FormValue("message")); err != nil {
		return err
	}
	return c.Redirect("/", fiber.StatusSeeOther)
}

func (s *Server) handleFormReset(c *fiber.Ctx) error {
	id := s.browserSession(c)

	if err := s.manager.Reset(c.UserContext(), id); err != nil {
		return err
	}
	return c.Redirect("/", fiber.StatusSeeOther)
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	ids, err := s.manager.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(map[string]any{
		"count":    len(ids),
		"sessions": ids,
	})
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}

	state, err := s.manager.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(snapshot(id, state))
}

func (s *Server) handlePostMessage(c *fiber.Ctx) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}

	var req MessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	s.logger.Debug("received message",
		zap.String("session_id", id),
		zap.String("content_preview", logger.Truncate(req.Content, 50)),
	)

	state, err := s.manager.Send(c.UserContext(), id, req.Content)
	if err != nil {
		return err
	}
	return c.JSON(snapshot(id, state))
}

func (s *Server) handleDeleteSession(c *fiber.Ctx) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}

	if err := s.manager.Reset(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// browserSession returns the session ID from the cookie, issuing a new one
// when the cookie is missing or malformed.
func (s *Server) browserSession(c *fiber.Ctx) string {
	id := c.Cookies(SessionCookie)
	if sessionIDPattern.MatchString(id) {
		return id
	}

	id = uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	s.logger.Debug("issued session", zap.String("session_id", id))
	return id
}

func sessionParam(c *fiber.Ctx) (string, error) {
	id := c.Params("id")
	if !sessionIDPattern.MatchString(id) {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

func snapshot(id string, state conversation.State) SessionResponse {
	turns := state.Turns
	if turns == nil {
		turns = []conversation.Turn{}
	}
	return SessionResponse{
		SessionID: id,
		Stage:     state.Stage,
		Turns:     turns,
	}
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message})
		}

		logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		if errors.Is(err, conversation.ErrInvalidState) {
			return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "session state is inconsistent"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}
}
