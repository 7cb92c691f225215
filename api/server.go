// Package api exposes the HTTP boundary of the validation service.
//
// Identity arrives via trusted reverse-proxy headers (X-User-ID, X-User-Email,
// X-User-Name); the service maps them to a user row and enforces role-based
// access. New users start in the pending role and are rejected until an admin
// promotes them.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"ramqval.facturis.org/cache"
	"ramqval.facturis.org/config"
	"ramqval.facturis.org/models"
	"ramqval.facturis.org/phi"
	redisq "ramqval.facturis.org/queue/redis"
	"ramqval.facturis.org/store"
)

const userContextKey = "ramqval.user"

// Server wires the handlers to their dependencies.
type Server struct {
	store     *store.Store
	cache     *cache.Cache
	queue     *redisq.Queue
	redactor  *phi.Redactor
	uploadDir string
	log       *logrus.Entry
}

// NewServer builds the handler set.
func NewServer(st *store.Store, c *cache.Cache, q *redisq.Queue, redactor *phi.Redactor, uploadDir string, log *logrus.Entry) *Server {
	return &Server{store: st, cache: c, queue: q, redactor: redactor, uploadDir: uploadDir, log: log}
}

// NewEcho builds the echo instance with the standard middleware stack.
func NewEcho(cfg config.ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	return e
}

// Register mounts all routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)

	g := e.Group("/api", s.identify)

	g.POST("/files", s.handleUploadFile, s.requireRole(models.RoleEditor))
	g.POST("/validations", s.handleCreateValidation, s.requireRole(models.RoleEditor))
	g.GET("/validations", s.handleListValidations, s.requireRole(models.RoleViewer))
	g.GET("/validations/:id", s.handleGetValidation, s.requireRole(models.RoleViewer))
	g.GET("/validations/:id/results", s.handleGetResults, s.requireRole(models.RoleViewer))
	g.GET("/validations/:id/records", s.handleGetRecords, s.requireRole(models.RoleViewer))
	g.GET("/validations/:id/logs", s.handleGetLogs, s.requireRole(models.RoleViewer))
	g.POST("/validations/:id/cleanup", s.handleCleanupRun, s.requireRole(models.RoleAdmin))
	g.POST("/validations/cleanup-old", s.handleCleanupOld, s.requireRole(models.RoleAdmin))

	g.GET("/cache/stats", s.handleCacheStats, s.requireRole(models.RoleAdmin))

	s.registerReference(g)
}

// identify resolves the proxy identity headers into a user row.
func (s *Server) identify(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get("X-User-ID")
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing X-User-ID header")
		}
		email := c.Request().Header.Get("X-User-Email")
		name := c.Request().Header.Get("X-User-Name")

		user, err := s.store.GetOrCreateUser(c.Request().Context(), userID, email, name)
		if err != nil {
			s.log.WithError(err).Error("failed to resolve user")
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve user")
		}
		c.Set(userContextKey, user)
		return next(c)
	}
}

var roleRank = map[models.UserRole]int{
	models.RolePending: 0,
	models.RoleViewer:  1,
	models.RoleEditor:  2,
	models.RoleAdmin:   3,
}

// requireRole gates a route on a minimum role.
func (s *Server) requireRole(min models.UserRole) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := currentUser(c)
			if user == nil || roleRank[user.Role] < roleRank[min] {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

func currentUser(c echo.Context) *models.User {
	user, _ := c.Get(userContextKey).(*models.User)
	return user
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "service": "ramqval"})
}

func (s *Server) handleCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cache.Stats())
}
