package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"ramqval.facturis.org/cache"
	"ramqval.facturis.org/models"
)

// registerReference mounts the reference-data administration routes. Reads go
// through the cache; every mutation invalidates the matching cache key so the
// next read repopulates.
func (s *Server) registerReference(g *echo.Group) {
	g.GET("/codes", s.handleListCodes, s.requireRole(models.RoleViewer))
	g.POST("/codes", s.handleCreateCode, s.requireRole(models.RoleAdmin))
	g.PUT("/codes/:id", s.handleUpdateCode, s.requireRole(models.RoleAdmin))
	g.DELETE("/codes/:id", s.handleDeleteCode, s.requireRole(models.RoleAdmin))

	g.GET("/contexts", s.handleListContexts, s.requireRole(models.RoleViewer))
	g.POST("/contexts", s.handleCreateContext, s.requireRole(models.RoleAdmin))
	g.DELETE("/contexts/:id", s.handleDeleteContext, s.requireRole(models.RoleAdmin))

	g.GET("/establishments", s.handleListEstablishments, s.requireRole(models.RoleViewer))
	g.POST("/establishments", s.handleCreateEstablishment, s.requireRole(models.RoleAdmin))
	g.DELETE("/establishments/:id", s.handleDeleteEstablishment, s.requireRole(models.RoleAdmin))

	g.GET("/rules", s.handleListRules, s.requireRole(models.RoleViewer))
	g.POST("/rules", s.handleCreateRule, s.requireRole(models.RoleAdmin))
	g.PUT("/rules/:id", s.handleUpdateRule, s.requireRole(models.RoleAdmin))
	g.DELETE("/rules/:id", s.handleDeleteRule, s.requireRole(models.RoleAdmin))
}

func (s *Server) handleListCodes(c echo.Context) error {
	codes, err := s.cache.Codes(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load codes")
	}
	return c.JSON(http.StatusOK, codes)
}

func (s *Server) handleCreateCode(c echo.Context) error {
	var code models.Code
	if err := c.Bind(&code); err != nil || code.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	if err := s.store.CreateCode(c.Request().Context(), &code); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create code")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyCodes)
	return c.JSON(http.StatusCreated, code)
}

func (s *Server) handleUpdateCode(c echo.Context) error {
	var code models.Code
	if err := c.Bind(&code); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid code payload")
	}
	code.ID = c.Param("id")
	if err := s.store.UpdateCode(c.Request().Context(), &code); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update code")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyCodes)
	return c.JSON(http.StatusOK, code)
}

func (s *Server) handleDeleteCode(c echo.Context) error {
	if err := s.store.DeleteCode(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete code")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyCodes)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListContexts(c echo.Context) error {
	contexts, err := s.cache.Contexts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load contexts")
	}
	return c.JSON(http.StatusOK, contexts)
}

func (s *Server) handleCreateContext(c echo.Context) error {
	var sc models.ServiceContext
	if err := c.Bind(&sc); err != nil || sc.Tag == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tag is required")
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if err := s.store.CreateContext(c.Request().Context(), &sc); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create context")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyContexts)
	return c.JSON(http.StatusCreated, sc)
}

func (s *Server) handleDeleteContext(c echo.Context) error {
	if err := s.store.DeleteContext(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete context")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyContexts)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListEstablishments(c echo.Context) error {
	establishments, err := s.cache.Establishments(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load establishments")
	}
	return c.JSON(http.StatusOK, establishments)
}

func (s *Server) handleCreateEstablishment(c echo.Context) error {
	var est models.Establishment
	if err := c.Bind(&est); err != nil || est.Numero == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "numero is required")
	}
	if est.ID == "" {
		est.ID = uuid.NewString()
	}
	if err := s.store.CreateEstablishment(c.Request().Context(), &est); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create establishment")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyEstablishments)
	return c.JSON(http.StatusCreated, est)
}

func (s *Server) handleDeleteEstablishment(c echo.Context) error {
	if err := s.store.DeleteEstablishment(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete establishment")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyEstablishments)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListRules(c echo.Context) error {
	rules, err := s.cache.Rules(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load rules")
	}
	return c.JSON(http.StatusOK, rules)
}

func (s *Server) handleCreateRule(c echo.Context) error {
	var rule models.Rule
	if err := c.Bind(&rule); err != nil || rule.ID == "" || rule.RuleType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and ruleType are required")
	}
	if err := s.store.CreateRule(c.Request().Context(), &rule); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create rule")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyRules)
	return c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(c echo.Context) error {
	var rule models.Rule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid rule payload")
	}
	rule.ID = c.Param("id")
	if err := s.store.UpdateRule(c.Request().Context(), &rule); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update rule")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyRules)
	return c.JSON(http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(c echo.Context) error {
	if err := s.store.DeleteRule(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete rule")
	}
	s.cache.Invalidate(c.Request().Context(), cache.KeyRules)
	return c.NoContent(http.StatusNoContent)
}
