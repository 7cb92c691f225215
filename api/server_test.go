package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramqval.facturis.org/config"
	"ramqval.facturis.org/models"
)

func testContext(t *testing.T, user *models.User) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/validations", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if user != nil {
		c.Set(userContextKey, user)
	}
	return c
}

func TestRequireRole(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := &Server{log: logrus.NewEntry(logger)}

	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	tests := []struct {
		name     string
		user     *models.User
		min      models.UserRole
		wantCode int
	}{
		{name: "no user", user: nil, min: models.RoleViewer, wantCode: http.StatusForbidden},
		{name: "pending blocked from viewer routes", user: &models.User{Role: models.RolePending}, min: models.RoleViewer, wantCode: http.StatusForbidden},
		{name: "viewer allowed on viewer routes", user: &models.User{Role: models.RoleViewer}, min: models.RoleViewer, wantCode: http.StatusOK},
		{name: "viewer blocked from editor routes", user: &models.User{Role: models.RoleViewer}, min: models.RoleEditor, wantCode: http.StatusForbidden},
		{name: "editor blocked from admin routes", user: &models.User{Role: models.RoleEditor}, min: models.RoleAdmin, wantCode: http.StatusForbidden},
		{name: "admin allowed everywhere", user: &models.User{Role: models.RoleAdmin}, min: models.RoleEditor, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testContext(t, tt.user)
			err := s.requireRole(tt.min)(ok)(c)
			if tt.wantCode == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, http.StatusOK, c.Response().Status)
				return
			}
			var httpErr *echo.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.wantCode, httpErr.Code)
		})
	}
}

func TestIdentifyRejectsMissingHeader(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := &Server{log: logrus.NewEntry(logger)}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/validations", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := s.identify(func(c echo.Context) error { return nil })(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestHandleHealth(t *testing.T) {
	s := &Server{}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, s.handleHealth(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestNewEcho(t *testing.T) {
	e := NewEcho(config.ServerConfig{BodyLimit: "50M"})
	assert.True(t, e.HideBanner)
	assert.NotNil(t, e)
}

func TestAtoiDefault(t *testing.T) {
	assert.Equal(t, 30, atoiDefault("", 30))
	assert.Equal(t, 7, atoiDefault("7", 30))
	assert.Equal(t, 30, atoiDefault("sept", 30))
	assert.Equal(t, -1, atoiDefault("-1", 30))
}

func TestMustRedactForNonAdmins(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := &Server{log: logrus.NewEntry(logger)}

	// Non-admins are always redacted, opt-out flag or not; no audit row is
	// attempted so a nil store is safe here.
	editor := &models.User{Role: models.RoleEditor, PHIRedactionEnabled: false}
	assert.True(t, s.mustRedact(testContext(t, editor), editor, "run-1", 10))

	admin := &models.User{Role: models.RoleAdmin, PHIRedactionEnabled: true}
	assert.True(t, s.mustRedact(testContext(t, admin), admin, "run-1", 10))
}
