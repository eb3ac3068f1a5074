// Package webserver hosts the HTTP surface: the JWT protected admin api,
// the realtime websocket endpoint and metrics.
package webserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/talkincode/wadesk/config"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// Claims are issued by the external identity service.
type Claims struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type echoValidator struct {
	validate *validator.Validate
}

func (v *echoValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

type AdminServer struct {
	root   *echo.Echo
	api    *echo.Group
	auth   echo.MiddlewareFunc
	listen string
}

func NewAdminServer(cfg config.WebConfig) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.OFF)
	e.Validator = &echoValidator{validate: validator.New()}
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			zap.L().Error("http handler panic",
				zap.String("namespace", "webserver"),
				zap.String("path", c.Path()),
				zap.Error(err),
				zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Debug("http request",
				zap.String("namespace", "webserver"),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	auth := echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(cfg.JwtSecret),
		SigningMethod: jwt.SigningMethodHS256.Alg(),
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(Claims)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"error":   "UNAUTHORIZED",
				"message": "invalid or missing token",
			})
		},
	})

	return &AdminServer{
		root:   e,
		api:    e.Group(apiPrefix, auth),
		auth:   auth,
		listen: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
}

// Root exposes the echo instance for tests and unauthenticated routes.
func (s *AdminServer) Root() *echo.Echo {
	return s.root
}

func (s *AdminServer) ApiGET(path string, h echo.HandlerFunc) {
	s.api.GET(path, h)
}

func (s *AdminServer) ApiPOST(path string, h echo.HandlerFunc) {
	s.api.POST(path, h)
}

func (s *AdminServer) ApiDELETE(path string, h echo.HandlerFunc) {
	s.api.DELETE(path, h)
}

// AuthGET registers an authenticated route outside the api prefix.
func (s *AdminServer) AuthGET(path string, h echo.HandlerFunc) {
	s.root.GET(path, h, s.auth)
}

// Start blocks serving until Shutdown.
func (s *AdminServer) Start() error {
	zap.L().Info("admin server listening", zap.String("namespace", "webserver"), zap.String("addr", s.listen))
	err := s.root.Start(s.listen)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.root.Shutdown(ctx)
}

// ClaimsFrom returns the verified claims of an authenticated request.
func ClaimsFrom(c echo.Context) (*Claims, bool) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return nil, false
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.TenantID) == "" {
		return nil, false
	}
	return claims, true
}

// IssueToken signs claims with secret. It backs local tooling and tests;
// production tokens come from the identity service.
func IssueToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
